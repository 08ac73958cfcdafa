// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy evaluates approval and egress rules against proposed
// capability invocations.
package policy

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jllopis/steward/pkg/registry"
)

// Effect is the outcome of a policy evaluation.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Condition selects the actions a rule applies to. Every set field must
// match; an empty condition matches everything. String fields are globs.
type Condition struct {
	Verb         string                `json:"verb,omitempty" yaml:"verb,omitempty"`
	Agent        string                `json:"agent,omitempty" yaml:"agent,omitempty"`
	Annotations  []registry.Annotation `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	EgressTarget string                `json:"egress_target,omitempty" yaml:"egress_target,omitempty"`
	Session      string                `json:"session,omitempty" yaml:"session,omitempty"`
	Write        *bool                 `json:"write,omitempty" yaml:"write,omitempty"`
	Egress       *bool                 `json:"egress,omitempty" yaml:"egress,omitempty"`
}

// Rule is a single policy rule. Higher priority rules are evaluated first;
// ties are broken by name.
type Rule struct {
	Name      string    `json:"name" yaml:"name" validate:"required,max=128"`
	Condition Condition `json:"condition" yaml:"condition"`
	Action    Effect    `json:"action" yaml:"action" validate:"required,oneof=allow deny require_approval"`
	Priority  int       `json:"priority" yaml:"priority"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Action describes a proposed capability invocation.
type Action struct {
	Verb        string                `json:"verb"`
	AgentID     string                `json:"agent_id"`
	Annotations []registry.Annotation `json:"annotations,omitempty"`
	// Egress lists the hosts the invocation contacts.
	Egress []string `json:"egress,omitempty"`
	// AgentEgressDomains lists the hosts the agent declared in its manifest.
	AgentEgressDomains []string `json:"agent_egress_domains,omitempty"`
}

// ActionFor builds the action for invoking ref.
func ActionFor(ref registry.AgentRef) Action {
	return Action{
		Verb:               ref.Capability.Verb,
		AgentID:            ref.AgentID,
		Annotations:        slices.Clone(ref.Capability.SafetyAnnotations),
		Egress:             slices.Clone(ref.Capability.Egress),
		AgentEgressDomains: slices.Clone(ref.EgressDomains),
	}
}

// WithEgress returns a copy of a with the given egress targets.
func (a Action) WithEgress(targets []string) Action {
	a.Egress = slices.Clone(targets)
	return a
}

func (a Action) has(ann registry.Annotation) bool {
	return slices.Contains(a.Annotations, ann)
}

// IsWrite reports whether the action is write-class.
func (a Action) IsWrite() bool {
	return a.has(registry.AnnotationWrite)
}

// Context carries request-level attributes for evaluation.
type Context struct {
	SessionID string `json:"session_id,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`
}

// Decision is the result of an evaluation.
type Decision struct {
	Effect  Effect `json:"effect"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Version uint64 `json:"version"`
}

// Allowed reports whether the action may proceed without approval.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Denied reports whether the action must not proceed.
func (d Decision) Denied() bool { return d.Effect == EffectDeny }

// Names of the built-in defaults reported in Decision.Rule.
const (
	DefaultUndeclaredEgress = "default:undeclared-egress"
	DefaultEgressAllowlist  = "default:egress-allowlist"
	DefaultNoEgress         = "default:no-egress"
	DefaultLocalReadOnly    = "default:local-read-only"
	DefaultWrite            = "default:write"
	DefaultAllow            = "default:allow"
)

// Snapshot is an immutable, versioned rule set. Plans capture a snapshot at
// build time and keep evaluating against it.
type Snapshot struct {
	version   uint64
	rules     []Rule
	allowlist []string
}

func newSnapshot(version uint64, rules []Rule, allowlist []string) *Snapshot {
	sorted := make([]Rule, len(rules))
	for i, r := range rules {
		sorted[i] = r.clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})
	return &Snapshot{version: version, rules: sorted, allowlist: normalizeHosts(allowlist)}
}

// Version identifies the snapshot; it increases with every change.
func (s *Snapshot) Version() uint64 { return s.version }

// Rules returns the rules in evaluation order.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.clone()
	}
	return out
}

// Allowlist returns the egress allowlist patterns.
func (s *Snapshot) Allowlist() []string {
	return slices.Clone(s.allowlist)
}

// Evaluate walks the rules by descending priority and returns the first
// match, falling back to the built-in defaults.
func (s *Snapshot) Evaluate(action Action, pctx Context) Decision {
	for _, rule := range s.rules {
		if rule.Condition.matches(action, pctx) {
			reason := rule.Reason
			if reason == "" {
				reason = fmt.Sprintf("matched rule %s", rule.Name)
			}
			return Decision{Effect: rule.Action, Rule: rule.Name, Reason: reason, Version: s.version}
		}
	}
	return s.defaultDecision(action)
}

func (s *Snapshot) defaultDecision(action Action) Decision {
	decide := func(effect Effect, rule, reason string) Decision {
		return Decision{Effect: effect, Rule: rule, Reason: reason, Version: s.version}
	}
	if len(action.Egress) > 0 {
		if rule, reason, ok := s.checkEgress(action, action.Egress); !ok {
			return decide(EffectDeny, rule, reason)
		}
	}
	switch {
	case action.has(registry.AnnotationReadOnly) && action.has(registry.AnnotationLocalOnly) && !action.IsWrite():
		return decide(EffectAllow, DefaultLocalReadOnly, "read-only local capability")
	case action.IsWrite():
		return decide(EffectRequireApproval, DefaultWrite, "write capability requires approval")
	default:
		return decide(EffectAllow, DefaultAllow, "no rule matched")
	}
}

// CheckEgress verifies every target against the agent's declared egress
// domains and the allowlist. It is applied on each invocation regardless of
// rule outcomes.
func (s *Snapshot) CheckEgress(action Action, targets []string) Decision {
	if rule, reason, ok := s.checkEgress(action, targets); !ok {
		return Decision{Effect: EffectDeny, Rule: rule, Reason: reason, Version: s.version}
	}
	return Decision{Effect: EffectAllow, Rule: DefaultAllow, Reason: "egress permitted", Version: s.version}
}

func (s *Snapshot) checkEgress(action Action, targets []string) (string, string, bool) {
	if len(targets) == 0 {
		return "", "", true
	}
	if action.has(registry.AnnotationNoEgress) || action.has(registry.AnnotationLocalOnly) {
		return DefaultNoEgress, fmt.Sprintf("%s may not contact %s", action.Verb, targets[0]), false
	}
	for _, target := range normalizeHosts(targets) {
		if !matchAny(action.AgentEgressDomains, target) {
			return DefaultUndeclaredEgress, fmt.Sprintf("egress to %s not declared by agent %s", target, action.AgentID), false
		}
		if !matchAny(s.allowlist, target) {
			return DefaultEgressAllowlist, fmt.Sprintf("egress to %s not in allowlist", target), false
		}
	}
	return "", "", true
}

func (c Condition) matches(action Action, pctx Context) bool {
	if c.Verb != "" && !match(c.Verb, action.Verb) {
		return false
	}
	if c.Agent != "" && !match(c.Agent, action.AgentID) {
		return false
	}
	for _, ann := range c.Annotations {
		if !action.has(ann) {
			return false
		}
	}
	if c.EgressTarget != "" && !anyMatch(c.EgressTarget, normalizeHosts(action.Egress)) {
		return false
	}
	if c.Session != "" && !match(c.Session, pctx.SessionID) {
		return false
	}
	if c.Write != nil && *c.Write != action.IsWrite() {
		return false
	}
	if c.Egress != nil && *c.Egress != (len(action.Egress) > 0) {
		return false
	}
	return true
}

func (c Condition) patterns() []string {
	out := []string{}
	for _, p := range []string{c.Verb, c.Agent, c.EgressTarget, c.Session} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r Rule) clone() Rule {
	out := r
	out.Condition.Annotations = slices.Clone(r.Condition.Annotations)
	if r.Condition.Write != nil {
		v := *r.Condition.Write
		out.Condition.Write = &v
	}
	if r.Condition.Egress != nil {
		v := *r.Condition.Egress
		out.Condition.Egress = &v
	}
	return out
}

func match(pattern, value string) bool {
	if pattern == value {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}

func anyMatch(pattern string, values []string) bool {
	for _, v := range values {
		if match(pattern, v) {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if match(strings.ToLower(p), value) {
			return true
		}
	}
	return false
}

// normalizeHosts lowercases targets and strips schemes, ports and paths so
// "https://API.example.com:443/v1" compares as "api.example.com".
func normalizeHosts(targets []string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.ToLower(strings.TrimSpace(t))
		if i := strings.Index(t, "://"); i >= 0 {
			t = t[i+3:]
		}
		if i := strings.IndexAny(t, "/?#"); i >= 0 {
			t = t[:i]
		}
		if i := strings.LastIndex(t, ":"); i >= 0 && !strings.Contains(t[i+1:], "*") {
			t = t[:i]
		}
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
