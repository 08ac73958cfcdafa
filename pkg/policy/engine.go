// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/telemetry"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Engine owns the current policy snapshot. Changes are serialized and
// published atomically; evaluations never lock.
type Engine struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics counts decisions.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine with the given rules and egress allowlist.
func NewEngine(rules []Rule, allowlist []string, opts ...Option) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = telemetry.Component(e.logger, "policy")
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	e.current.Store(newSnapshot(1, rules, allowlist))
	return e, nil
}

// Snapshot returns the current snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Evaluate evaluates action against the current snapshot.
func (e *Engine) Evaluate(ctx context.Context, action Action, pctx Context) Decision {
	return e.EvaluateWith(ctx, e.current.Load(), action, pctx)
}

// EvaluateWith evaluates against a captured snapshot and records the decision.
func (e *Engine) EvaluateWith(ctx context.Context, snap *Snapshot, action Action, pctx Context) Decision {
	if snap == nil {
		snap = e.current.Load()
	}
	d := snap.Evaluate(action, pctx)
	e.metrics.RecordPolicyDecision(ctx, string(d.Effect))
	e.logger.DebugContext(ctx, "policy.evaluated",
		slog.String("verb", action.Verb),
		slog.String("agent_id", action.AgentID),
		slog.String("effect", string(d.Effect)),
		slog.String("rule", d.Rule),
		slog.Uint64("version", d.Version),
	)
	return d
}

// Put adds or replaces the rule with the same name.
func (e *Engine) Put(ctx context.Context, rule Rule) (*Snapshot, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	return e.update(ctx, func(s *Snapshot) ([]Rule, []string, error) {
		rules := make([]Rule, 0, len(s.rules)+1)
		for _, r := range s.rules {
			if r.Name != rule.Name {
				rules = append(rules, r)
			}
		}
		return append(rules, rule), s.allowlist, nil
	})
}

// Delete removes a rule by name.
func (e *Engine) Delete(ctx context.Context, name string) (*Snapshot, error) {
	return e.update(ctx, func(s *Snapshot) ([]Rule, []string, error) {
		rules := make([]Rule, 0, len(s.rules))
		for _, r := range s.rules {
			if r.Name != name {
				rules = append(rules, r)
			}
		}
		if len(rules) == len(s.rules) {
			return nil, nil, errors.New(errors.CodeNotFound, "policy rule not found", nil).WithContext("rule", name)
		}
		return rules, s.allowlist, nil
	})
}

// Replace swaps the whole rule set and allowlist in one step.
func (e *Engine) Replace(ctx context.Context, rules []Rule, allowlist []string) (*Snapshot, error) {
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	return e.update(ctx, func(*Snapshot) ([]Rule, []string, error) {
		return rules, allowlist, nil
	})
}

// SetAllowlist replaces the egress allowlist.
func (e *Engine) SetAllowlist(ctx context.Context, allowlist []string) (*Snapshot, error) {
	if err := validatePatterns(allowlist); err != nil {
		return nil, err
	}
	return e.update(ctx, func(s *Snapshot) ([]Rule, []string, error) {
		return s.rules, allowlist, nil
	})
}

func (e *Engine) update(ctx context.Context, fn func(*Snapshot) ([]Rule, []string, error)) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.current.Load()
	rules, allowlist, err := fn(cur)
	if err != nil {
		return nil, err
	}
	next := newSnapshot(cur.version+1, rules, allowlist)
	e.current.Store(next)
	e.logger.InfoContext(ctx, "policy.updated",
		slog.Uint64("version", next.version),
		slog.Int("rules", len(next.rules)),
		slog.Int("allowlist", len(next.allowlist)),
	)
	return next, nil
}

func validateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return err
		}
		if _, dup := seen[r.Name]; dup {
			return errors.New(errors.CodeValidation, "duplicate policy rule name", nil).WithContext("rule", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

func validateRule(r Rule) error {
	if err := validate.Struct(r); err != nil {
		return errors.New(errors.CodeValidation, fmt.Sprintf("invalid policy rule %q", r.Name), err).WithContext("rule", r.Name)
	}
	if err := validatePatterns(r.Condition.patterns()); err != nil {
		return err
	}
	return nil
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return errors.New(errors.CodeValidation, "invalid glob pattern", nil).WithContext("pattern", p)
		}
	}
	return nil
}
