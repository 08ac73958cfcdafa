// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package planner turns a classified intent into a validated task DAG.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/resilience"
	"github.com/jllopis/steward/pkg/telemetry"
)

// Defaults applied when neither the planner nor the request sets a value.
const (
	DefaultStepBudget      = 16
	DefaultWallClockBudget = 60 * time.Second
	DefaultRetries         = 2
)

// Intent is the classifier output: the capability verbs a request needs,
// ranked by relevance, plus optional ordering and per-verb input.
type Intent struct {
	Verbs []string `json:"verbs"`
	// After lists, per verb, the verbs that must succeed before it.
	After map[string][]string `json:"after,omitempty"`
	// Inputs holds per-verb input merged over the request input.
	Inputs map[string]map[string]any `json:"inputs,omitempty"`
	Route  string                    `json:"route,omitempty"`
}

// Constraints are the request-level limits applied to a plan.
type Constraints struct {
	SessionID       string
	StepBudget      int
	WallClockBudget time.Duration
	DataScopes      []string
	Input           map[string]any
}

// Resolver maps a verb to the agent that provides it.
type Resolver interface {
	Resolve(verb string) (registry.AgentRef, error)
}

// Planner builds plans against the registry and the current policy.
type Planner struct {
	resolver   Resolver
	policy     *policy.Engine
	stepBudget int
	wallClock  time.Duration
	retries    int
	retry      resilience.RetryConfig
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithStepBudget sets the default step budget.
func WithStepBudget(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.stepBudget = n
		}
	}
}

// WithWallClockBudget sets the default plan deadline.
func WithWallClockBudget(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.wallClock = d
		}
	}
}

// WithRetries sets retries_remaining for new tasks.
func WithRetries(n int) Option {
	return func(p *Planner) {
		if n >= 0 {
			p.retries = n
		}
	}
}

// WithRetryConfig sets the backoff used between attempts.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(p *Planner) { p.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) { p.logger = logger }
}

// New creates a planner.
func New(resolver Resolver, engine *policy.Engine, opts ...Option) *Planner {
	p := &Planner{
		resolver:   resolver,
		policy:     engine,
		stepBudget: DefaultStepBudget,
		wallClock:  DefaultWallClockBudget,
		retries:    DefaultRetries,
		retry:      resilience.DefaultRetryConfig(),
		tracer:     otel.Tracer("steward/planner"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = telemetry.Component(p.logger, "planner")
	return p
}

// Build resolves every verb, infers dependencies and returns a validated
// plan. It fails with CAPABILITY_NOT_FOUND or CYCLE_DETECTED before any
// agent is contacted.
func (p *Planner) Build(ctx context.Context, intent Intent, c Constraints) (plan *Plan, err error) {
	ctx, span := p.tracer.Start(ctx, "planner.build",
		trace.WithAttributes(attribute.StringSlice("steward.intent.verbs", intent.Verbs)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String(telemetry.AttrErrorCode, string(errors.CodeOf(err))))
		}
		span.End()
	}()

	verbs := dedupe(intent.Verbs)
	if len(verbs) == 0 {
		return nil, errors.New(errors.CodeValidation, "intent has no verbs", nil)
	}

	refs := make(map[string]registry.AgentRef, len(verbs))
	for _, verb := range verbs {
		if !registry.ValidVerb(verb) {
			return nil, errors.New(errors.CodeValidation, fmt.Sprintf("invalid verb %q", verb), nil).WithContext("verb", verb)
		}
		ref, err := p.resolver.Resolve(verb)
		if err != nil {
			return nil, err
		}
		refs[verb] = ref
	}

	deps, err := inferDependencies(verbs, refs, intent.After)
	if err != nil {
		return nil, err
	}
	if cycle := findCycle(verbs, deps); cycle != nil {
		p.logger.WarnContext(ctx, "planner.cycle", slog.String("cycle", strings.Join(cycle, " -> ")))
		return nil, cycleError(cycle)
	}

	snap := p.policy.Snapshot()
	plan = &Plan{
		ID:              uuid.NewString(),
		SessionID:       c.SessionID,
		StepBudget:      p.stepBudget,
		WallClockBudget: p.wallClock,
		DataScopes:      slices.Clone(c.DataScopes),
		PolicyVersion:   snap.Version(),
		CreatedAt:       p.now(),
		Policy:          snap,
		Retry:           p.retry.WithMaxAttempts(p.retries + 1),
	}
	if c.StepBudget > 0 {
		plan.StepBudget = c.StepBudget
	}
	if c.WallClockBudget > 0 {
		plan.WallClockBudget = c.WallClockBudget
	}

	ids := make(map[string]string, len(verbs))
	for i, verb := range verbs {
		ids[verb] = fmt.Sprintf("t%d", i+1)
	}
	pctx := policy.Context{SessionID: c.SessionID, PlanID: plan.ID}
	for _, verb := range topoOrder(verbs, deps) {
		ref := refs[verb]
		task := &Task{
			ID:               ids[verb],
			Verb:             verb,
			AgentID:          ref.AgentID,
			Input:            mergeInput(c.Input, intent.Inputs[verb]),
			RetriesRemaining: p.retries,
			Ref:              ref,
		}
		for _, dep := range deps[verb] {
			task.DependsOn = append(task.DependsOn, ids[dep])
		}
		decision := snap.Evaluate(policy.ActionFor(ref), pctx)
		if ref.Capability.IsWrite() || decision.Effect == policy.EffectRequireApproval {
			task.RequiresApproval = true
			task.ProposalID = uuid.NewString()
			task.Summary = summarize(ref, task.Input)
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	span.SetAttributes(telemetry.PlanAttributes(plan.ID, plan.SessionID, len(plan.Tasks), plan.StepBudget, plan.PolicyVersion)...)
	p.logger.InfoContext(ctx, "planner.build",
		slog.String("plan_id", plan.ID),
		slog.String("session_id", plan.SessionID),
		slog.Int("tasks", len(plan.Tasks)),
		slog.Int("step_budget", plan.StepBudget),
		slog.Uint64("policy_version", plan.PolicyVersion),
	)
	return plan, nil
}

// inferDependencies derives edges from consumes/produces overlap and the
// explicit ordering in after.
func inferDependencies(verbs []string, refs map[string]registry.AgentRef, after map[string][]string) (map[string][]string, error) {
	deps := make(map[string][]string, len(verbs))
	add := func(verb, dep string) {
		if !slices.Contains(deps[verb], dep) {
			deps[verb] = append(deps[verb], dep)
		}
	}
	for _, consumer := range verbs {
		needs := refs[consumer].Capability.Consumes
		if len(needs) == 0 {
			continue
		}
		for _, producer := range verbs {
			if producer == consumer {
				continue
			}
			if overlaps(needs, refs[producer].Capability.Produces) {
				add(consumer, producer)
			}
		}
	}
	for verb, before := range after {
		if _, ok := refs[verb]; !ok {
			return nil, errors.New(errors.CodeValidation, fmt.Sprintf("ordering refers to verb %q outside the intent", verb), nil)
		}
		for _, dep := range before {
			if _, ok := refs[dep]; !ok {
				return nil, errors.New(errors.CodeValidation, fmt.Sprintf("ordering refers to verb %q outside the intent", dep), nil)
			}
			if dep == verb {
				return nil, cycleError([]string{verb, verb})
			}
			add(verb, dep)
		}
	}
	for _, verb := range verbs {
		slices.SortStableFunc(deps[verb], func(a, b string) int {
			return slices.Index(verbs, a) - slices.Index(verbs, b)
		})
	}
	return deps, nil
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func dedupe(verbs []string) []string {
	out := make([]string, 0, len(verbs))
	for _, v := range verbs {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func mergeInput(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}

func summarize(ref registry.AgentRef, input map[string]any) string {
	keys := slices.Sorted(maps.Keys(input))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, input[k]))
	}
	summary := fmt.Sprintf("%s via %s", ref.Capability.Verb, ref.AgentID)
	if len(parts) > 0 {
		summary += " (" + strings.Join(parts, ", ") + ")"
	}
	return summary
}
