// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs plan DAGs on a bounded worker pool, gating every
// task through policy, approvals, the step budget and the agent's circuit
// breaker.
package executor

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/events"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/telemetry"
)

// Defaults for Config fields left empty.
const (
	DefaultMaxParallel       = 8
	DefaultTimeoutMultiplier = 3
	DefaultTaskTimeout       = 30 * time.Second
)

// Breaker admits calls to an agent and receives their outcome. The
// registry implements it.
type Breaker interface {
	Acquire(agentID string) error
	ReportHealth(agentID string, ok bool, latencyMs int)
}

// Approver blocks until a human decides on a proposal.
type Approver interface {
	Await(ctx context.Context, req approval.Request) (approval.Request, error)
}

// Config tunes the executor.
type Config struct {
	// MaxParallel bounds the tasks invoking agents at the same time.
	MaxParallel int `koanf:"max_parallel" validate:"omitempty,min=1"`
	// TimeoutMultiplier scales the capability sla.latency_ms into the
	// per-attempt timeout.
	TimeoutMultiplier int `koanf:"timeout_multiplier" validate:"omitempty,min=1"`
	// DefaultTimeout applies to capabilities that declare no latency.
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

// Executor runs plans. It is safe for concurrent use; each Run has its own
// worker pool.
type Executor struct {
	cfg      Config
	breaker  Breaker
	approver Approver
	policy   *policy.Engine
	emitter  events.Emitter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicyEngine records decisions through engine. Without it the plan
// snapshot is evaluated directly.
func WithPolicyEngine(engine *policy.Engine) Option {
	return func(e *Executor) { e.policy = engine }
}

// WithEmitter sets the trace event sink.
func WithEmitter(em events.Emitter) Option {
	return func(e *Executor) { e.emitter = em }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an executor. With a nil approver every gated task fails
// closed with APPROVAL_EXPIRED.
func New(cfg Config, breaker Breaker, approver Approver, opts ...Option) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTaskTimeout
	}
	e := &Executor{
		cfg:      cfg,
		breaker:  breaker,
		approver: approver,
		emitter:  events.Noop{},
		tracer:   otel.Tracer("steward/executor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = telemetry.Component(e.logger, "executor")
	return e
}

// RunOptions carries request-level identifiers for events and approvals.
type RunOptions struct {
	RequestID string
	SessionID string
	Channel   string
}

// Run executes plan and always returns a result describing every task.
// The error is non-nil only when the plan is invalid.
func (e *Executor) Run(ctx context.Context, plan *planner.Plan, opts RunOptions) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if opts.SessionID == "" {
		opts.SessionID = plan.SessionID
	}
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "executor.run",
		trace.WithAttributes(telemetry.PlanAttributes(plan.ID, opts.SessionID, len(plan.Tasks), plan.StepBudget, plan.PolicyVersion)...),
	)
	defer span.End()

	runCtx, clock := startBudget(ctx, plan.WallClockBudget)
	defer clock.stop()

	r := newRun(ctx, e, plan, opts)
	r.clock = clock
	e.emit(ctx, r.event(events.PlanStarted, nil))
	e.logger.InfoContext(ctx, "executor.plan.start",
		slog.String("plan_id", plan.ID),
		slog.Int("tasks", len(plan.Tasks)),
		slog.Int("step_budget", plan.StepBudget),
		slog.Duration("wall_clock_budget", plan.WallClockBudget),
	)

	r.mu.Lock()
	for _, t := range plan.Tasks {
		if r.pending[t.ID] == 0 {
			r.launch(runCtx, t)
		}
	}
	r.mu.Unlock()
	r.wg.Wait()

	res := r.result()
	res.Duration = e.now().Sub(start)
	if budgetExceeded(runCtx) && ctx.Err() == nil {
		res.WallClockExceeded = true
	}
	res.settle()

	span.SetAttributes(attribute.String(telemetry.AttrPlanStatus, string(res.Status)))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
		span.SetAttributes(attribute.String(telemetry.AttrErrorCode, string(errors.CodeOf(res.Err))))
	}
	end := r.event(events.PlanCompleted, nil)
	end.Status = string(res.Status)
	end.DurationMs = res.Duration.Milliseconds()
	if res.Err != nil {
		end.ErrorCode = string(errors.CodeOf(res.Err))
		end.Error = res.Err.Error()
	}
	e.emit(ctx, end)
	e.logger.InfoContext(ctx, "executor.plan.done",
		slog.String("plan_id", plan.ID),
		slog.String("status", string(res.Status)),
		slog.Int("succeeded", res.Succeeded()),
		slog.Int64("duration_ms", res.Duration.Milliseconds()),
	)
	return res, nil
}

func (e *Executor) emit(ctx context.Context, ev events.Event) {
	e.emitter.Emit(ctx, ev)
}

// run is the state of one plan execution.
type run struct {
	e      *Executor
	plan   *planner.Plan
	opts   RunOptions
	parent context.Context
	clock  *budget
	sem    *semaphore.Weighted

	mu      sync.Mutex
	wg      sync.WaitGroup
	results map[string]*TaskResult
	pending map[string]int
	succ    map[string][]*planner.Task
	path    []string
	steps   int
}

func newRun(parent context.Context, e *Executor, plan *planner.Plan, opts RunOptions) *run {
	r := &run{
		e:       e,
		plan:    plan,
		opts:    opts,
		parent:  parent,
		sem:     semaphore.NewWeighted(int64(e.cfg.MaxParallel)),
		results: make(map[string]*TaskResult, len(plan.Tasks)),
		pending: make(map[string]int, len(plan.Tasks)),
		succ:    make(map[string][]*planner.Task, len(plan.Tasks)),
	}
	for _, t := range plan.Tasks {
		r.results[t.ID] = &TaskResult{
			TaskID:  t.ID,
			Verb:    t.Verb,
			AgentID: t.AgentID,
			Status:  planner.StatusPending,
		}
		r.pending[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			r.succ[dep] = append(r.succ[dep], t)
		}
	}
	return r
}

// launch starts t. Callers hold r.mu.
func (r *run) launch(ctx context.Context, t *planner.Task) {
	r.results[t.ID].Status = planner.StatusRunning
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := r.execute(ctx, t)
		r.complete(ctx, t, res)
	}()
}

// complete stores the outcome of t and releases or skips its dependents.
func (r *run) complete(ctx context.Context, t *planner.Task, res *TaskResult) {
	var skipped []*TaskResult
	r.mu.Lock()
	r.results[t.ID] = res
	if res.Status == planner.StatusSucceeded {
		for _, next := range r.succ[t.ID] {
			r.pending[next.ID]--
			if r.pending[next.ID] == 0 && r.results[next.ID].Status == planner.StatusPending {
				r.launch(ctx, next)
			}
		}
	} else {
		cause := errors.New(errors.CodePartialFailure, "dependency did not succeed", res.Err).
			WithContext("dependency", t.ID)
		for _, id := range r.plan.Dependents(t.ID) {
			dep := r.results[id]
			if dep.Status != planner.StatusPending {
				continue
			}
			dep.skip(cause)
			skipped = append(skipped, dep)
		}
	}
	r.mu.Unlock()

	for _, s := range skipped {
		ev := r.taskEvent(events.TaskSkipped, s)
		r.e.emit(ctx, ev)
		r.e.metrics.RecordTask(ctx, s.Verb, string(planner.StatusSkipped), 0)
		r.e.logger.InfoContext(ctx, "executor.task.skipped",
			slog.String("plan_id", r.plan.ID),
			slog.String("task_id", s.TaskID),
			slog.String("verb", s.Verb),
			slog.String("dependency", t.ID),
		)
	}
}

// result snapshots the task results in plan order. Tasks never started
// (the run was cut short) are reported skipped.
func (r *run) result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &Result{PlanID: r.plan.ID, ExecutionPath: append([]string(nil), r.path...)}
	for _, t := range r.plan.Tasks {
		tr := r.results[t.ID]
		if tr.Status == planner.StatusPending || tr.Status == planner.StatusRunning {
			tr.skip(errors.New(errors.CodeTimeout, "task not started before the plan ended", nil))
		}
		res.Tasks = append(res.Tasks, tr)
	}
	return res
}

// takeStep consumes one unit of the step budget.
func (r *run) takeStep(verb string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.steps >= r.plan.StepBudget {
		return false
	}
	r.steps++
	r.path = append(r.path, verb)
	return true
}

// inputFor merges the task input with the outputs of its dependencies for
// the keys the capability consumes.
func (r *run) inputFor(t *planner.Task) map[string]any {
	input := maps.Clone(t.Input)
	if input == nil {
		input = make(map[string]any)
	}
	consumes := t.Ref.Capability.Consumes
	if len(consumes) == 0 {
		return input
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range t.DependsOn {
		out := r.results[dep].Output
		for _, key := range consumes {
			if v, ok := out[key]; ok {
				input[key] = v
			}
		}
	}
	return input
}

func (r *run) event(t events.Type, task *planner.Task) events.Event {
	ev := events.New(t)
	ev.RequestID = r.opts.RequestID
	ev.SessionID = r.opts.SessionID
	ev.PlanID = r.plan.ID
	if task != nil {
		ev.TaskID = task.ID
		ev.Verb = task.Verb
		ev.AgentID = task.AgentID
	}
	return ev
}

func (r *run) taskEvent(t events.Type, res *TaskResult) events.Event {
	ev := events.New(t)
	ev.RequestID = r.opts.RequestID
	ev.SessionID = r.opts.SessionID
	ev.PlanID = r.plan.ID
	ev.TaskID = res.TaskID
	ev.Verb = res.Verb
	ev.AgentID = res.AgentID
	ev.Status = string(res.Status)
	ev.Attempt = res.Attempts
	ev.DurationMs = res.DurationMs
	if res.Err != nil {
		ev.ErrorCode = res.ErrorCode
		ev.Error = res.Err.Error()
	}
	return ev
}
