// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator is the root of a request: it classifies the query,
// builds and runs the plan, reviews the outcome and keeps session state.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/events"
	"github.com/jllopis/steward/pkg/executor"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/reviewer"
	"github.com/jllopis/steward/pkg/session"
	"github.com/jllopis/steward/pkg/telemetry"
)

// Request is one user request.
type Request struct {
	Query   string         `json:"query"`
	Context RequestContext `json:"context"`
}

// RequestContext carries the session and the limits of a request.
type RequestContext struct {
	SessionID  string         `json:"session_id,omitempty"`
	DataScopes []string       `json:"data_scopes,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	// StepBudget overrides the configured budget for this request.
	StepBudget int `json:"step_budget,omitempty" validate:"omitempty,min=1"`
	// WallClockMs overrides the plan deadline for this request.
	WallClockMs int `json:"wall_clock_ms,omitempty" validate:"omitempty,min=1"`
	// Verbs bypasses classification when set.
	Verbs []string `json:"verbs,omitempty"`
	// Channel names the approval channel for gated tasks.
	Channel string `json:"channel,omitempty"`
}

// Response is always returned, whatever the outcome.
type Response struct {
	RequestID     string                    `json:"request_id"`
	SessionID     string                    `json:"session_id"`
	PlanID        string                    `json:"plan_id,omitempty"`
	Status        executor.Status           `json:"status"`
	Result        map[string]map[string]any `json:"result,omitempty"`
	Tasks         []*executor.TaskResult    `json:"tasks,omitempty"`
	ExecutionPath []string                  `json:"execution_path"`
	DurationMs    int64                     `json:"duration_ms"`
	Error         *errors.Error             `json:"error,omitempty"`
}

// Builder builds plans. *planner.Planner implements it.
type Builder interface {
	Build(ctx context.Context, intent planner.Intent, c planner.Constraints) (*planner.Plan, error)
}

// Runner runs plans. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, plan *planner.Plan, opts executor.RunOptions) (*executor.Result, error)
}

// Config holds request defaults.
type Config struct {
	// StepBudget is the per-request budget when the request sets none.
	StepBudget int `koanf:"step_budget" validate:"omitempty,min=1"`
	// HistoryTurns bounds the stored history; zero keeps everything.
	HistoryTurns int `koanf:"history_turns" validate:"omitempty,min=0"`
}

// Coordinator processes requests. It is safe for concurrent use; requests
// for the same session are queued.
type Coordinator struct {
	cfg        Config
	builder    Builder
	runner     Runner
	classifier planner.Classifier
	reviewer   *reviewer.Reviewer
	sessions   session.Store
	locker     *session.Locker
	emitter    events.Emitter
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClassifier sets the intent classifier.
func WithClassifier(c planner.Classifier) Option {
	return func(co *Coordinator) { co.classifier = c }
}

// WithSessionStore sets the session store.
func WithSessionStore(s session.Store) Option {
	return func(co *Coordinator) { co.sessions = s }
}

// WithLocker shares a session locker.
func WithLocker(l *session.Locker) Option {
	return func(co *Coordinator) { co.locker = l }
}

// WithReviewer sets the reviewer.
func WithReviewer(r *reviewer.Reviewer) Option {
	return func(co *Coordinator) { co.reviewer = r }
}

// WithEmitter sets the event sink.
func WithEmitter(em events.Emitter) Option {
	return func(co *Coordinator) { co.emitter = em }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = logger }
}

// New creates a coordinator. Sessions default to an in-memory store.
func New(cfg Config, builder Builder, runner Runner, opts ...Option) *Coordinator {
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = planner.DefaultStepBudget
	}
	co := &Coordinator{
		cfg:     cfg,
		builder: builder,
		runner:  runner,
		emitter: events.Noop{},
		tracer:  otel.Tracer("steward/coordinator"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(co)
	}
	co.logger = telemetry.Component(co.logger, "coordinator")
	if co.sessions == nil {
		co.sessions = session.NewMemoryStore()
	}
	if co.locker == nil {
		co.locker = session.NewLocker()
	}
	if co.reviewer == nil {
		co.reviewer = reviewer.New(co.logger)
	}
	return co
}

// Process handles one request end to end. It holds the session lock for the
// whole request so concurrent requests on a session never interleave.
func (co *Coordinator) Process(ctx context.Context, req Request) *Response {
	start := co.now()
	resp := &Response{
		RequestID:     uuid.NewString(),
		SessionID:     req.Context.SessionID,
		ExecutionPath: []string{},
	}
	if resp.SessionID == "" {
		resp.SessionID = uuid.NewString()
	}
	ctx, span := co.tracer.Start(ctx, "coordinator.process",
		trace.WithAttributes(
			attribute.String(telemetry.AttrRequestID, resp.RequestID),
			attribute.String(telemetry.AttrSessionID, resp.SessionID),
		),
	)
	defer span.End()

	co.logger.InfoContext(ctx, "coordinator.request.start",
		slog.String("request_id", resp.RequestID),
		slog.String("session_id", resp.SessionID),
	)

	co.process(ctx, req, resp)

	resp.DurationMs = co.now().Sub(start).Milliseconds()
	span.SetAttributes(attribute.String(telemetry.AttrPlanStatus, string(resp.Status)))
	if resp.PlanID != "" {
		span.SetAttributes(attribute.String(telemetry.AttrPlanID, resp.PlanID))
	}
	ev := events.New(events.RequestCompleted)
	ev.RequestID = resp.RequestID
	ev.SessionID = resp.SessionID
	ev.PlanID = resp.PlanID
	ev.Status = string(resp.Status)
	ev.DurationMs = resp.DurationMs
	attrs := []any{
		slog.String("request_id", resp.RequestID),
		slog.String("session_id", resp.SessionID),
		slog.String("plan_id", resp.PlanID),
		slog.String("status", string(resp.Status)),
		slog.Any("execution_path", resp.ExecutionPath),
		slog.Int64("duration_ms", resp.DurationMs),
	}
	if resp.Error != nil {
		ev.ErrorCode = string(resp.Error.Code)
		ev.Error = resp.Error.Error()
		span.SetStatus(codes.Error, resp.Error.Error())
		span.SetAttributes(attribute.String(telemetry.AttrErrorCode, string(resp.Error.Code)))
		co.metrics.RecordError(ctx, resp.Error, "coordinator")
		attrs = append(attrs, slog.String("error_code", string(resp.Error.Code)))
	}
	co.emitter.Emit(context.WithoutCancel(ctx), ev)
	co.metrics.RecordPlan(ctx, string(resp.Status), time.Duration(resp.DurationMs)*time.Millisecond)
	co.logger.InfoContext(ctx, "coordinator.request.done", attrs...)
	return resp
}

func (co *Coordinator) process(ctx context.Context, req Request, resp *Response) {
	if strings.TrimSpace(req.Query) == "" && len(req.Context.Verbs) == 0 {
		co.fail(resp, errors.New(errors.CodeValidation, "query or verbs are required", nil))
		return
	}

	release, err := co.locker.Lock(ctx, resp.SessionID)
	if err != nil {
		co.fail(resp, err)
		return
	}
	defer release()

	state, err := co.sessions.Load(ctx, resp.SessionID)
	if err != nil {
		co.fail(resp, errors.New(errors.CodeInternal, "load session", err).WithContext("session_id", resp.SessionID))
		return
	}
	budget := req.Context.StepBudget
	if budget <= 0 {
		budget = co.cfg.StepBudget
	}
	state.StepBudgetRemaining = budget
	state.Append(session.Turn{RequestID: resp.RequestID, Role: session.RoleUser, Content: query(req), At: co.now()})

	defer func() {
		co.remember(ctx, state, resp, budget)
	}()

	intent, err := co.classify(ctx, req, state)
	if err != nil {
		co.fail(resp, err)
		return
	}

	plan, err := co.builder.Build(ctx, intent, planner.Constraints{
		SessionID:       resp.SessionID,
		StepBudget:      budget,
		WallClockBudget: time.Duration(req.Context.WallClockMs) * time.Millisecond,
		DataScopes:      req.Context.DataScopes,
		Input:           req.Context.Input,
	})
	if err != nil {
		co.fail(resp, err)
		return
	}
	resp.PlanID = plan.ID

	res, err := co.runner.Run(ctx, plan, executor.RunOptions{
		RequestID: resp.RequestID,
		SessionID: resp.SessionID,
		Channel:   req.Context.Channel,
	})
	if err != nil {
		co.fail(resp, err)
		return
	}

	verdict := co.reviewer.Review(ctx, plan, res)
	res = verdict.Result
	resp.Status = res.Status
	resp.Tasks = res.Tasks
	resp.ExecutionPath = append(resp.ExecutionPath, res.ExecutionPath...)
	if verdict.Approved {
		resp.Result = res.Outputs()
	}
	if res.Err != nil {
		resp.Error = errors.Wrap(res.Err)
	}
}

// classify returns the explicit verbs of the request or asks the classifier.
func (co *Coordinator) classify(ctx context.Context, req Request, state *session.State) (planner.Intent, error) {
	if len(req.Context.Verbs) > 0 {
		return planner.Intent{Verbs: req.Context.Verbs}, nil
	}
	if co.classifier == nil {
		return planner.Intent{}, errors.New(errors.CodeValidation, "no classifier configured; pass verbs explicitly", nil)
	}
	intent, err := co.classifier.Classify(ctx, req.Query, state.Clone())
	if err != nil {
		if _, typed := errors.As(err); !typed {
			err = errors.New(errors.CodeInternal, "classify request", err)
		}
		return planner.Intent{}, err
	}
	if len(intent.Verbs) == 0 {
		return planner.Intent{}, errors.New(errors.CodeCapabilityNotFound, "classifier returned no verbs", nil)
	}
	return intent, nil
}

// remember records the outcome in the session and saves it. The store is
// written even when the caller has gone away.
func (co *Coordinator) remember(ctx context.Context, state *session.State, resp *Response, budget int) {
	state.StepBudgetRemaining = max(budget-len(resp.ExecutionPath), 0)
	for verb, out := range resp.Result {
		payload := maps.Clone(out)
		delete(payload, executor.OutputEgress)
		delete(payload, executor.OutputDataScopes)
		state.Scratchpad[verb] = payload
	}
	state.Append(session.Turn{
		RequestID: resp.RequestID,
		Role:      session.RoleAssistant,
		Content:   summary(resp),
		Status:    string(resp.Status),
		At:        co.now(),
	})
	state.History = session.Window{MaxTurns: co.cfg.HistoryTurns, KeepSystem: true}.Apply(state.History)
	if err := co.sessions.Save(context.WithoutCancel(ctx), state); err != nil {
		co.logger.ErrorContext(ctx, "coordinator.session.save",
			slog.String("session_id", state.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

// fail sets an error outcome that happened before or instead of execution.
func (co *Coordinator) fail(resp *Response, err error) {
	resp.Error = errors.Wrap(err)
	if errors.IsDenial(resp.Error.Code) {
		resp.Status = executor.StatusDenied
		return
	}
	resp.Status = executor.StatusError
}

func query(req Request) string {
	if q := strings.TrimSpace(req.Query); q != "" {
		return q
	}
	return strings.Join(req.Context.Verbs, ", ")
}

func summary(resp *Response) string {
	if len(resp.ExecutionPath) == 0 {
		if resp.Error != nil {
			return fmt.Sprintf("%s: %s", resp.Status, resp.Error.Message)
		}
		return string(resp.Status)
	}
	return fmt.Sprintf("%s: %s", resp.Status, strings.Join(resp.ExecutionPath, " -> "))
}
