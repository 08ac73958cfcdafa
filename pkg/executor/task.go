// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/events"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/resilience"
	"github.com/jllopis/steward/pkg/telemetry"
)

// execute runs the gates and attempts for one task.
func (r *run) execute(ctx context.Context, t *planner.Task) (res *TaskResult) {
	e := r.e
	res = &TaskResult{TaskID: t.ID, Verb: t.Verb, AgentID: t.AgentID, Status: planner.StatusRunning}
	ctx, span := e.tracer.Start(ctx, "executor.task",
		trace.WithAttributes(telemetry.TaskAttributes(t.ID, t.Verb, t.AgentID)...),
		trace.WithAttributes(attribute.String(telemetry.AttrPlanID, r.plan.ID)),
	)
	defer func() {
		res.FinishedAt = e.now()
		if !res.StartedAt.IsZero() {
			res.DurationMs = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
		}
		span.SetAttributes(
			attribute.String(telemetry.AttrTaskStatus, string(res.Status)),
			attribute.Int(telemetry.AttrTaskAttempt, res.Attempts),
			attribute.Int64(telemetry.AttrTaskDuration, res.DurationMs),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			span.SetAttributes(attribute.String(telemetry.AttrErrorCode, res.ErrorCode))
		}
		span.End()
		r.finish(ctx, t, res)
	}()

	if err := r.authorize(ctx, t); err != nil {
		res.fail(r.cutShort(ctx, err))
		return res
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		res.fail(r.cutShort(ctx, errors.New(errors.CodeCanceled, "waiting for a worker slot", err)))
		return res
	}
	defer r.sem.Release(1)

	if !r.takeStep(t.Verb) {
		res.fail(errors.New(errors.CodeBudgetExceeded, "plan step budget exhausted", nil).
			WithContext("step_budget", r.plan.StepBudget).
			WithContext("task_id", t.ID))
		return res
	}

	res.StartedAt = e.now()
	e.emit(ctx, r.event(events.TaskStarted, t))
	e.logger.InfoContext(ctx, "executor.task.start",
		slog.String("plan_id", r.plan.ID),
		slog.String("task_id", t.ID),
		slog.String("verb", t.Verb),
		slog.String("agent_id", t.AgentID),
	)

	retry := r.plan.Retry
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = t.RetriesRemaining + 1
	}
	var output map[string]any
	err := retry.Do(ctx, func() error {
		res.Attempts++
		out, err := r.attempt(ctx, t, res.Attempts)
		if err == nil {
			output = out
			return nil
		}
		if errors.IsRecoverable(err) && res.Attempts < retry.MaxAttempts && ctx.Err() == nil {
			ev := r.event(events.TaskRetrying, t)
			ev.Attempt = res.Attempts
			ev.ErrorCode = string(errors.CodeOf(err))
			ev.Error = err.Error()
			e.emit(ctx, ev)
			e.logger.WarnContext(ctx, "executor.task.retry",
				slog.String("plan_id", r.plan.ID),
				slog.String("task_id", t.ID),
				slog.String("verb", t.Verb),
				slog.Int("attempt", res.Attempts),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		res.fail(r.cutShort(ctx, err))
		return res
	}
	if output == nil {
		output = map[string]any{}
	}
	res.Status = planner.StatusSucceeded
	res.Output = output
	res.Egress = recordedEgress(output)
	res.DataScopes = recordedScopes(output)
	return res
}

// authorize evaluates the task against the plan's policy snapshot and, when
// required, waits for a human decision. No worker slot is held while
// waiting.
func (r *run) authorize(ctx context.Context, t *planner.Task) error {
	e := r.e
	action := policy.ActionFor(t.Ref)
	pctx := policy.Context{SessionID: r.opts.SessionID, PlanID: r.plan.ID}
	var decision policy.Decision
	if e.policy != nil {
		decision = e.policy.EvaluateWith(ctx, r.plan.Policy, action, pctx)
	} else {
		decision = r.plan.Policy.Evaluate(action, pctx)
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.PolicyAttributes(string(decision.Effect), decision.Rule, decision.Version)...)

	if decision.Denied() {
		return errors.New(errors.CodePolicyDenied, decision.Reason, nil).
			WithContext("rule", decision.Rule).
			WithContext("verb", t.Verb).
			WithContext("policy_version", decision.Version)
	}
	if !t.RequiresApproval && !t.Ref.Capability.IsWrite() && decision.Effect != policy.EffectRequireApproval {
		return nil
	}

	ev := r.event(events.TaskAwaitingApproval, t)
	ev.Payload = map[string]any{"proposal_id": t.ProposalID, "rule": decision.Rule}
	e.emit(ctx, ev)
	e.logger.InfoContext(ctx, "executor.task.awaiting_approval",
		slog.String("plan_id", r.plan.ID),
		slog.String("task_id", t.ID),
		slog.String("proposal_id", t.ProposalID),
	)
	if e.approver == nil {
		return errors.New(errors.CodeApprovalExpired, "no approval channel configured", nil).
			WithContext("proposal_id", t.ProposalID)
	}
	r.clock.pause()
	defer r.clock.resume()
	_, err := e.approver.Await(ctx, approval.Request{
		ProposalID: t.ProposalID,
		PlanID:     r.plan.ID,
		TaskID:     t.ID,
		SessionID:  r.opts.SessionID,
		Verb:       t.Verb,
		AgentID:    t.AgentID,
		Summary:    t.Summary,
		Channel:    r.opts.Channel,
	})
	return err
}

// attempt performs one invocation: egress check, input validation, rate
// limit, breaker admission, the call itself and the health report.
func (r *run) attempt(ctx context.Context, t *planner.Task, n int) (map[string]any, error) {
	e := r.e
	ref := t.Ref

	action := policy.ActionFor(ref)
	if len(action.Egress) > 0 {
		if d := r.plan.Policy.CheckEgress(action, action.Egress); d.Denied() {
			return nil, errors.New(errors.CodePolicyDenied, d.Reason, nil).
				WithContext("rule", d.Rule).
				WithContext("verb", t.Verb)
		}
	}

	input := r.inputFor(t)
	if err := ref.ValidateInput(input); err != nil {
		return nil, err
	}
	if err := ref.Wait(ctx); err != nil {
		return nil, err
	}
	if ref.Invoker == nil {
		return nil, errors.New(errors.CodeAgentUnavailable, "agent has no invoker", nil).
			WithContext("agent_id", t.AgentID)
	}
	if e.breaker != nil {
		if err := e.breaker.Acquire(t.AgentID); err != nil {
			return nil, err
		}
	}

	inv := registry.Invocation{
		AgentID:    t.AgentID,
		Verb:       t.Verb,
		Input:      input,
		ProposalID: t.ProposalID,
		PlanID:     r.plan.ID,
		TaskID:     t.ID,
		Attempt:    n,
	}
	start := time.Now()
	out, err := resilience.CallWithTimeout(ctx, r.timeout(ref), func(ctx context.Context) (map[string]any, error) {
		return ref.Invoker.Invoke(ctx, inv)
	})
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		if _, typed := errors.As(err); !typed {
			err = errors.New(errors.CodeAgentUnavailable, "agent invocation failed", err).
				WithContext("agent_id", t.AgentID).
				WithContext("verb", t.Verb)
		}
	}
	if e.breaker != nil {
		e.breaker.ReportHealth(t.AgentID, healthy(err), latency)
	}
	return out, err
}

// healthy reports whether err reflects a working agent. Agent-side
// rejections such as validation errors still prove the agent answers.
func healthy(err error) bool {
	if err == nil {
		return true
	}
	if errors.IsCode(err, errors.CodeCanceled) {
		return false
	}
	return !errors.IsRecoverable(err)
}

func (r *run) timeout(ref registry.AgentRef) time.Duration {
	if ms := ref.Capability.SLA.LatencyMs; ms > 0 {
		return time.Duration(ms*r.e.cfg.TimeoutMultiplier) * time.Millisecond
	}
	return r.e.cfg.DefaultTimeout
}

// cutShort converts a cancellation caused by the plan deadline into a
// TIMEOUT so it is not mistaken for a caller cancellation.
func (r *run) cutShort(ctx context.Context, err error) error {
	if budgetExceeded(ctx) && r.parent.Err() == nil && errors.IsCode(err, errors.CodeCanceled) {
		return errors.New(errors.CodeTimeout, "plan wall-clock budget exceeded", err)
	}
	return err
}

// finish records the terminal state of a task.
func (r *run) finish(ctx context.Context, t *planner.Task, res *TaskResult) {
	e := r.e
	typ := events.TaskSucceeded
	if res.Status != planner.StatusSucceeded {
		typ = events.TaskFailed
		e.metrics.RecordError(ctx, res.Err, "executor")
	}
	e.emit(ctx, r.taskEvent(typ, res))
	e.metrics.RecordTask(ctx, t.Verb, string(res.Status), time.Duration(res.DurationMs)*time.Millisecond)

	attrs := []any{
		slog.String("plan_id", r.plan.ID),
		slog.String("task_id", t.ID),
		slog.String("verb", t.Verb),
		slog.String("status", string(res.Status)),
		slog.Int("attempts", res.Attempts),
		slog.Int64("duration_ms", res.DurationMs),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error_code", res.ErrorCode), slog.String("error", res.Err.Error()))
		e.logger.WarnContext(ctx, "executor.task.done", attrs...)
		return
	}
	e.logger.InfoContext(ctx, "executor.task.done", attrs...)
}
