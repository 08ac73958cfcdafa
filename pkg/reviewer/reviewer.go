// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package reviewer checks plan results before they leave the coordinator:
// payload shape, data scopes and the egress agents reported.
package reviewer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/executor"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/telemetry"
)

// Finding is one problem found in a task payload.
type Finding struct {
	TaskID string          `json:"task_id"`
	Verb   string          `json:"verb"`
	Code   errors.ErrorCode `json:"code"`
	Detail string          `json:"detail"`
}

// Verdict is the outcome of a review. When Approved is false, Result has
// every output stripped and Err carries a sanitized error.
type Verdict struct {
	Approved bool             `json:"approved"`
	Result   *executor.Result `json:"result"`
	Reason   string           `json:"reason,omitempty"`
	Findings []Finding        `json:"findings,omitempty"`

	Err error `json:"-"`
}

// Reviewer validates results against the plan that produced them.
type Reviewer struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a reviewer.
func New(logger *slog.Logger) *Reviewer {
	return &Reviewer{
		logger: telemetry.Component(logger, "reviewer"),
		tracer: otel.Tracer("steward/reviewer"),
	}
}

// Review checks every succeeded task of res. The plan's data scopes bound
// the scopes payloads may carry; an empty list leaves them unrestricted.
func (rv *Reviewer) Review(ctx context.Context, plan *planner.Plan, res *executor.Result) Verdict {
	ctx, span := rv.tracer.Start(ctx, "reviewer.review",
		trace.WithAttributes(attribute.String(telemetry.AttrPlanID, plan.ID)),
	)
	defer span.End()

	var findings []Finding
	for _, tr := range res.Tasks {
		if tr.Status != planner.StatusSucceeded {
			continue
		}
		task, ok := plan.Task(tr.TaskID)
		if !ok {
			findings = append(findings, Finding{TaskID: tr.TaskID, Verb: tr.Verb, Code: errors.CodeValidation, Detail: "result for a task outside the plan"})
			continue
		}
		findings = append(findings, rv.reviewTask(plan, task, tr)...)
	}

	if len(findings) == 0 {
		return Verdict{Approved: true, Result: res}
	}

	code := errors.CodeValidation
	for _, f := range findings {
		if f.Code == errors.CodePolicyDenied {
			code = errors.CodePolicyDenied
			break
		}
	}
	reason := fmt.Sprintf("%d task result(s) failed review", len(findings))
	for _, f := range findings {
		rv.logger.WarnContext(ctx, "reviewer.finding",
			slog.String("plan_id", plan.ID),
			slog.String("task_id", f.TaskID),
			slog.String("verb", f.Verb),
			slog.String("code", string(f.Code)),
			slog.String("detail", f.Detail),
		)
	}
	err := errors.New(code, "response withheld by review", nil).WithContext("plan_id", plan.ID)
	span.SetStatus(codes.Error, reason)
	span.SetAttributes(attribute.String(telemetry.AttrErrorCode, string(code)))
	return Verdict{
		Approved: false,
		Result:   sanitize(res, err),
		Reason:   reason,
		Findings: findings,
		Err:      err,
	}
}

func (rv *Reviewer) reviewTask(plan *planner.Plan, task *planner.Task, tr *executor.TaskResult) []Finding {
	var out []Finding
	add := func(code errors.ErrorCode, detail string) {
		out = append(out, Finding{TaskID: tr.TaskID, Verb: tr.Verb, Code: code, Detail: detail})
	}

	payload := maps.Clone(tr.Output)
	delete(payload, executor.OutputEgress)
	delete(payload, executor.OutputDataScopes)
	if payload == nil {
		payload = map[string]any{}
	}
	if err := task.Ref.ValidateOutput(payload); err != nil {
		add(errors.CodeValidation, err.Error())
	}

	if len(plan.DataScopes) > 0 {
		scopes := tr.DataScopes
		if len(scopes) == 0 {
			scopes = task.Ref.DataScopes
		}
		for _, s := range scopes {
			if !slices.Contains(plan.DataScopes, s) {
				add(errors.CodeValidation, fmt.Sprintf("payload data scope %q is outside the request scopes", s))
			}
		}
	}

	if len(tr.Egress) > 0 && plan.Policy != nil {
		d := plan.Policy.CheckEgress(policy.ActionFor(task.Ref), tr.Egress)
		if d.Denied() {
			add(errors.CodePolicyDenied, d.Reason)
		}
	}
	return out
}

// sanitize copies res without any payload so nothing unreviewed leaves.
func sanitize(res *executor.Result, err error) *executor.Result {
	out := *res
	out.Tasks = make([]*executor.TaskResult, len(res.Tasks))
	for i, tr := range res.Tasks {
		cp := *tr
		cp.Output = nil
		cp.Egress = nil
		out.Tasks[i] = &cp
	}
	out.Status = executor.StatusError
	out.Err = err
	return &out
}
