// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"time"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/planner"
)

// Reserved output keys through which agents report side effects.
const (
	// OutputEgress lists the hosts the agent contacted while serving a call.
	OutputEgress     = "_egress"
	// OutputDataScopes names the data scope (or scopes) a payload belongs to.
	OutputDataScopes = "_data_scopes"
)

// Status is the overall outcome of a plan run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
)

// TaskResult is the final state of one task.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Verb       string         `json:"verb"`
	AgentID    string         `json:"agent_id"`
	Status     planner.Status `json:"status"`
	Attempts   int            `json:"attempts"`
	Output     map[string]any `json:"output,omitempty"`
	Egress     []string       `json:"egress,omitempty"`
	DataScopes []string       `json:"data_scopes,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	DurationMs int64          `json:"duration_ms"`

	Err error `json:"-"`
}

func (t *TaskResult) fail(err error) {
	t.Status = planner.StatusFailed
	t.Err = err
	t.ErrorCode = string(errors.CodeOf(err))
}

func (t *TaskResult) skip(err error) {
	t.Status = planner.StatusSkipped
	t.Err = err
	t.ErrorCode = string(errors.CodeOf(err))
}

// Result is the outcome of running a plan.
type Result struct {
	PlanID string        `json:"plan_id"`
	Status Status        `json:"status"`
	Tasks  []*TaskResult `json:"tasks"`
	// ExecutionPath lists the verbs in the order they started.
	ExecutionPath []string      `json:"execution_path"`
	Duration      time.Duration `json:"duration"`
	// WallClockExceeded is set when the plan deadline cut the run short.
	WallClockExceeded bool `json:"wall_clock_exceeded,omitempty"`

	Err error `json:"-"`
}

// Task returns the result for task id.
func (r *Result) Task(id string) (*TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return nil, false
}

// Outputs returns the payloads of succeeded tasks keyed by verb.
func (r *Result) Outputs() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, t := range r.Tasks {
		if t.Status == planner.StatusSucceeded {
			out[t.Verb] = t.Output
		}
	}
	return out
}

// Succeeded counts the tasks that succeeded.
func (r *Result) Succeeded() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Status == planner.StatusSucceeded {
			n++
		}
	}
	return n
}

// settle computes Status and Err from the task results. A denial anywhere
// marks the run denied; an exceeded deadline makes it partial.
func (r *Result) settle() {
	var denial, firstErr error
	for _, t := range r.Tasks {
		if t.Err == nil {
			continue
		}
		if denial == nil && errors.IsDenial(errors.CodeOf(t.Err)) {
			denial = t.Err
		}
		if firstErr == nil && t.Status == planner.StatusFailed {
			firstErr = t.Err
		}
	}
	succeeded := r.Succeeded()
	switch {
	case denial != nil:
		r.Status = StatusDenied
		r.Err = denial
	case r.WallClockExceeded:
		r.Status = StatusPartial
		r.Err = errors.New(errors.CodePartialFailure, "plan wall-clock budget exceeded", nil).
			WithContext("succeeded", succeeded).
			WithContext("tasks", len(r.Tasks))
	case succeeded == len(r.Tasks):
		r.Status = StatusSuccess
		r.Err = nil
	case succeeded > 0:
		r.Status = StatusPartial
		r.Err = errors.New(errors.CodePartialFailure,
			fmt.Sprintf("%d of %d tasks did not succeed", len(r.Tasks)-succeeded, len(r.Tasks)), firstErr)
	default:
		r.Status = StatusError
		r.Err = firstErr
		if r.Err == nil {
			r.Err = errors.New(errors.CodeInternal, "no task succeeded", nil)
		}
	}
}

// recordedEgress extracts the hosts an agent reported contacting.
func recordedEgress(output map[string]any) []string {
	return stringList(output[OutputEgress])
}

// recordedScopes extracts the data scopes a payload declares.
func recordedScopes(output map[string]any) []string {
	return stringList(output[OutputDataScopes])
}

func stringList(v any) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
