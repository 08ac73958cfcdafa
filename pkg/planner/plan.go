// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"fmt"
	"time"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/resilience"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the task will not change state again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Task is one capability invocation inside a plan.
type Task struct {
	ID               string         `json:"id"`
	Verb             string         `json:"verb"`
	AgentID          string         `json:"agent_id"`
	Input            map[string]any `json:"input,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	RetriesRemaining int            `json:"retries_remaining"`
	RequiresApproval bool           `json:"requires_approval"`
	ProposalID       string         `json:"proposal_id,omitempty"`
	Summary          string         `json:"summary,omitempty"`

	// Ref is the resolved agent, captured at build time.
	Ref registry.AgentRef `json:"-"`
}

// Plan is a validated task DAG for one request. Tasks are stored in a
// topological order.
type Plan struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id,omitempty"`
	Tasks           []*Task       `json:"tasks"`
	StepBudget      int           `json:"step_budget"`
	WallClockBudget time.Duration `json:"wall_clock_budget"`
	DataScopes      []string      `json:"data_scopes,omitempty"`
	PolicyVersion   uint64        `json:"policy_version"`
	CreatedAt       time.Time     `json:"created_at"`

	// Policy is the rule snapshot every task of the plan is evaluated against.
	Policy *policy.Snapshot `json:"-"`
	// Retry is the backoff applied to transient task failures.
	Retry resilience.RetryConfig `json:"-"`
}

// Task returns the task with id.
func (p *Plan) Task(id string) (*Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Dependents returns the ids of tasks that depend on id, directly or not.
func (p *Plan) Dependents(id string) []string {
	succ := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			succ[dep] = append(succ[dep], t.ID)
		}
	}
	seen := map[string]bool{}
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, next := range succ[n] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				walk(next)
			}
		}
	}
	walk(id)
	return out
}

// Validate checks the plan invariants before execution: known
// dependencies, no cycles and a usable budget.
func (p *Plan) Validate() error {
	if p == nil {
		return errors.New(errors.CodeValidation, "plan is nil", nil)
	}
	if len(p.Tasks) == 0 {
		return errors.New(errors.CodeValidation, "plan has no tasks", nil).WithContext("plan_id", p.ID)
	}
	if p.StepBudget <= 0 {
		return errors.New(errors.CodeValidation, "plan step budget must be positive", nil).WithContext("plan_id", p.ID)
	}
	if p.Policy == nil {
		return errors.New(errors.CodeValidation, "plan has no policy snapshot", nil).WithContext("plan_id", p.ID)
	}
	ids := make([]string, 0, len(p.Tasks))
	deps := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		if _, dup := deps[t.ID]; dup {
			return errors.New(errors.CodeValidation, fmt.Sprintf("duplicate task id %q", t.ID), nil)
		}
		ids = append(ids, t.ID)
		deps[t.ID] = t.DependsOn
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := deps[dep]; !ok {
				return errors.New(errors.CodeValidation, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep), nil)
			}
		}
	}
	if cycle := findCycle(ids, deps); cycle != nil {
		return cycleError(cycle)
	}
	return nil
}
