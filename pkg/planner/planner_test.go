// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jllopis/steward/pkg/agenttest"
	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
)

func newPlanner(t *testing.T, opts ...Option) (*Planner, *registry.Registry, *policy.Engine) {
	t.Helper()
	reg := registry.New()
	agenttest.Register(t, reg)
	engine, err := policy.NewEngine(nil, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return New(reg, engine, opts...), reg, engine
}

func verbsOf(p *Plan) []string {
	out := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		out[i] = t.Verb
	}
	return out
}

func TestBuildIndependentTasks(t *testing.T) {
	p, _, _ := newPlanner(t)
	plan, err := p.Build(context.Background(), Intent{Verbs: []string{"mail.search", "calendar.read", "mail.search"}}, Constraints{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("expected one task per distinct verb, got %v", verbsOf(plan))
	}
	for _, task := range plan.Tasks {
		if len(task.DependsOn) != 0 {
			t.Fatalf("expected no dependencies, got %+v", task)
		}
		if task.RetriesRemaining != 2 {
			t.Fatalf("expected 2 retries, got %d", task.RetriesRemaining)
		}
		if task.RequiresApproval || task.ProposalID != "" {
			t.Fatalf("read-only task must not require approval: %+v", task)
		}
	}
	if plan.Retry.MaxAttempts != 3 || plan.Retry.InitialDelay != 200*time.Millisecond || plan.Retry.Multiplier != 2 {
		t.Fatalf("unexpected retry policy: %+v", plan.Retry)
	}
	if plan.StepBudget != DefaultStepBudget || plan.WallClockBudget != DefaultWallClockBudget {
		t.Fatalf("unexpected budgets: %d %s", plan.StepBudget, plan.WallClockBudget)
	}
	if plan.SessionID != "s-1" || plan.Policy == nil || plan.PolicyVersion != 1 {
		t.Fatalf("plan context not captured: %+v", plan)
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBuildInfersDataDependencies(t *testing.T) {
	p, _, _ := newPlanner(t)
	intent := Intent{
		Verbs:  []string{"calendar.write_event", "calendar.propose_event", "contacts.resolve"},
		Inputs: map[string]map[string]any{"contacts.resolve": {"name": "Ana"}},
	}
	plan, err := p.Build(context.Background(), intent, Constraints{Input: map[string]any{"tz": "Europe/Madrid"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{"contacts.resolve", "calendar.propose_event", "calendar.write_event"}
	if got := verbsOf(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected topological order %v, got %v", want, got)
	}

	byVerb := map[string]*Task{}
	for _, task := range plan.Tasks {
		byVerb[task.Verb] = task
	}
	if deps := byVerb["calendar.propose_event"].DependsOn; len(deps) != 1 || deps[0] != byVerb["contacts.resolve"].ID {
		t.Fatalf("propose_event must depend on contacts.resolve, got %v", deps)
	}
	if deps := byVerb["calendar.write_event"].DependsOn; len(deps) != 1 || deps[0] != byVerb["calendar.propose_event"].ID {
		t.Fatalf("write_event must depend on propose_event, got %v", deps)
	}

	write := byVerb["calendar.write_event"]
	if !write.RequiresApproval || write.ProposalID == "" || write.Summary == "" {
		t.Fatalf("write task must be gated: %+v", write)
	}
	if byVerb["contacts.resolve"].Input["name"] != "Ana" || byVerb["contacts.resolve"].Input["tz"] != "Europe/Madrid" {
		t.Fatalf("input not merged: %+v", byVerb["contacts.resolve"].Input)
	}
	if dependents := plan.Dependents(byVerb["contacts.resolve"].ID); len(dependents) != 2 {
		t.Fatalf("expected two transitive dependents, got %v", dependents)
	}
}

func TestBuildCycleDetected(t *testing.T) {
	p, _, _ := newPlanner(t)
	// contacts.resolve -> calendar.propose_event -> contacts.resolve
	intent := Intent{
		Verbs: []string{"contacts.resolve", "calendar.propose_event", "contacts.resolve"},
		After: map[string][]string{"contacts.resolve": {"calendar.propose_event"}},
	}
	_, err := p.Build(context.Background(), intent, Constraints{})
	if !errors.IsCode(err, errors.CodeCycleDetected) {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}
	te, _ := errors.As(err)
	cycle, _ := te.Context["cycle"].([]string)
	want := []string{"contacts.resolve", "calendar.propose_event", "contacts.resolve"}
	if !reflect.DeepEqual(cycle, want) {
		t.Fatalf("expected cycle %v, got %v", want, cycle)
	}
}

func TestBuildCapabilityNotFound(t *testing.T) {
	p, _, _ := newPlanner(t)
	_, err := p.Build(context.Background(), Intent{Verbs: []string{"mail.search", "whatsapp.send"}}, Constraints{})
	if !errors.IsCode(err, errors.CodeCapabilityNotFound) {
		t.Fatalf("expected CAPABILITY_NOT_FOUND, got %v", err)
	}
	if _, err := p.Build(context.Background(), Intent{Verbs: []string{"NotAVerb"}}, Constraints{}); !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if _, err := p.Build(context.Background(), Intent{}, Constraints{}); !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for empty intent, got %v", err)
	}
	if _, err := p.Build(context.Background(), Intent{
		Verbs: []string{"mail.search"},
		After: map[string][]string{"mail.search": {"calendar.read"}},
	}, Constraints{}); !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for ordering outside intent, got %v", err)
	}
}

func TestBuildCapturesPolicySnapshot(t *testing.T) {
	p, _, engine := newPlanner(t)
	if _, err := engine.Put(context.Background(), policy.Rule{
		Name:      "approve-contacts",
		Condition: policy.Condition{Verb: "contacts.*"},
		Action:    policy.EffectRequireApproval,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	plan, err := p.Build(context.Background(), Intent{Verbs: []string{"contacts.resolve"}}, Constraints{StepBudget: 3, WallClockBudget: time.Second})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plan.PolicyVersion != 2 || !plan.Tasks[0].RequiresApproval {
		t.Fatalf("rule requiring approval must gate the task: %+v", plan.Tasks[0])
	}
	if plan.StepBudget != 3 || plan.WallClockBudget != time.Second {
		t.Fatalf("request constraints must override defaults")
	}

	if _, err := engine.Delete(context.Background(), "approve-contacts"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if plan.Policy.Version() != 2 {
		t.Fatalf("captured snapshot must not change")
	}
}

func TestPlanValidate(t *testing.T) {
	p, _, _ := newPlanner(t)
	plan, err := p.Build(context.Background(), Intent{Verbs: []string{"contacts.resolve", "calendar.propose_event"}}, Constraints{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	plan.Tasks[0].DependsOn = []string{plan.Tasks[1].ID}
	if err := plan.Validate(); !errors.IsCode(err, errors.CodeCycleDetected) {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}
	plan.Tasks[0].DependsOn = []string{"ghost"}
	if err := plan.Validate(); !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestBuildWithPlannerOptions(t *testing.T) {
	p, _, _ := newPlanner(t, WithRetries(0), WithStepBudget(4), WithWallClockBudget(5*time.Second))
	plan, err := p.Build(context.Background(), Intent{Verbs: []string{"mail.search"}}, Constraints{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plan.Tasks[0].RetriesRemaining != 0 || plan.Retry.MaxAttempts != 1 {
		t.Fatalf("retries option ignored: %+v", plan.Tasks[0])
	}
	if plan.StepBudget != 4 || plan.WallClockBudget != 5*time.Second {
		t.Fatalf("budget options ignored")
	}
}
