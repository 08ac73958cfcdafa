// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jllopis/steward/pkg/agenttest"
	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/events"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/resilience"
)

var fastRetry = resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond).WithMaxDelay(5 * time.Millisecond)

type harness struct {
	reg     *registry.Registry
	engine  *policy.Engine
	agents  agenttest.Agents
	planner *planner.Planner
	events  *events.Collector
}

func newHarness(t *testing.T, regOpts []registry.Option, planOpts ...planner.Option) *harness {
	t.Helper()
	reg := registry.New(regOpts...)
	agents := agenttest.Register(t, reg)
	engine, err := policy.NewEngine(nil, []string{"smtp.example.com"})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	planOpts = append([]planner.Option{planner.WithRetryConfig(fastRetry)}, planOpts...)
	return &harness{
		reg:     reg,
		engine:  engine,
		agents:  agents,
		planner: planner.New(reg, engine, planOpts...),
		events:  events.NewCollector(),
	}
}

func (h *harness) plan(t *testing.T, c planner.Constraints, verbs ...string) *planner.Plan {
	t.Helper()
	p, err := h.planner.Build(context.Background(), planner.Intent{Verbs: verbs}, c)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return p
}

func (h *harness) executor(cfg Config, approver Approver) *Executor {
	return New(cfg, h.reg, approver, WithPolicyEngine(h.engine), WithEmitter(h.events))
}

// autoApprove resolves every request as soon as it is announced.
func autoApprove(approved bool) *approval.Gate {
	var gate *approval.Gate
	gate = approval.NewGate(nil, approval.WithChannel(approval.ChannelFunc(func(_ context.Context, req approval.Request) error {
		go gate.Resolve(context.Background(), req.ProposalID, approved, "decided by test")
		return nil
	})))
	return gate
}

func TestRunRespectsDependencies(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.plan(t, planner.Constraints{}, "calendar.write_event", "calendar.propose_event", "contacts.resolve")

	res, err := h.executor(Config{}, autoApprove(true)).Run(context.Background(), plan, RunOptions{RequestID: "r-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusSuccess || res.Err != nil {
		t.Fatalf("expected success, got %s %v", res.Status, res.Err)
	}
	want := []string{"contacts.resolve", "calendar.propose_event", "calendar.write_event"}
	if len(res.ExecutionPath) != 3 {
		t.Fatalf("unexpected path %v", res.ExecutionPath)
	}
	for i, v := range want {
		if res.ExecutionPath[i] != v {
			t.Fatalf("expected path %v, got %v", want, res.ExecutionPath)
		}
	}

	calls := h.agents.Calendar.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calendar calls, got %d", len(calls))
	}
	if calls[0].Input["contact_id"] != "c-42" {
		t.Fatalf("propose_event did not receive contact_id: %v", calls[0].Input)
	}
	write := calls[1]
	if write.Verb != "calendar.write_event" || write.Input["event_draft"] != "draft-1" {
		t.Fatalf("write_event did not receive the draft: %+v", write)
	}
	if write.ProposalID == "" {
		t.Fatal("write invocations must carry the proposal id")
	}

	types := h.events.Types()
	if types[0] != events.PlanStarted || types[len(types)-1] != events.PlanCompleted {
		t.Fatalf("unexpected event order %v", types)
	}
	if len(h.events.OfType(events.TaskSucceeded)) != 3 || !h.events.Has(events.TaskAwaitingApproval) {
		t.Fatalf("missing task events: %v", types)
	}
	for _, ev := range h.events.Events() {
		if ev.PlanID != plan.ID || ev.RequestID != "r-1" {
			t.Fatalf("event not correlated: %+v", ev)
		}
	}
}

func TestRunParallelBranches(t *testing.T) {
	reg := registry.New()
	agent := agenttest.NewAgent()
	manifest := registry.AgentManifest{AgentID: "bulk-agent", Capabilities: []registry.Capability{}}
	for _, verb := range []string{"bulk.a", "bulk.b", "bulk.c"} {
		manifest.Capabilities = append(manifest.Capabilities, registry.Capability{
			Verb:              verb,
			SafetyAnnotations: []registry.Annotation{registry.AnnotationReadOnly, registry.AnnotationLocalOnly},
			SLA:               registry.SLA{LatencyMs: 200},
		})
		agent.Default(verb, agenttest.Response{Output: map[string]any{"ok": true}, Delay: 100 * time.Millisecond})
	}
	if _, err := reg.RegisterLocal(context.Background(), manifest, agent); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine, _ := policy.NewEngine(nil, nil)
	p := planner.New(reg, engine)

	build := func() *planner.Plan {
		plan, err := p.Build(context.Background(), planner.Intent{Verbs: []string{"bulk.a", "bulk.b", "bulk.c"}}, planner.Constraints{})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return plan
	}

	start := time.Now()
	res, _ := New(Config{}, reg, nil).Run(context.Background(), build(), RunOptions{})
	elapsed := time.Since(start)
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s %v", res.Status, res.Err)
	}
	if elapsed >= 250*time.Millisecond {
		t.Fatalf("independent branches must run in parallel, took %s", elapsed)
	}
	if agent.MaxInFlight() != 3 {
		t.Fatalf("expected 3 concurrent calls, got %d", agent.MaxInFlight())
	}

	agent.Reset()
	start = time.Now()
	res, _ = New(Config{MaxParallel: 1}, reg, nil).Run(context.Background(), build(), RunOptions{})
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", res.Status)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Fatalf("max_parallel=1 must serialize invocations")
	}
}

func TestRunApprovalExpiryDenies(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.plan(t, planner.Constraints{}, "contacts.resolve", "calendar.propose_event", "calendar.write_event")
	gate := approval.NewGate(nil, approval.WithTimeout(50*time.Millisecond))

	res, _ := h.executor(Config{}, gate).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusDenied || !errors.IsCode(res.Err, errors.CodeApprovalExpired) {
		t.Fatalf("expected denied with APPROVAL_EXPIRED, got %s %v", res.Status, res.Err)
	}
	if n := h.agents.Calendar.CallCount("calendar.write_event"); n != 0 {
		t.Fatalf("write capability must never be invoked, got %d calls", n)
	}
	reqs, _ := gate.List(context.Background(), approval.Filter{PlanID: plan.ID})
	if len(reqs) != 1 || reqs[0].Status != approval.StatusExpired {
		t.Fatalf("expected one expired approval, got %+v", reqs)
	}
}

func TestRunApprovalWaitOutlivesPlanBudget(t *testing.T) {
	h := newHarness(t, nil, planner.WithWallClockBudget(60*time.Millisecond))
	plan := h.plan(t, planner.Constraints{}, "contacts.resolve", "calendar.propose_event", "calendar.write_event")
	gate := approval.NewGate(nil, approval.WithTimeout(120*time.Millisecond))

	start := time.Now()
	res, _ := h.executor(Config{}, gate).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusDenied || !errors.IsCode(res.Err, errors.CodeApprovalExpired) {
		t.Fatalf("expected denied with APPROVAL_EXPIRED, got %s %v", res.Status, res.Err)
	}
	if res.WallClockExceeded {
		t.Fatal("time spent waiting on a human must not count against the plan budget")
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("approval wait was cut by the plan budget")
	}
	if n := h.agents.Calendar.CallCount("calendar.write_event"); n != 0 {
		t.Fatalf("write capability must never be invoked, got %d calls", n)
	}
	reqs, _ := gate.List(context.Background(), approval.Filter{PlanID: plan.ID})
	if len(reqs) != 1 || reqs[0].Status != approval.StatusExpired {
		t.Fatalf("expected one expired approval, got %+v", reqs)
	}
}

func TestRunApprovalRejected(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.plan(t, planner.Constraints{}, "mail.send")
	res, _ := h.executor(Config{}, autoApprove(false)).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusDenied || !errors.IsCode(res.Err, errors.CodeApprovalRejected) {
		t.Fatalf("expected APPROVAL_REJECTED, got %s %v", res.Status, res.Err)
	}
	if h.agents.Mail.CallCount("mail.send") != 0 {
		t.Fatal("rejected write must not run")
	}
}

func TestRunWithoutApproverFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.plan(t, planner.Constraints{}, "mail.send")
	res, _ := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusDenied || h.agents.Mail.CallCount("") != 0 {
		t.Fatalf("expected denied without invocation, got %s", res.Status)
	}
}

func TestRunWriteTaskAlwaysGated(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Put(context.Background(), policy.Rule{
		Name:      "allow-mail-send",
		Condition: policy.Condition{Verb: "mail.send"},
		Action:    policy.EffectAllow,
		Priority:  10,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	plan := h.plan(t, planner.Constraints{}, "mail.send")
	plan.Tasks[0].RequiresApproval = false

	res, _ := h.executor(Config{}, autoApprove(false)).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusDenied || !errors.IsCode(res.Err, errors.CodeApprovalRejected) {
		t.Fatalf("a write task must pass the approval gate, got %s %v", res.Status, res.Err)
	}
	res, _ = h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusDenied {
		t.Fatalf("expected denied without an approval channel, got %s", res.Status)
	}
	if n := h.agents.Mail.CallCount("mail.send"); n != 0 {
		t.Fatalf("write capability must never be invoked, got %d calls", n)
	}
}

func TestRunPolicyDenied(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Put(context.Background(), policy.Rule{
		Name:      "no-mail",
		Condition: policy.Condition{Verb: "mail.*"},
		Action:    policy.EffectDeny,
		Priority:  10,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	plan := h.plan(t, planner.Constraints{}, "mail.search", "calendar.read")
	res, _ := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusDenied || !errors.IsCode(res.Err, errors.CodePolicyDenied) {
		t.Fatalf("expected POLICY_DENIED, got %s %v", res.Status, res.Err)
	}
	if h.agents.Mail.CallCount("") != 0 {
		t.Fatal("denied capability must not be invoked")
	}
	if h.agents.Calendar.CallCount("calendar.read") != 1 {
		t.Fatal("independent branch must still run")
	}
}

func TestRunEgressOutsideAllowlistDenied(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.SetAllowlist(context.Background(), nil); err != nil {
		t.Fatalf("allowlist: %v", err)
	}
	plan := h.plan(t, planner.Constraints{}, "mail.send")
	res, _ := h.executor(Config{}, autoApprove(true)).Run(context.Background(), plan, RunOptions{})
	if !errors.IsCode(res.Err, errors.CodePolicyDenied) || h.agents.Mail.CallCount("mail.send") != 0 {
		t.Fatalf("expected egress denial, got %s %v", res.Status, res.Err)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.Mail.Script("mail.search",
		agenttest.Response{Error: agenttest.TransientError{Attempt: 1}},
		agenttest.Response{Output: map[string]any{"messages": []any{"m1"}}},
	)
	plan := h.plan(t, planner.Constraints{}, "mail.search")
	res, _ := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusSuccess {
		t.Fatalf("expected success after retry, got %s %v", res.Status, res.Err)
	}
	if res.Tasks[0].Attempts != 2 || h.agents.Mail.CallCount("mail.search") != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Tasks[0].Attempts)
	}
	if !h.events.Has(events.TaskRetrying) {
		t.Fatal("expected a retry event")
	}
	if health, _ := h.reg.Health("mail-agent"); health.Failures != 1 || health.Successes != 1 {
		t.Fatalf("health not reported per attempt: %+v", health)
	}
}

func TestRunRetriesExhaustedSkipsDependents(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.Contacts.Fail("contacts.resolve", agenttest.TransientError{})
	plan := h.plan(t, planner.Constraints{}, "contacts.resolve", "calendar.propose_event", "calendar.read")

	res, _ := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusPartial || !errors.IsCode(res.Err, errors.CodePartialFailure) {
		t.Fatalf("expected partial, got %s %v", res.Status, res.Err)
	}
	if h.agents.Contacts.CallCount("contacts.resolve") != 3 {
		t.Fatalf("expected 3 attempts (2 retries), got %d", h.agents.Contacts.CallCount("contacts.resolve"))
	}
	for _, tr := range res.Tasks {
		switch tr.Verb {
		case "contacts.resolve":
			if tr.Status != planner.StatusFailed || tr.ErrorCode != string(errors.CodeAgentUnavailable) {
				t.Fatalf("unexpected contacts result %+v", tr)
			}
		case "calendar.propose_event":
			if tr.Status != planner.StatusSkipped {
				t.Fatalf("dependent must be skipped, got %s", tr.Status)
			}
		case "calendar.read":
			if tr.Status != planner.StatusSucceeded {
				t.Fatalf("independent branch must succeed, got %s", tr.Status)
			}
		}
	}
	if h.agents.Calendar.CallCount("calendar.propose_event") != 0 {
		t.Fatal("skipped task must not be invoked")
	}
}

func TestRunTerminalErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.Mail.Fail("mail.search", errors.New(errors.CodeValidation, "bad query", nil))
	plan := h.plan(t, planner.Constraints{}, "mail.search")
	res, _ := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	if res.Status != StatusError || res.Tasks[0].Attempts != 1 {
		t.Fatalf("expected a single failed attempt, got %s attempts=%d", res.Status, res.Tasks[0].Attempts)
	}
	if health, _ := h.reg.Health("mail-agent"); health.Failures != 0 {
		t.Fatalf("agent-side validation errors must not count against health: %+v", health)
	}
}

func TestRunInputValidation(t *testing.T) {
	h := newHarness(t, nil)
	// write_event without its upstream draft fails input_schema validation.
	plan := h.plan(t, planner.Constraints{}, "calendar.write_event")
	res, _ := h.executor(Config{}, autoApprove(true)).Run(context.Background(), plan, RunOptions{})
	if !errors.IsCode(res.Err, errors.CodeValidation) || res.Tasks[0].Attempts != 1 {
		t.Fatalf("expected VALIDATION_ERROR, got %v", res.Err)
	}
	if h.agents.Calendar.CallCount("") != 0 {
		t.Fatal("invalid input must not reach the agent")
	}
}

func TestRunCircuitBreakerFailsFast(t *testing.T) {
	h := newHarness(t, []registry.Option{registry.WithBreaker(5, time.Minute, time.Minute)}, planner.WithRetries(0))
	h.agents.Mail.Fail("mail.search", agenttest.TransientError{})
	ex := h.executor(Config{}, nil)

	for i := 0; i < 5; i++ {
		res, _ := ex.Run(context.Background(), h.plan(t, planner.Constraints{}, "mail.search"), RunOptions{})
		if res.Status != StatusError {
			t.Fatalf("run %d: expected error, got %s", i, res.Status)
		}
	}
	if n := h.agents.Mail.CallCount("mail.search"); n != 5 {
		t.Fatalf("expected 5 invocations, got %d", n)
	}

	res, _ := ex.Run(context.Background(), h.plan(t, planner.Constraints{}, "mail.search"), RunOptions{})
	if !errors.IsCode(res.Err, errors.CodeAgentUnavailable) {
		t.Fatalf("expected AGENT_UNAVAILABLE, got %v", res.Err)
	}
	if n := h.agents.Mail.CallCount("mail.search"); n != 5 {
		t.Fatalf("open circuit must fail fast without invoking, got %d calls", n)
	}
	if health, _ := h.reg.Health("mail-agent"); health.State != resilience.StateOpen {
		t.Fatalf("expected open breaker, got %s", health.State)
	}
}

func TestRunOpenCircuitIsNotRetried(t *testing.T) {
	h := newHarness(t, []registry.Option{registry.WithBreaker(5, time.Minute, time.Minute)},
		planner.WithRetryConfig(resilience.DefaultRetryConfig()))
	for i := 0; i < 5; i++ {
		h.reg.ReportHealth("mail-agent", false, 1)
	}
	plan := h.plan(t, planner.Constraints{}, "mail.search")
	if plan.Retry.MaxAttempts != 3 {
		t.Fatalf("expected the default of 3 attempts, got %d", plan.Retry.MaxAttempts)
	}

	start := time.Now()
	res, _ := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	elapsed := time.Since(start)

	if !errors.IsCode(res.Err, errors.CodeAgentUnavailable) {
		t.Fatalf("expected AGENT_UNAVAILABLE, got %v", res.Err)
	}
	if res.Tasks[0].Attempts != 1 {
		t.Fatalf("open circuit must not be retried, got %d attempts", res.Tasks[0].Attempts)
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("open circuit must fail fast, took %s", elapsed)
	}
	if n := h.agents.Mail.CallCount(""); n != 0 {
		t.Fatalf("expected no invocation, got %d", n)
	}
	for _, ev := range h.events.Events() {
		if ev.Type == events.TaskRetrying {
			t.Fatalf("unexpected retry event %+v", ev)
		}
	}
}

func TestRunStepBudget(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.plan(t, planner.Constraints{StepBudget: 2}, "mail.search", "calendar.read", "contacts.resolve")
	res, _ := h.executor(Config{MaxParallel: 1}, nil).Run(context.Background(), plan, RunOptions{})

	invoked := h.agents.Mail.CallCount("") + h.agents.Calendar.CallCount("") + h.agents.Contacts.CallCount("")
	if invoked != 2 || len(res.ExecutionPath) != 2 {
		t.Fatalf("expected exactly 2 executed tasks, got %d (path %v)", invoked, res.ExecutionPath)
	}
	budget := 0
	for _, tr := range res.Tasks {
		if tr.ErrorCode == string(errors.CodeBudgetExceeded) {
			budget++
		}
	}
	if budget != 1 || res.Status != StatusPartial {
		t.Fatalf("expected one BUDGET_EXCEEDED task and partial status, got %d %s", budget, res.Status)
	}
}

func TestRunWallClockBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.Mail.Default("mail.search", agenttest.Response{Output: map[string]any{"messages": []any{}}, Delay: time.Second})
	plan := h.plan(t, planner.Constraints{WallClockBudget: 50 * time.Millisecond}, "mail.search", "calendar.read")

	start := time.Now()
	res, _ := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("wall-clock budget not enforced")
	}
	if res.Status != StatusPartial || !res.WallClockExceeded || !errors.IsCode(res.Err, errors.CodePartialFailure) {
		t.Fatalf("expected partial with PARTIAL_FAILURE, got %s %v", res.Status, res.Err)
	}
	mail, _ := res.Task(plan.Tasks[0].ID)
	if mail.Verb == "mail.search" && mail.ErrorCode != string(errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT on the cut task, got %+v", mail)
	}
	if res.Outputs()["calendar.read"] == nil {
		t.Fatal("fast branch output must be kept")
	}
}

func TestRunCancellation(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.Mail.Default("mail.search", agenttest.Response{Delay: time.Second})
	plan := h.plan(t, planner.Constraints{}, "mail.search")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res, _ := h.executor(Config{}, nil).Run(ctx, plan, RunOptions{})
	if res.Status != StatusError || !errors.IsCode(res.Tasks[0].Err, errors.CodeCanceled) {
		t.Fatalf("expected canceled task, got %s %v", res.Status, res.Tasks[0].Err)
	}
	if res.Tasks[0].Attempts != 1 {
		t.Fatalf("canceled task must not be retried")
	}
}

func TestRunRecordsEgressAndScopes(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.Mail.Default("mail.search", agenttest.Response{Output: map[string]any{
		"messages":       []any{},
		OutputEgress:     []any{"imap.example.com"},
		OutputDataScopes: "mail",
	}})
	plan := h.plan(t, planner.Constraints{}, "mail.search")
	res, _ := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{})
	tr := res.Tasks[0]
	if len(tr.Egress) != 1 || tr.Egress[0] != "imap.example.com" || len(tr.DataScopes) != 1 || tr.DataScopes[0] != "mail" {
		t.Fatalf("reserved keys not recorded: %+v", tr)
	}
	data, err := json.Marshal(res)
	if err != nil || len(data) == 0 {
		t.Fatalf("result must marshal: %v", err)
	}
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.plan(t, planner.Constraints{}, "mail.search")
	plan.Tasks[0].DependsOn = []string{"missing"}
	if _, err := h.executor(Config{}, nil).Run(context.Background(), plan, RunOptions{}); !errors.IsCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}
