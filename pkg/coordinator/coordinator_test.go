// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/steward/pkg/agenttest"
	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/events"
	"github.com/jllopis/steward/pkg/executor"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/resilience"
	"github.com/jllopis/steward/pkg/session"
)

const routesYAML = `
routes:
  - name: morning
    keywords: [inbox, agenda]
    verbs: [mail.search, calendar.read]
  - name: loop
    keywords: [loop]
    verbs: [contacts.resolve, calendar.propose_event]
    after:
      contacts.resolve: [calendar.propose_event]
`

type fixture struct {
	co       *Coordinator
	agents   agenttest.Agents
	sessions *session.MemoryStore
	events   *events.Collector
	gate     *approval.Gate
}

func newFixture(t *testing.T, gate *approval.Gate, cfg Config) *fixture {
	t.Helper()
	reg := registry.New()
	agents := agenttest.Register(t, reg)
	engine, err := policy.NewEngine(nil, []string{"smtp.example.com"})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	table, err := planner.ParseRoutesYAML([]byte(routesYAML))
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	classifier, err := planner.NewTemplateClassifier(table.Routes)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	retry := resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond).WithMaxDelay(5 * time.Millisecond)
	collector := events.NewCollector()
	var approver executor.Approver
	if gate != nil {
		approver = gate
	}
	exec := executor.New(executor.Config{}, reg, approver,
		executor.WithPolicyEngine(engine),
		executor.WithEmitter(collector),
	)
	sessions := session.NewMemoryStore()
	co := New(cfg, planner.New(reg, engine, planner.WithRetryConfig(retry)), exec,
		WithClassifier(classifier),
		WithSessionStore(sessions),
		WithEmitter(collector),
	)
	return &fixture{co: co, agents: agents, sessions: sessions, events: collector, gate: gate}
}

func TestProcessClassifiedRequest(t *testing.T) {
	f := newFixture(t, nil, Config{StepBudget: 5})
	resp := f.co.Process(context.Background(), Request{
		Query:   "What is in my inbox and on the agenda?",
		Context: RequestContext{SessionID: "s-1"},
	})

	if resp.Status != executor.StatusSuccess || resp.Error != nil {
		t.Fatalf("expected success, got %s %v", resp.Status, resp.Error)
	}
	if resp.RequestID == "" || resp.PlanID == "" || resp.SessionID != "s-1" {
		t.Fatalf("identifiers missing: %+v", resp)
	}
	if len(resp.ExecutionPath) != 2 {
		t.Fatalf("expected two steps, got %v", resp.ExecutionPath)
	}
	if _, ok := resp.Result["mail.search"]; !ok {
		t.Fatalf("mail.search output missing: %v", resp.Result)
	}
	if _, ok := resp.Result["calendar.read"]; !ok {
		t.Fatalf("calendar.read output missing: %v", resp.Result)
	}

	state, err := f.sessions.Load(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.History) != 2 || state.History[0].Role != session.RoleUser || state.History[1].Role != session.RoleAssistant {
		t.Fatalf("unexpected history %+v", state.History)
	}
	if state.History[1].Status != string(executor.StatusSuccess) {
		t.Fatalf("assistant turn status = %q", state.History[1].Status)
	}
	if state.StepBudgetRemaining != 3 {
		t.Fatalf("expected 3 steps left, got %d", state.StepBudgetRemaining)
	}
	if _, ok := state.Scratchpad["mail.search"]; !ok {
		t.Fatalf("scratchpad not updated: %v", state.Scratchpad)
	}

	done := f.events.OfType(events.RequestCompleted)
	if len(done) != 1 || done[0].RequestID != resp.RequestID || done[0].Status != string(executor.StatusSuccess) {
		t.Fatalf("unexpected completion events %+v", done)
	}
}

func TestProcessStoresOutputsWithoutReservedKeys(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.agents.Mail.Default("mail.search", agenttest.Response{Output: map[string]any{
		"messages":                []any{"m-1"},
		executor.OutputDataScopes: "mail",
	}})
	resp := f.co.Process(context.Background(), Request{
		Query:   "inbox and agenda",
		Context: RequestContext{SessionID: "s-reserved"},
	})
	if resp.Status != executor.StatusSuccess {
		t.Fatalf("expected success, got %s %v", resp.Status, resp.Error)
	}
	state, err := f.sessions.Load(context.Background(), "s-reserved")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stored, ok := state.Scratchpad["mail.search"].(map[string]any)
	if !ok || stored["messages"] == nil {
		t.Fatalf("scratchpad not updated: %v", state.Scratchpad)
	}
	if _, found := stored[executor.OutputDataScopes]; found {
		t.Fatalf("reserved key kept in scratchpad: %v", stored)
	}
}

func TestProcessExplicitVerbs(t *testing.T) {
	f := newFixture(t, approval.NewGate(nil), Config{})
	resp := f.co.Process(context.Background(), Request{
		Context: RequestContext{Verbs: []string{"contacts.resolve"}, Input: map[string]any{"name": "Ana"}},
	})
	if resp.Status != executor.StatusSuccess {
		t.Fatalf("expected success, got %s %v", resp.Status, resp.Error)
	}
	if resp.SessionID == "" {
		t.Fatal("a session id must be assigned")
	}
	calls := f.agents.Contacts.Calls()
	if len(calls) != 1 || calls[0].Input["name"] != "Ana" {
		t.Fatalf("request input not forwarded: %+v", calls)
	}
}

func TestProcessApprovalExpiryDenies(t *testing.T) {
	gate := approval.NewGate(nil, approval.WithTimeout(50*time.Millisecond))
	f := newFixture(t, gate, Config{})

	resp := f.co.Process(context.Background(), Request{
		Query:   "book it",
		Context: RequestContext{SessionID: "s-2", Verbs: []string{"calendar.write_event"}},
	})
	if resp.Status != executor.StatusDenied {
		t.Fatalf("expected denied, got %s", resp.Status)
	}
	if resp.Error == nil || resp.Error.Code != errors.CodeApprovalExpired {
		t.Fatalf("expected APPROVAL_EXPIRED, got %v", resp.Error)
	}
	if n := f.agents.Calendar.CallCount("calendar.write_event"); n != 0 {
		t.Fatalf("calendar agent invoked %d times", n)
	}
	if len(resp.ExecutionPath) != 0 {
		t.Fatalf("nothing should have run, got %v", resp.ExecutionPath)
	}
	expired, err := gate.List(context.Background(), approval.Filter{Status: approval.StatusExpired})
	if err != nil || len(expired) != 1 {
		t.Fatalf("expected one expired approval, got %v %v", expired, err)
	}
}

func TestProcessBuildFailures(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		code errors.ErrorCode
	}{
		{name: "cycle", req: Request{Query: "loop them"}, code: errors.CodeCycleDetected},
		{name: "unknown verb", req: Request{Context: RequestContext{Verbs: []string{"whatsapp.send"}}}, code: errors.CodeCapabilityNotFound},
		{name: "no route", req: Request{Query: "order pizza"}, code: errors.CodeCapabilityNotFound},
		{name: "empty", req: Request{}, code: errors.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, Config{})
			resp := f.co.Process(context.Background(), tt.req)
			if resp.Status != executor.StatusError {
				t.Fatalf("expected error status, got %s", resp.Status)
			}
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, resp.Error)
			}
			if resp.ExecutionPath == nil || len(resp.ExecutionPath) != 0 {
				t.Fatalf("expected an empty execution path, got %v", resp.ExecutionPath)
			}
			if n := f.agents.Contacts.CallCount("") + f.agents.Calendar.CallCount("") + f.agents.Mail.CallCount(""); n != 0 {
				t.Fatalf("agents invoked %d times", n)
			}
		})
	}
}

func TestProcessWithoutClassifier(t *testing.T) {
	reg := registry.New()
	agenttest.Register(t, reg)
	engine, err := policy.NewEngine(nil, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	co := New(Config{}, planner.New(reg, engine), executor.New(executor.Config{}, reg, nil))

	resp := co.Process(context.Background(), Request{Query: "check mail"})
	if resp.Error == nil || resp.Error.Code != errors.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", resp.Error)
	}
}

func TestProcessReviewRejection(t *testing.T) {
	f := newFixture(t, nil, Config{})
	resp := f.co.Process(context.Background(), Request{
		Query:   "inbox agenda",
		Context: RequestContext{SessionID: "s-3", DataScopes: []string{"mail"}},
	})
	if resp.Status != executor.StatusError {
		t.Fatalf("expected error after review, got %s", resp.Status)
	}
	if resp.Error == nil || resp.Error.Code != errors.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", resp.Error)
	}
	if resp.Result != nil {
		t.Fatalf("rejected response leaked outputs: %v", resp.Result)
	}
	for _, task := range resp.Tasks {
		if task.Output != nil {
			t.Fatalf("task %s leaked output", task.Verb)
		}
	}
	if len(resp.ExecutionPath) != 2 {
		t.Fatalf("execution path must still be reported, got %v", resp.ExecutionPath)
	}
	state, _ := f.sessions.Load(context.Background(), "s-3")
	if len(state.Scratchpad) != 0 {
		t.Fatalf("rejected outputs stored in scratchpad: %v", state.Scratchpad)
	}
}

func TestProcessPartialFailure(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.agents.Calendar.Fail("calendar.read", errors.New(errors.CodeValidation, "bad calendar", nil))

	resp := f.co.Process(context.Background(), Request{Query: "inbox and agenda"})
	if resp.Status != executor.StatusPartial {
		t.Fatalf("expected partial, got %s %v", resp.Status, resp.Error)
	}
	if resp.Error == nil || resp.Error.Code != errors.CodePartialFailure {
		t.Fatalf("expected PARTIAL_FAILURE, got %v", resp.Error)
	}
	if _, ok := resp.Result["mail.search"]; !ok || len(resp.Result) != 1 {
		t.Fatalf("expected only the mail output, got %v", resp.Result)
	}
}

func TestProcessSerializesSession(t *testing.T) {
	f := newFixture(t, nil, Config{})
	var (
		mu      sync.Mutex
		active  int
		overlap bool
	)
	f.agents.Contacts.WithInvokeFunc(func(ctx context.Context, _ registry.Invocation) (map[string]any, error) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return map[string]any{"contact_id": "c-1"}, nil
	})

	req := Request{Query: "who", Context: RequestContext{SessionID: "shared", Verbs: []string{"contacts.resolve"}}}
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := f.co.Process(context.Background(), req); resp.Status != executor.StatusSuccess {
				t.Errorf("expected success, got %s %v", resp.Status, resp.Error)
			}
		}()
	}
	wg.Wait()

	if overlap {
		t.Fatal("requests for one session interleaved")
	}
	state, _ := f.sessions.Load(context.Background(), "shared")
	if len(state.History) != 6 {
		t.Fatalf("expected 6 turns, got %d", len(state.History))
	}
}

func TestProcessHistoryWindow(t *testing.T) {
	f := newFixture(t, nil, Config{HistoryTurns: 2})
	req := Request{Query: "inbox", Context: RequestContext{SessionID: "s-4"}}
	for range 3 {
		f.co.Process(context.Background(), req)
	}
	state, _ := f.sessions.Load(context.Background(), "s-4")
	if len(state.History) != 2 {
		t.Fatalf("expected history truncated to 2, got %d", len(state.History))
	}
}

func TestProcessCanceledWhileQueued(t *testing.T) {
	f := newFixture(t, nil, Config{})
	release, err := f.co.locker.Lock(context.Background(), "busy")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := f.co.Process(ctx, Request{Query: "inbox", Context: RequestContext{SessionID: "busy"}})
	if resp.Error == nil || resp.Error.Code != errors.CodeCanceled {
		t.Fatalf("expected CANCELED, got %v", resp.Error)
	}
}
