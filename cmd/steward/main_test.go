// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jllopis/steward/pkg/agenttest"
	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/coordinator"
	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/executor"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/server"
)

func TestParseGlobalFlags(t *testing.T) {
	flags, rest, err := parseGlobalFlags([]string{
		"-c", "steward.yaml", "--profile=dev", "--set", "approval.timeout=30s",
		"--http", "http://coord:8080", "--timeout=5s", "--json", "approvals", "list",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if flags.ConfigPath != "steward.yaml" || flags.Profile != "dev" {
		t.Fatalf("unexpected config flags %+v", flags)
	}
	wantArgs := []string{"--config", "steward.yaml", "--profile", "dev", "--set", "approval.timeout=30s"}
	if !reflect.DeepEqual(flags.ConfigArgs, wantArgs) {
		t.Fatalf("config args = %v", flags.ConfigArgs)
	}
	if flags.HTTPURL != "http://coord:8080" || flags.Timeout != 5*time.Second || !flags.JSON {
		t.Fatalf("unexpected flags %+v", flags)
	}
	if !reflect.DeepEqual(rest, []string{"approvals", "list"}) {
		t.Fatalf("rest = %v", rest)
	}
}

func TestParseGlobalFlagsErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--config"},
		{"--timeout", "soon"},
		{"--verbose"},
	} {
		if _, _, err := parseGlobalFlags(args); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func newTestAPI(t *testing.T) (globalFlags, *approval.Gate) {
	t.Helper()
	reg := registry.New()
	t.Cleanup(func() { _ = reg.Close() })
	agenttest.Register(t, reg)
	engine, err := policy.NewEngine(nil, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	gate := approval.NewGate(nil, approval.WithTimeout(time.Minute))
	proc := processorFunc(func(_ context.Context, req coordinator.Request) *coordinator.Response {
		if req.Query == "send mail" {
			return &coordinator.Response{
				RequestID: "req-2",
				Status:    executor.StatusDenied,
				Error:     errors.New(errors.CodePolicyDenied, "denied by rule", nil),
			}
		}
		return &coordinator.Response{RequestID: "req-1", SessionID: req.Context.SessionID, Status: executor.StatusSuccess}
	})
	ts := httptest.NewServer(server.New(server.Deps{
		Registry:    reg,
		Policy:      engine,
		Coordinator: proc,
		Approvals:   gate,
	}))
	t.Cleanup(ts.Close)
	return globalFlags{HTTPURL: ts.URL, Timeout: 5 * time.Second}, gate
}

type processorFunc func(ctx context.Context, req coordinator.Request) *coordinator.Response

func (f processorFunc) Process(ctx context.Context, req coordinator.Request) *coordinator.Response {
	return f(ctx, req)
}

func TestClient(t *testing.T) {
	flags, gate := newTestAPI(t)
	c := newClient(flags)
	ctx := context.Background()

	agents, err := c.ListAgents(ctx)
	if err != nil || len(agents) != 3 {
		t.Fatalf("agents: %v %v", agents, err)
	}
	caps, err := c.ListCapabilities(ctx)
	if err != nil || len(caps) == 0 || caps[0].AgentID == "" {
		t.Fatalf("capabilities: %v %v", caps, err)
	}

	resp, err := c.Process(ctx, coordinator.Request{Query: "hello", Context: coordinator.RequestContext{SessionID: "s-1"}})
	if err != nil || resp.SessionID != "s-1" {
		t.Fatalf("process: %+v %v", resp, err)
	}
	resp, err = c.Process(ctx, coordinator.Request{Query: "send mail"})
	if err != nil {
		t.Fatalf("a denied request still returns its response: %v", err)
	}
	if resp.Status != executor.StatusDenied || resp.Error == nil || resp.Error.Code != errors.CodePolicyDenied {
		t.Fatalf("unexpected denied response %+v", resp)
	}

	go func() {
		_, _ = gate.Await(context.Background(), approval.Request{ProposalID: "p-9", Verb: "mail.send", Summary: "send"})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		list, err := c.ListApprovals(ctx, approval.Filter{Status: approval.StatusPending})
		if err != nil {
			t.Fatalf("list approvals: %v", err)
		}
		if len(list) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("approval never became pending")
		}
		time.Sleep(10 * time.Millisecond)
	}
	req, err := c.Resolve(ctx, "p-9", false, "not now")
	if err != nil || req.Status != approval.StatusRejected {
		t.Fatalf("reject: %+v %v", req, err)
	}
	if _, err := c.Resolve(ctx, "p-9", true, ""); err == nil {
		t.Fatal("a second decision must fail")
	}
	_, err = c.Resolve(ctx, "missing", true, "")
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		t.Fatal(err)
	}
	write(filepath.Join("agents", "contacts.yaml"), `
agent_id: contacts-agent
version: "1.0.0"
endpoint: http://127.0.0.1:1/invoke
capabilities:
  - verb: contacts.resolve
    safety_annotations: [read-only, local-only]
`)
	write("routes.yaml", `
routes:
  - name: lookup
    keywords: [who]
    verbs: [contacts.resolve, mail.search]
`)
	cfgPath := write("steward.yaml", `
approval:
  store: memory
events:
  audit: false
registry:
  manifests: ["`+filepath.Join(dir, "agents", "*.yaml")+`"]
planner:
  routes_path: `+filepath.Join(dir, "routes.yaml")+`
`)

	result := validate(context.Background(), globalFlags{ConfigArgs: []string{"--config", cfgPath}, Timeout: time.Second})
	if result.Config.Status != "ok" {
		t.Fatalf("config: %+v", result.Config)
	}
	if len(result.Manifests) != 1 || result.Manifests[0].Status != "ok" {
		t.Fatalf("manifests: %+v", result.Manifests)
	}
	if result.Routes.Status != "warn" {
		t.Fatalf("mail.search has no manifest, expected warn: %+v", result.Routes)
	}
	if result.Storage.Status != "skip" {
		t.Fatalf("storage: %+v", result.Storage)
	}
	if result.Overall != "warn" {
		t.Fatalf("overall = %s", result.Overall)
	}

	result = validate(context.Background(), globalFlags{ConfigArgs: []string{"--config", filepath.Join(dir, "missing.yaml")}})
	if result.Overall != "error" || result.Policy.Status != "skip" {
		t.Fatalf("missing config: %+v", result)
	}
}
