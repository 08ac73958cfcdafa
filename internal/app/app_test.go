// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jllopis/steward/pkg/config"
	"github.com/jllopis/steward/pkg/policy"
)

const mailManifest = `
agent_id: mail-agent
version: "1.0.0"
endpoint: http://127.0.0.1:1/invoke
capabilities:
  - verb: mail.search
    safety_annotations: [read-only, local-only]
    sla: {latency_ms: 200}
    output_schema:
      type: object
      required: [messages]
`

const calendarManifest = `{
  "agent_id": "calendar-agent",
  "endpoint": "http://127.0.0.1:1/invoke",
  "capabilities": [
    {"verb": "calendar.write_event", "safety_annotations": ["write", "local-only"], "sla": {"latency_ms": 300}}
  ]
}`

const policyDoc = `
egress_allowlist: [smtp.example.com]
rules:
  - name: no-mail-send
    condition: {verb: mail.send}
    action: deny
    priority: 10
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Registry.Manifests = []string{filepath.Join(dir, "agents", "**", "*.yaml"), filepath.Join(dir, "agents", "calendar.json")}
	cfg.Policy.Path = filepath.Join(dir, "policy.yaml")
	return cfg
}

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "agents", "mail", "mail.yaml"), mailManifest)
	writeFile(t, filepath.Join(dir, "agents", "calendar.json"), calendarManifest)
	writeFile(t, filepath.Join(dir, "policy.yaml"), policyDoc)

	a, err := New(context.Background(), testConfig(t, dir), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, dir
}

func TestNewWiresComponents(t *testing.T) {
	a, _ := newTestApp(t)

	agents := a.Registry.ListAgents()
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents from manifests, got %d", len(agents))
	}
	ref, err := a.Registry.Resolve("mail.search")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := ref.ValidateOutput(map[string]any{}); err == nil {
		t.Fatal("schema from the YAML manifest was not compiled")
	}

	snap := a.Policy.Snapshot()
	if len(snap.Rules()) != 1 || snap.Rules()[0].Name != "no-mail-send" {
		t.Fatalf("policy document not applied: %+v", snap.Rules())
	}
	if a.Audit == nil {
		t.Fatal("audit store should be enabled by default")
	}
	if a.Classifier != nil {
		t.Fatal("no routes configured, classifier should be unset")
	}
}

func TestNewRejectsBadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "agents", "bad.yaml"), "agent_id: bad\ncapabilities: []\n")
	writeFile(t, filepath.Join(dir, "agents", "calendar.json"), calendarManifest)
	writeFile(t, filepath.Join(dir, "policy.yaml"), policyDoc)

	if _, err := New(context.Background(), testConfig(t, dir), Options{Logger: quietLogger()}); err == nil {
		t.Fatal("expected invalid manifest to fail startup")
	}
}

func TestReloadPolicy(t *testing.T) {
	a, dir := newTestApp(t)
	before := a.Policy.Snapshot().Version()

	writeFile(t, filepath.Join(dir, "policy.yaml"), "rules: [{name: broken}]\n")
	a.ReloadPolicy(context.Background())
	if a.Policy.Snapshot().Version() != before {
		t.Fatal("invalid policy document must keep the current snapshot")
	}

	writeFile(t, filepath.Join(dir, "policy.yaml"), `
rules:
  - name: approve-calendar
    condition: {verb: "calendar.*"}
    action: require_approval
`)
	a.ReloadPolicy(context.Background())
	snap := a.Policy.Snapshot()
	if snap.Version() != before+1 {
		t.Fatalf("expected version %d, got %d", before+1, snap.Version())
	}
	d := a.Policy.Evaluate(context.Background(), policy.Action{Verb: "calendar.read"}, policy.Context{})
	if d.Effect != policy.EffectRequireApproval || d.Rule != "approve-calendar" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestServe(t *testing.T) {
	a, _ := newTestApp(t)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, httpLn, nil) }()

	url := "http://" + httpLn.Addr().String() + "/healthz"
	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	var body struct {
		Status string `json:"status"`
		Agents []any  `json:"agents"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || len(body.Agents) != 2 {
		t.Fatalf("unexpected health %+v", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestExpandManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "one.yaml"), "")
	writeFile(t, filepath.Join(dir, "a", "b", "two.yaml"), "")
	writeFile(t, filepath.Join(dir, "a", "b", "skip.txt"), "")

	files, err := ExpandManifests([]string{
		filepath.Join(dir, "**", "*.yaml"),
		filepath.Join(dir, "a", "one.yaml"),
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}

	if _, err := ExpandManifests([]string{filepath.Join(dir, "missing.yaml")}); err == nil {
		t.Fatal("a plain missing path should fail")
	}
	if files, err := ExpandManifests([]string{filepath.Join(dir, "none", "*.yaml")}); err != nil || len(files) != 0 {
		t.Fatalf("an empty glob is not an error: %v %v", files, err)
	}
}
