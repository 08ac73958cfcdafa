// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package agenttest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jllopis/steward/pkg/registry"
)

// MailManifest declares a local mail index and an outbound send.
func MailManifest() registry.AgentManifest {
	return registry.AgentManifest{
		AgentID: "mail-agent",
		Version: "1.0.0",
		Capabilities: []registry.Capability{
			{
				Verb:              "mail.search",
				InputSchema:       json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
				OutputSchema:      json.RawMessage(`{"type":"object","properties":{"messages":{"type":"array"}},"required":["messages"]}`),
				SafetyAnnotations: []registry.Annotation{registry.AnnotationReadOnly, registry.AnnotationLocalOnly},
				SLA:               registry.SLA{LatencyMs: 200},
				Produces:          []string{"messages"},
			},
			{
				Verb:              "mail.send",
				SafetyAnnotations: []registry.Annotation{registry.AnnotationWrite},
				SLA:               registry.SLA{LatencyMs: 500},
				Consumes:          []string{"contact_id"},
				Egress:            []string{"smtp.example.com"},
			},
		},
		DataScopes:    []string{"mail"},
		EgressDomains: []string{"smtp.example.com"},
	}
}

// CalendarManifest declares calendar reads, drafts and writes.
func CalendarManifest() registry.AgentManifest {
	return registry.AgentManifest{
		AgentID: "calendar-agent",
		Version: "1.0.0",
		Capabilities: []registry.Capability{
			{
				Verb:              "calendar.read",
				OutputSchema:      json.RawMessage(`{"type":"object","properties":{"events":{"type":"array"}},"required":["events"]}`),
				SafetyAnnotations: []registry.Annotation{registry.AnnotationReadOnly, registry.AnnotationLocalOnly},
				SLA:               registry.SLA{LatencyMs: 200},
				Produces:          []string{"events"},
			},
			{
				Verb:              "calendar.propose_event",
				SafetyAnnotations: []registry.Annotation{registry.AnnotationReadOnly, registry.AnnotationLocalOnly},
				SLA:               registry.SLA{LatencyMs: 200},
				Consumes:          []string{"contact_id"},
				Produces:          []string{"event_draft"},
			},
			{
				Verb:              "calendar.write_event",
				InputSchema:       json.RawMessage(`{"type":"object","required":["event_draft"]}`),
				SafetyAnnotations: []registry.Annotation{registry.AnnotationWrite, registry.AnnotationLocalOnly},
				SLA:               registry.SLA{LatencyMs: 300},
				Consumes:          []string{"event_draft"},
				Produces:          []string{"event_id"},
			},
		},
		DataScopes: []string{"calendar"},
	}
}

// ContactsManifest declares contact resolution.
func ContactsManifest() registry.AgentManifest {
	return registry.AgentManifest{
		AgentID: "contacts-agent",
		Version: "1.0.0",
		Capabilities: []registry.Capability{
			{
				Verb:              "contacts.resolve",
				SafetyAnnotations: []registry.Annotation{registry.AnnotationReadOnly, registry.AnnotationLocalOnly},
				SLA:               registry.SLA{LatencyMs: 100},
				Produces:          []string{"contact_id"},
			},
		},
		DataScopes: []string{"contacts"},
	}
}

// Agents are the scripted invokers registered by Register.
type Agents struct {
	Mail     *Agent
	Calendar *Agent
	Contacts *Agent
}

// Register registers the mail, calendar and contacts fixtures in r with
// scripted invokers whose defaults satisfy the output schemas.
func Register(t testing.TB, r *registry.Registry) Agents {
	t.Helper()
	agents := Agents{
		Mail: NewAgent().
			Default("mail.search", Response{Output: map[string]any{"messages": []any{}}}),
		Calendar: NewAgent().
			Default("calendar.read", Response{Output: map[string]any{"events": []any{}}}).
			Default("calendar.propose_event", Response{Output: map[string]any{"event_draft": "draft-1"}}).
			Default("calendar.write_event", Response{Output: map[string]any{"event_id": "evt-1"}}),
		Contacts: NewAgent().
			Default("contacts.resolve", Response{Output: map[string]any{"contact_id": "c-42"}}),
	}
	ctx := context.Background()
	for _, reg := range []struct {
		m   registry.AgentManifest
		inv registry.Invoker
	}{
		{MailManifest(), agents.Mail},
		{CalendarManifest(), agents.Calendar},
		{ContactsManifest(), agents.Contacts},
	} {
		res, err := r.RegisterLocal(ctx, reg.m, reg.inv)
		if err != nil || !res.Accepted {
			t.Fatalf("register %s: %+v %v", reg.m.AgentID, res, err)
		}
	}
	return agents
}
