// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package events carries the push-style trace and approval events emitted
// while plans run, and the sinks that deliver them.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies a trace or approval event.
type Type string

const (
	PlanStarted   Type = "plan.started"
	PlanCompleted Type = "plan.completed"

	TaskStarted          Type = "task.started"
	TaskAwaitingApproval Type = "task.awaiting_approval"
	TaskRetrying         Type = "task.retrying"
	TaskSucceeded        Type = "task.succeeded"
	TaskFailed           Type = "task.failed"
	TaskSkipped          Type = "task.skipped"

	ApprovalRequested Type = "approval.requested"
	ApprovalResolved  Type = "approval.resolved"

	RequestCompleted Type = "request.completed"
)

// Event is a single trace or approval event.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Time       time.Time      `json:"time"`
	RequestID  string         `json:"request_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Verb       string         `json:"verb,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: time.Now().UTC()}
}

// normalize fills id and time when the emitter left them empty.
func normalize(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return ev
}

// Emitter receives events. Emit must not block the caller for long.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a function to an Emitter.
type EmitterFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Noop drops every event.
type Noop struct{}

// Emit implements Emitter.
func (Noop) Emit(context.Context, Event) {}

// Emitters fans an event out to several emitters in order.
type Emitters []Emitter

// Emit implements Emitter.
func (es Emitters) Emit(ctx context.Context, ev Event) {
	ev = normalize(ev)
	for _, e := range es {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}
