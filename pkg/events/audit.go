// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jllopis/steward/pkg/telemetry"
)

// AuditStore persists trace events for later inspection.
type AuditStore interface {
	Record(ctx context.Context, ev Event) error
	List(ctx context.Context, filter AuditFilter) ([]Event, error)
}

// AuditFilter limits audit queries.
type AuditFilter struct {
	PlanID    string
	TaskID    string
	SessionID string
	Type      Type
	Limit     int
}

func (f AuditFilter) match(ev Event) bool {
	if f.PlanID != "" && ev.PlanID != f.PlanID {
		return false
	}
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	return f.Type == "" || ev.Type == f.Type
}

// MemoryAuditStore keeps audit events in memory.
type MemoryAuditStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryAuditStore returns an in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Record appends an audit event.
func (s *MemoryAuditStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, normalize(ev))
	return nil
}

// List returns filtered audit events in recording order.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// AuditSink records every emitted event in a store. Failures are logged and
// never reach the executor.
type AuditSink struct {
	store  AuditStore
	logger *slog.Logger
}

// NewAuditSink creates a sink over store.
func NewAuditSink(store AuditStore, logger *slog.Logger) *AuditSink {
	return &AuditSink{store: store, logger: telemetry.Component(logger, "events.audit")}
}

// Emit implements Emitter.
func (a *AuditSink) Emit(ctx context.Context, ev Event) {
	if err := a.store.Record(context.WithoutCancel(ctx), ev); err != nil {
		a.logger.WarnContext(ctx, "events.audit.error",
			slog.String("event_type", string(ev.Type)),
			slog.String("plan_id", ev.PlanID),
			slog.String("error", err.Error()),
		)
	}
}

// Store returns the underlying audit store.
func (a *AuditSink) Store() AuditStore {
	return a.store
}

func encodePayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodePayload(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
