// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jllopis/steward/pkg/storage"
)

const auditTable = "steward_trace_events"

const auditColumns = "event_id, type, request_id, session_id, plan_id, task_id, verb, agent_id, status, attempt, duration_ms, error_code, error_text, payload_json, created_at"

var auditSchema = storage.Schema{
	SQLite: []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			type TEXT NOT NULL,
			request_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			verb TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error_code TEXT NOT NULL,
			error_text TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`, auditTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_plan ON %s(plan_id);`, auditTable, auditTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id);`, auditTable, auditTable),
	},
	MySQL: []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL,
			type VARCHAR(64) NOT NULL,
			request_id VARCHAR(64) NOT NULL,
			session_id VARCHAR(128) NOT NULL,
			plan_id VARCHAR(64) NOT NULL,
			task_id VARCHAR(64) NOT NULL,
			verb VARCHAR(128) NOT NULL,
			agent_id VARCHAR(128) NOT NULL,
			status VARCHAR(32) NOT NULL,
			attempt INT NOT NULL,
			duration_ms BIGINT NOT NULL,
			error_code VARCHAR(64) NOT NULL,
			error_text TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_%s_plan (plan_id),
			INDEX idx_%s_session (session_id)
		)`, auditTable, auditTable, auditTable),
	},
}

// SQLAuditStore persists trace events in SQLite or MySQL.
type SQLAuditStore struct {
	db *storage.DB
}

// NewSQLAuditStore creates a SQL-backed audit store and ensures the schema.
func NewSQLAuditStore(ctx context.Context, db *storage.DB) (*SQLAuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := db.Migrate(ctx, auditSchema); err != nil {
		return nil, err
	}
	return &SQLAuditStore{db: db}, nil
}

// Record stores a single event.
func (s *SQLAuditStore) Record(ctx context.Context, ev Event) error {
	ev = normalize(ev)
	payload, err := encodePayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", auditTable, auditColumns),
		ev.ID, string(ev.Type), ev.RequestID, ev.SessionID, ev.PlanID, ev.TaskID, ev.Verb, ev.AgentID,
		ev.Status, ev.Attempt, ev.DurationMs, ev.ErrorCode, ev.Error, payload, ev.Time.UTC().UnixMilli(),
	)
	return err
}

// List returns events matching the filter in recording order.
func (s *SQLAuditStore) List(ctx context.Context, filter AuditFilter) ([]Event, error) {
	where := "1=1"
	var args []any
	add := func(clause string, value any) {
		where += " AND " + clause
		args = append(args, value)
	}
	if filter.PlanID != "" {
		add("plan_id = ?", filter.PlanID)
	}
	if filter.TaskID != "" {
		add("task_id = ?", filter.TaskID)
	}
	if filter.SessionID != "" {
		add("session_id = ?", filter.SessionID)
	}
	if filter.Type != "" {
		add("type = ?", string(filter.Type))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id ASC", auditColumns, auditTable, where)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			typ       string
			payload   string
			createdMs int64
		)
		if err := rows.Scan(
			&ev.ID, &typ, &ev.RequestID, &ev.SessionID, &ev.PlanID, &ev.TaskID, &ev.Verb, &ev.AgentID,
			&ev.Status, &ev.Attempt, &ev.DurationMs, &ev.ErrorCode, &ev.Error, &payload, &createdMs,
		); err != nil {
			return nil, err
		}
		ev.Type = Type(typ)
		ev.Payload = decodePayload(payload)
		ev.Time = time.UnixMilli(createdMs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
