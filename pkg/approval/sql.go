// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jllopis/steward/pkg/storage"
)

const approvalTable = "steward_approvals"

const approvalColumns = "proposal_id, plan_id, task_id, session_id, verb, agent_id, summary, channel, status, reason, created_at, updated_at, expires_at"

var approvalSchema = storage.Schema{
	SQLite: []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			proposal_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			verb TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);`, approvalTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status, expires_at);`, approvalTable, approvalTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_plan ON %s(plan_id);`, approvalTable, approvalTable),
	},
	MySQL: []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			proposal_id VARCHAR(64) PRIMARY KEY,
			plan_id VARCHAR(64) NOT NULL,
			task_id VARCHAR(64) NOT NULL,
			session_id VARCHAR(128) NOT NULL,
			verb VARCHAR(128) NOT NULL,
			agent_id VARCHAR(128) NOT NULL,
			summary TEXT NOT NULL,
			channel VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			reason TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			INDEX idx_%s_status (status, expires_at),
			INDEX idx_%s_plan (plan_id)
		)`, approvalTable, approvalTable, approvalTable),
	},
}

// SQLStore persists approvals in SQLite or MySQL.
type SQLStore struct {
	db  *storage.DB
	now func() time.Time
}

// NewSQLStore creates a SQL-backed approval store and ensures the schema.
func NewSQLStore(ctx context.Context, db *storage.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := db.Migrate(ctx, approvalSchema); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Create inserts an approval request.
func (s *SQLStore) Create(ctx context.Context, req Request) (*Request, error) {
	req, err := prepare(req, s.now())
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", approvalTable, approvalColumns),
		req.ProposalID, req.PlanID, req.TaskID, req.SessionID, req.Verb, req.AgentID, req.Summary, req.Channel,
		string(req.Status), req.Reason, req.CreatedAt.UnixMilli(), req.UpdatedAt.UnixMilli(), unixMilli(req.ExpiresAt))
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.ProposalID)
}

// Get returns an approval by proposal id.
func (s *SQLStore) Get(ctx context.Context, proposalID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE proposal_id = ?", approvalColumns, approvalTable),
		proposalID,
	)
	req, err := scanRequest(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, notFound(proposalID)
		}
		return nil, err
	}
	return req, nil
}

// List returns approvals matching the filter, most recently updated first.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*Request, error) {
	where := "1=1"
	args := make([]any, 0)
	if filter.PlanID != "" {
		where += " AND plan_id = ?"
		args = append(args, filter.PlanID)
	}
	if filter.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.ExpiringBefore.IsZero() {
		where += " AND expires_at > 0 AND expires_at <= ?"
		args = append(args, filter.ExpiringBefore.UnixMilli())
	}
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY updated_at DESC, proposal_id ASC%s", approvalColumns, approvalTable, where, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Resolve moves a pending approval to status. The status guard in the
// UPDATE makes concurrent resolutions race-free.
func (s *SQLStore) Resolve(ctx context.Context, proposalID string, status Status, reason string) (*Request, error) {
	if err := checkResolution(status); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, reason = ?, updated_at = ? WHERE proposal_id = ? AND status = ?", approvalTable),
		string(status), reason, s.now().UnixMilli(), proposalID, string(StatusPending))
	if err != nil {
		return nil, err
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	req, err := s.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if changed == 0 {
		return req, alreadyResolved(req)
	}
	return req, nil
}

// Expire marks overdue pending approvals as expired.
func (s *SQLStore) Expire(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, reason = ?, updated_at = ? WHERE status = ? AND expires_at > 0 AND expires_at <= ?", approvalTable),
		string(StatusExpired), "no decision before expires_at", s.now().UnixMilli(), string(StatusPending), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		req         Request
		status      string
		createdAtMs int64
		updatedAtMs int64
		expiresAtMs int64
	)
	if err := row.Scan(&req.ProposalID, &req.PlanID, &req.TaskID, &req.SessionID, &req.Verb, &req.AgentID,
		&req.Summary, &req.Channel, &status, &req.Reason, &createdAtMs, &updatedAtMs, &expiresAtMs); err != nil {
		return nil, err
	}
	req.Status = Status(status)
	req.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	req.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	if expiresAtMs > 0 {
		req.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	}
	return &req, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
