// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval manages the human approval lifecycle for write-class
// tasks: persistence, notification, awaiting a decision and expiry.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/steward/pkg/errors"
)

// Status captures the lifecycle of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Request is a proposal awaiting a human decision. It is correlated 1:1
// with a gated task through ProposalID.
type Request struct {
	ProposalID string    `json:"proposal_id"`
	PlanID     string    `json:"plan_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Verb       string    `json:"verb"`
	AgentID    string    `json:"agent_id,omitempty"`
	Summary    string    `json:"summary"`
	Channel    string    `json:"channel,omitempty"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the request is still pending past its deadline.
func (r Request) Expired(now time.Time) bool {
	return r.Status == StatusPending && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Filter limits List queries.
type Filter struct {
	PlanID         string
	SessionID      string
	Status         Status
	Limit          int
	ExpiringBefore time.Time
}

func (f Filter) match(r *Request) bool {
	if f.PlanID != "" && r.PlanID != f.PlanID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.ExpiringBefore.IsZero() {
		if r.ExpiresAt.IsZero() || r.ExpiresAt.After(f.ExpiringBefore) {
			return false
		}
	}
	return true
}

// Store persists approval requests.
type Store interface {
	Create(ctx context.Context, req Request) (*Request, error)
	Get(ctx context.Context, proposalID string) (*Request, error)
	List(ctx context.Context, filter Filter) ([]*Request, error)
	// Resolve moves a pending request to a terminal status. Resolving a
	// request that is no longer pending returns the stored request and an
	// error.
	Resolve(ctx context.Context, proposalID string, status Status, reason string) (*Request, error)
	// Expire marks every pending request whose deadline is at or before now
	// as expired and returns how many changed.
	Expire(ctx context.Context, now time.Time) (int, error)
}

func notFound(proposalID string) error {
	return errors.New(errors.CodeNotFound, "approval not found", nil).WithContext("proposal_id", proposalID)
}

func alreadyResolved(req *Request) error {
	return errors.New(errors.CodeValidation, "approval already resolved", nil).
		WithContext("proposal_id", req.ProposalID).
		WithContext("status", string(req.Status))
}

func prepare(req Request, now time.Time) (Request, error) {
	if req.ProposalID == "" {
		return req, errors.New(errors.CodeValidation, "proposal_id is required", nil)
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	return req, nil
}

func checkResolution(status Status) error {
	if !status.Terminal() {
		return errors.New(errors.CodeValidation, "resolution must be approved, rejected or expired", nil).
			WithContext("status", string(status))
	}
	return nil
}

// MemoryStore keeps approvals in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	approvals map[string]*Request
	now       func() time.Time
}

// NewMemoryStore creates an in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals: make(map[string]*Request),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new approval request.
func (s *MemoryStore) Create(_ context.Context, req Request) (*Request, error) {
	req, err := prepare(req, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[req.ProposalID]; exists {
		return nil, errors.New(errors.CodeValidation, "approval already exists", nil).WithContext("proposal_id", req.ProposalID)
	}
	stored := req
	s.approvals[req.ProposalID] = &stored
	out := stored
	return &out, nil
}

// Get returns an approval by proposal id.
func (s *MemoryStore) Get(_ context.Context, proposalID string) (*Request, error) {
	s.mu.RLock()
	req, ok := s.approvals[proposalID]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(proposalID)
	}
	out := *req
	return &out, nil
}

// List returns approvals matching the filter, most recently updated first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Request, error) {
	s.mu.RLock()
	out := make([]*Request, 0)
	for _, req := range s.approvals {
		if filter.match(req) {
			copied := *req
			out = append(out, &copied)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Resolve moves a pending approval to status.
func (s *MemoryStore) Resolve(_ context.Context, proposalID string, status Status, reason string) (*Request, error) {
	if err := checkResolution(status); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[proposalID]
	if !ok {
		return nil, notFound(proposalID)
	}
	if req.Status != StatusPending {
		out := *req
		return &out, alreadyResolved(req)
	}
	req.Status = status
	req.Reason = reason
	req.UpdatedAt = s.now()
	out := *req
	return &out, nil
}

// Expire marks overdue pending approvals as expired.
func (s *MemoryStore) Expire(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.approvals {
		if req.Expired(now) {
			req.Status = StatusExpired
			req.Reason = "no decision before expires_at"
			req.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}
