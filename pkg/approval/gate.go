// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/telemetry"
)

// DefaultTimeout bounds how long a proposal waits for a decision.
const DefaultTimeout = 120 * time.Second

// Gate creates approval requests, notifies the channel and blocks the
// calling branch until a decision or expiry.
type Gate struct {
	store   Store
	channel Channel
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	waiters map[string]chan Request
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithTimeout sets the default time to wait for a decision.
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithChannel sets the notification channel.
func WithChannel(c Channel) GateOption {
	return func(g *Gate) { g.channel = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// WithMetrics counts decisions.
func WithMetrics(m *telemetry.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate over store. A nil store uses memory.
func NewGate(store Store, opts ...GateOption) *Gate {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Gate{
		store:   store,
		timeout: DefaultTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		waiters: make(map[string]chan Request),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = telemetry.Component(g.logger, "approval")
	return g
}

// Store returns the underlying store.
func (g *Gate) Store() Store { return g.store }

// Timeout returns the default decision timeout.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// Await persists req as pending, notifies the channel and waits for
// Resolve. It returns nil only when the request was approved; a rejection
// yields APPROVAL_REJECTED and reaching ExpiresAt yields APPROVAL_EXPIRED.
func (g *Gate) Await(ctx context.Context, req Request) (Request, error) {
	now := g.now()
	if req.ProposalID == "" {
		req.ProposalID = uuid.NewString()
	}
	req.Status = StatusPending
	req.CreatedAt = now
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(g.timeout)
	}

	decision := g.register(req.ProposalID)
	defer g.unregister(req.ProposalID)

	stored, err := g.store.Create(ctx, req)
	if err != nil {
		return req, err
	}
	req = *stored
	g.logger.InfoContext(ctx, "approval.requested",
		slog.String("proposal_id", req.ProposalID),
		slog.String("plan_id", req.PlanID),
		slog.String("task_id", req.TaskID),
		slog.String("verb", req.Verb),
		slog.Time("expires_at", req.ExpiresAt),
	)
	if g.channel != nil {
		if err := g.channel.Notify(ctx, req); err != nil {
			g.logger.WarnContext(ctx, "approval.notify.error",
				slog.String("proposal_id", req.ProposalID),
				slog.String("error", err.Error()),
			)
		}
	}

	timer := time.NewTimer(req.ExpiresAt.Sub(g.now()))
	defer timer.Stop()
	select {
	case resolved := <-decision:
		return resolved, outcome(resolved)
	case <-timer.C:
		expired, err := g.finish(context.WithoutCancel(ctx), req.ProposalID, StatusExpired, "no decision before expires_at")
		if err != nil && expired == nil {
			return req, err
		}
		return *expired, outcome(*expired)
	case <-ctx.Done():
		// Nobody is left to act on a decision, so the request must not stay pending.
		if expired, _ := g.finish(context.WithoutCancel(ctx), req.ProposalID, StatusExpired, "approval wait canceled"); expired != nil {
			req = *expired
		}
		return req, errors.New(errors.CodeCanceled, "approval wait canceled", ctx.Err()).
			WithContext("proposal_id", req.ProposalID)
	}
}

// Resolve records a human decision and wakes the waiting branch.
func (g *Gate) Resolve(ctx context.Context, proposalID string, approved bool, reason string) (Request, error) {
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	req, err := g.finish(ctx, proposalID, status, reason)
	if err != nil {
		if req != nil {
			return *req, err
		}
		return Request{}, err
	}
	return *req, nil
}

// Get returns a stored request.
func (g *Gate) Get(ctx context.Context, proposalID string) (*Request, error) {
	return g.store.Get(ctx, proposalID)
}

// List returns stored requests.
func (g *Gate) List(ctx context.Context, filter Filter) ([]*Request, error) {
	return g.store.List(ctx, filter)
}

// finish resolves the stored request and delivers the outcome. When the
// request was already terminal the stored state wins and is returned along
// with the error.
func (g *Gate) finish(ctx context.Context, proposalID string, status Status, reason string) (*Request, error) {
	req, err := g.store.Resolve(ctx, proposalID, status, reason)
	if err != nil {
		if req != nil {
			g.deliver(*req)
		}
		return req, err
	}
	g.metrics.RecordApproval(ctx, string(req.Status))
	g.logger.InfoContext(ctx, "approval.resolved",
		slog.String("proposal_id", req.ProposalID),
		slog.String("status", string(req.Status)),
		slog.String("reason", req.Reason),
	)
	if l, ok := g.channel.(Listener); ok {
		l.Resolved(ctx, *req)
	}
	g.deliver(*req)
	return req, nil
}

func (g *Gate) register(proposalID string) chan Request {
	ch := make(chan Request, 1)
	g.mu.Lock()
	g.waiters[proposalID] = ch
	g.mu.Unlock()
	return ch
}

func (g *Gate) unregister(proposalID string) {
	g.mu.Lock()
	delete(g.waiters, proposalID)
	g.mu.Unlock()
}

func (g *Gate) deliver(req Request) {
	g.mu.Lock()
	ch, ok := g.waiters[req.ProposalID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- req:
	default:
	}
}

func outcome(req Request) error {
	switch req.Status {
	case StatusApproved:
		return nil
	case StatusRejected:
		return errors.New(errors.CodeApprovalRejected, "approval rejected", nil).
			WithContext("proposal_id", req.ProposalID).
			WithContext("reason", req.Reason)
	default:
		return errors.New(errors.CodeApprovalExpired, "approval expired", nil).
			WithContext("proposal_id", req.ProposalID)
	}
}
