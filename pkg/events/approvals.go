// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"time"

	"github.com/jllopis/steward/pkg/approval"
)

// ApprovalChannel publishes approval requests and decisions as events so
// that dashboards subscribed to the stream can act on them. It implements
// approval.Channel and approval.Listener.
type ApprovalChannel struct {
	Emitter Emitter
}

// NewApprovalChannel creates a channel that emits to e.
func NewApprovalChannel(e Emitter) *ApprovalChannel {
	return &ApprovalChannel{Emitter: e}
}

// Notify implements approval.Channel.
func (c *ApprovalChannel) Notify(ctx context.Context, req approval.Request) error {
	c.Emitter.Emit(ctx, approvalEvent(ApprovalRequested, req))
	return nil
}

// Resolved implements approval.Listener.
func (c *ApprovalChannel) Resolved(ctx context.Context, req approval.Request) {
	c.Emitter.Emit(ctx, approvalEvent(ApprovalResolved, req))
}

func approvalEvent(t Type, req approval.Request) Event {
	ev := New(t)
	ev.SessionID = req.SessionID
	ev.PlanID = req.PlanID
	ev.TaskID = req.TaskID
	ev.Verb = req.Verb
	ev.AgentID = req.AgentID
	ev.Status = string(req.Status)
	ev.Payload = map[string]any{
		"proposal_id": req.ProposalID,
		"summary":     req.Summary,
	}
	if req.Reason != "" {
		ev.Payload["reason"] = req.Reason
	}
	if !req.ExpiresAt.IsZero() {
		ev.Payload["expires_at"] = req.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return ev
}

var (
	_ approval.Channel  = (*ApprovalChannel)(nil)
	_ approval.Listener = (*ApprovalChannel)(nil)
)
