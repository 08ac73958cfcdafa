// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/events"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := approval.Filter{
		PlanID:    q.Get("plan_id"),
		SessionID: q.Get("session_id"),
		Status:    approval.Status(q.Get("status")),
	}
	switch filter.Status {
	case "", approval.StatusPending, approval.StatusApproved, approval.StatusRejected, approval.StatusExpired:
	default:
		writeError(w, errors.New(errors.CodeValidation, "unknown approval status", nil).WithContext("status", string(filter.Status)))
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Limit = limit

	reqs, err := s.deps.Approvals.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleResolve is the resolve entry point of the approval channel.
func (s *Server) handleResolve(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeOptionalJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		req, err := s.deps.Approvals.Resolve(r.Context(), chi.URLParam(r, "id"), approved, body.Reason)
		if err != nil {
			if errors.IsCode(err, errors.CodeValidation) && req.Status.Terminal() {
				writeJSON(w, http.StatusConflict, req)
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	evs, err := s.deps.Audit.List(r.Context(), events.AuditFilter{
		PlanID:    q.Get("plan_id"),
		TaskID:    q.Get("task_id"),
		SessionID: q.Get("session_id"),
		Type:      events.Type(q.Get("type")),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(errors.CodeValidation, "invalid integer query parameter", err).WithContext("value", raw)
	}
	return n, nil
}
