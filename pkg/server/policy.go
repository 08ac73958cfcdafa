// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jllopis/steward/pkg/policy"
)

type rulesView struct {
	Version   uint64        `json:"version"`
	Rules     []policy.Rule `json:"rules"`
	Allowlist []string      `json:"egress_allowlist"`
}

func viewOf(snap *policy.Snapshot) rulesView {
	return rulesView{Version: snap.Version(), Rules: snap.Rules(), Allowlist: snap.Allowlist()}
}

type evaluateRequest struct {
	Action  policy.Action  `json:"action"`
	Context policy.Context `json:"context"`
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.deps.Policy.Snapshot()))
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule policy.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.deps.Policy.Put(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": snap.Version(), "rule": rule.Name})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Policy.Delete(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version()})
}

func (s *Server) handleSetAllowlist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Allowlist []string `json:"egress_allowlist"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.deps.Policy.SetAllowlist(r.Context(), body.Allowlist)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(snap))
}

// handleEvaluate answers what the engine would decide. An action naming
// only a verb is completed from the registered capability.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	action := req.Action
	if action.AgentID == "" && action.Verb != "" {
		if ref, err := s.deps.Registry.Resolve(action.Verb); err == nil {
			resolved := policy.ActionFor(ref)
			if len(action.Egress) > 0 {
				resolved = resolved.WithEgress(action.Egress)
			}
			action = resolved
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Policy.Evaluate(r.Context(), action, req.Context))
}
