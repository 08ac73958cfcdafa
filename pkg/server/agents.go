// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/registry"
)

type agentView struct {
	Manifest registry.AgentManifest `json:"manifest"`
	Health   *registry.Health       `json:"health,omitempty"`
}

type capabilityView struct {
	AgentID string `json:"agent_id"`
	registry.Capability
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var m registry.AgentManifest
	if err := decodeJSON(r, &m); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Registry.Register(r.Context(), m)
	if err != nil {
		status := errors.Wrap(err).StatusCode
		writeJSON(w, status, res)
		return
	}
	s.syncHealth()
	status := http.StatusOK
	if res.Changed {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.syncHealth()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	manifests := s.deps.Registry.ListAgents()
	out := make([]agentView, 0, len(manifests))
	for _, m := range manifests {
		view := agentView{Manifest: m}
		if h, ok := s.deps.Registry.Health(m.AgentID); ok {
			view.Health = &h
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := s.deps.Registry.ListCapabilities()
	out := make([]capabilityView, 0, len(caps))
	for _, c := range caps {
		view := capabilityView{Capability: c}
		if ref, err := s.deps.Registry.Resolve(c.Verb); err == nil {
			view.AgentID = ref.AgentID
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

func (s *Server) handleManifestSchema(w http.ResponseWriter, _ *http.Request) {
	schema, err := registry.ManifestSchema()
	if err != nil {
		writeError(w, errors.New(errors.CodeInternal, "manifest schema unavailable", err))
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(schema)
}

func (s *Server) syncHealth() {
	if s.deps.Health != nil {
		s.deps.Health.Sync()
	}
}

// validationError turns validator field errors into a VALIDATION error.
func validationError(err error) error {
	var fields validator.ValidationErrors
	if !stderrors.As(err, &fields) {
		return errors.New(errors.CodeValidation, "invalid request", err)
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Namespace()+" "+f.Tag())
	}
	return errors.New(errors.CodeValidation, "invalid request: "+strings.Join(names, ", "), nil)
}
