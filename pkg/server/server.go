// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the coordinator over HTTP and reports agent health
// over gRPC.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/coordinator"
	"github.com/jllopis/steward/pkg/events"
	"github.com/jllopis/steward/pkg/executor"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/telemetry"
)

// Processor handles coordinator requests. *coordinator.Coordinator
// implements it.
type Processor interface {
	Process(ctx context.Context, req coordinator.Request) *coordinator.Response
}

// Deps are the components served over HTTP. Approvals, Stream, Audit and
// Health are optional; their routes answer 404 when unset.
type Deps struct {
	Registry    *registry.Registry
	Policy      *policy.Engine
	Coordinator Processor
	Approvals   *approval.Gate
	Stream      *events.Stream
	Audit       events.AuditStore
	Health      *HealthService
	Logger      *slog.Logger
	// EventBuffer is the per-client buffer of GET /events.
	EventBuffer int
	// Heartbeat is the interval of keep-alive comments on GET /events.
	Heartbeat time.Duration
}

// Server is the HTTP facade.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	validate *validator.Validate
	router   chi.Router
}

// New builds the router.
func New(deps Deps) *Server {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	s := &Server{
		deps:     deps,
		logger:   telemetry.Component(deps.Logger, "server"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/register", s.handleRegister)
		r.Get("/schema", s.handleManifestSchema)
		r.Delete("/{id}", s.handleDeregister)
	})
	r.Get("/capabilities", s.handleCapabilities)

	r.Post("/coordinator/process", s.handleProcess)

	r.Route("/policy", func(r chi.Router) {
		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handlePutRule)
		r.Delete("/rules/{name}", s.handleDeleteRule)
		r.Put("/allowlist", s.handleSetAllowlist)
		r.Post("/evaluate", s.handleEvaluate)
	})

	if s.deps.Approvals != nil {
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals)
			r.Get("/{id}", s.handleGetApproval)
			r.Post("/{id}/approve", s.handleResolve(true))
			r.Post("/{id}/reject", s.handleResolve(false))
		})
	}
	if s.deps.Stream != nil {
		r.Get("/events", s.handleEvents)
	}
	if s.deps.Audit != nil {
		r.Get("/audit", s.handleAudit)
	}
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "server.request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": s.deps.Registry.ListHealth(),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req coordinator.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, validationError(err))
		return
	}
	resp := s.deps.Coordinator.Process(r.Context(), req)
	status := http.StatusOK
	if resp.Error != nil && resp.Status != executor.StatusPartial {
		status = resp.Error.StatusCode
	}
	writeJSON(w, status, resp)
}
