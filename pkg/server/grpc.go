// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/resilience"
	"github.com/jllopis/steward/pkg/telemetry"
)

// HealthService reports per-agent serving status over grpc.health.v1. Each
// agent id is a service name; the empty name is the coordinator itself.
// An agent is NOT_SERVING while its circuit is open.
type HealthService struct {
	registry *registry.Registry
	srv      *health.Server
	logger   *slog.Logger
	resync   time.Duration

	mu    sync.Mutex
	known map[string]struct{}
}

// NewHealthService creates the service. resync bounds how long a
// registration change can go unreported; zero means 10s.
func NewHealthService(reg *registry.Registry, resync time.Duration, logger *slog.Logger) *HealthService {
	if resync <= 0 {
		resync = 10 * time.Second
	}
	h := &HealthService{
		registry: reg,
		srv:      health.NewServer(),
		logger:   telemetry.Component(logger, "health"),
		resync:   resync,
		known:    make(map[string]struct{}),
	}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h
}

// Register adds the health service to s.
func (h *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Sync publishes the current status of every registered agent and marks
// deregistered agents SERVICE_UNKNOWN.
func (h *HealthService) Sync() {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]struct{})
	for _, m := range h.registry.ListAgents() {
		seen[m.AgentID] = struct{}{}
		h.srv.SetServingStatus(m.AgentID, h.status(m.AgentID))
	}
	for id := range h.known {
		if _, ok := seen[id]; !ok {
			h.srv.SetServingStatus(id, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	h.known = seen
}

func (h *HealthService) status(agentID string) healthpb.HealthCheckResponse_ServingStatus {
	if hs, ok := h.registry.Health(agentID); ok && hs.State == resilience.StateOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Run follows breaker transitions until ctx is done.
func (h *HealthService) Run(ctx context.Context) {
	transitions, unsubscribe := h.registry.Subscribe(32)
	defer unsubscribe()
	ticker := time.NewTicker(h.resync)
	defer ticker.Stop()

	h.Sync()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-transitions:
			if !ok {
				return
			}
			h.logger.DebugContext(ctx, "health.transition",
				slog.String("agent_id", ev.AgentID),
				slog.String("to", string(ev.To)),
			)
			h.Sync()
		case <-ticker.C:
			h.Sync()
		}
	}
}

// Shutdown reports NOT_SERVING for every service.
func (h *HealthService) Shutdown() {
	h.srv.Shutdown()
}
