// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/resilience"
)

// Health is a point-in-time view of an agent's health.
type Health struct {
	AgentID             string                         `json:"agent_id"`
	State               resilience.CircuitBreakerState `json:"state"`
	ConsecutiveFailures int                            `json:"consecutive_failures"`
	LastOK              bool                           `json:"last_ok"`
	LastLatencyMs       int                            `json:"last_latency_ms"`
	LastReport          time.Time                      `json:"last_report,omitempty"`
	Successes           int64                          `json:"successes"`
	Failures            int64                          `json:"failures"`
}

// HealthEvent is published on every breaker transition.
type HealthEvent struct {
	AgentID string                         `json:"agent_id"`
	From    resilience.CircuitBreakerState `json:"from"`
	To      resilience.CircuitBreakerState `json:"to"`
	At      time.Time                      `json:"at"`
}

// Prober checks an agent's health endpoint.
type Prober interface {
	Probe(ctx context.Context, m AgentManifest) error
}

type agentHealth struct {
	breaker *resilience.CircuitBreaker

	mu            sync.Mutex
	lastOK        bool
	lastLatencyMs int
	lastReport    time.Time
	successes     int64
	failures      int64
}

// health returns the per-agent state, creating it on first use.
func (r *Registry) health(agentID string) *agentHealth {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	if h, ok := r.breakers[agentID]; ok {
		return h
	}
	cfg := r.breakerConfig
	cfg.Name = agentID
	cfg.OnTransition = r.onTransition
	h := &agentHealth{breaker: resilience.NewCircuitBreaker(cfg)}
	r.breakers[agentID] = h
	return h
}

func (r *Registry) lookupHealth(agentID string) (*agentHealth, bool) {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	h, ok := r.breakers[agentID]
	return h, ok
}

// Acquire asks the agent's breaker for permission to invoke it. Every
// successful Acquire must be followed by ReportHealth.
func (r *Registry) Acquire(agentID string) error {
	if _, ok := r.current.Load().agents[agentID]; !ok {
		return errors.New(errors.CodeAgentUnavailable, "agent not registered", nil).
			WithContext("agent_id", agentID).
			WithRecoverable(false)
	}
	if err := r.health(agentID).breaker.Allow(); err != nil {
		if e, ok := errors.As(err); ok {
			return e.WithContext("agent_id", agentID)
		}
		return err
	}
	return nil
}

// ReportHealth records the outcome of a call to agentID.
func (r *Registry) ReportHealth(agentID string, ok bool, latencyMs int) {
	h, found := r.lookupHealth(agentID)
	if !found {
		return
	}
	h.mu.Lock()
	h.lastOK = ok
	h.lastLatencyMs = latencyMs
	h.lastReport = r.now()
	if ok {
		h.successes++
	} else {
		h.failures++
	}
	h.mu.Unlock()
	h.breaker.Record(ok)
}

// Health returns the health of one agent.
func (r *Registry) Health(agentID string) (Health, bool) {
	h, ok := r.lookupHealth(agentID)
	if !ok {
		return Health{}, false
	}
	return h.view(agentID), true
}

// ListHealth returns the health of every registered agent ordered by id.
func (r *Registry) ListHealth() []Health {
	manifests := r.current.Load().manifests
	out := make([]Health, 0, len(manifests))
	for _, m := range manifests {
		if h, ok := r.lookupHealth(m.AgentID); ok {
			out = append(out, h.view(m.AgentID))
		}
	}
	return out
}

func (h *agentHealth) view(agentID string) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Health{
		AgentID:             agentID,
		State:               h.breaker.State(),
		ConsecutiveFailures: h.breaker.Failures(),
		LastOK:              h.lastOK,
		LastLatencyMs:       h.lastLatencyMs,
		LastReport:          h.lastReport,
		Successes:           h.successes,
		Failures:            h.failures,
	}
}

// Subscribe returns a channel of breaker transitions. Slow subscribers miss
// events rather than block callers. The returned func unsubscribes.
func (r *Registry) Subscribe(buffer int) (<-chan HealthEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan HealthEvent, buffer)
	r.subsMu.Lock()
	if lifecycle(r.state.Load()) == stateClosed {
		r.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
			r.subsMu.Unlock()
		})
	}
}

func (r *Registry) onTransition(agentID string, from, to resilience.CircuitBreakerState) {
	event := HealthEvent{AgentID: agentID, From: from, To: to, At: r.now()}
	r.logger.Info("registry.breaker.transition",
		slog.String("agent_id", agentID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	r.metrics.RecordBreakerState(context.Background(), agentID, to.Level())

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (r *Registry) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	for _, m := range r.current.Load().manifests {
		if m.HealthCheck == "" {
			continue
		}
		// Open circuits are only probed once their cooldown allows it.
		if err := r.Acquire(m.AgentID); err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.probeInterval/2)
		start := time.Now()
		err := r.prober.Probe(probeCtx, m)
		cancel()
		// The admitted check must be reported even when shutting down, or a
		// half-open circuit keeps its check in flight.
		r.ReportHealth(m.AgentID, err == nil, int(time.Since(start).Milliseconds()))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.WarnContext(ctx, "registry.probe.failed",
				slog.String("agent_id", m.AgentID),
				slog.String("error", err.Error()),
			)
		}
	}
}
