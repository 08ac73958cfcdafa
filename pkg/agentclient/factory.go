// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentclient reaches remote capability agents over JSON/HTTP and
// MCP, and probes their health endpoints.
package agentclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/telemetry"
)

// Config tunes the agent clients.
type Config struct {
	// Timeout caps a single HTTP exchange; per-task deadlines still apply.
	Timeout time.Duration `koanf:"timeout"`
	// ProbeTimeout caps a health check.
	ProbeTimeout time.Duration `koanf:"probe_timeout"`
	// ToolCacheTTL is how long MCP tool lists are cached.
	ToolCacheTTL time.Duration `koanf:"tool_cache_ttl"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		ToolCacheTTL: defaultToolCacheTTL,
	}
}

// Factory builds invokers for registered manifests by transport.
type Factory struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewFactory creates a factory. A nil client gets one with cfg.Timeout.
func NewFactory(cfg Config, client *http.Client, logger *slog.Logger) *Factory {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Factory{cfg: cfg, client: client, logger: telemetry.Component(logger, "agentclient")}
}

// Invoker implements registry.InvokerFactory.
func (f *Factory) Invoker(m registry.AgentManifest) (registry.Invoker, error) {
	if m.Endpoint == "" {
		return nil, errors.New(errors.CodeValidation, "remote agent has no endpoint", nil).WithContext("agent_id", m.AgentID)
	}
	switch m.Transport {
	case registry.TransportMCP:
		f.logger.Debug("agentclient.invoker", slog.String("agent_id", m.AgentID), slog.String("transport", "mcp"))
		return NewMCPInvoker(m.AgentID, StreamableHTTP(m.Endpoint), WithToolCacheTTL(f.cfg.ToolCacheTTL)), nil
	case registry.TransportHTTP, "":
		f.logger.Debug("agentclient.invoker", slog.String("agent_id", m.AgentID), slog.String("transport", "http"))
		return NewHTTPInvoker(m.AgentID, m.Endpoint, f.client), nil
	default:
		return nil, errors.New(errors.CodeValidation, "unsupported transport", nil).
			WithContext("agent_id", m.AgentID).
			WithContext("transport", string(m.Transport))
	}
}

// Prober returns a health prober sharing the factory's HTTP client.
func (f *Factory) Prober() *Prober {
	return &Prober{client: f.client, timeout: f.cfg.ProbeTimeout}
}

// Prober checks an agent's health_check URL; any 2xx answer is healthy.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// Probe implements registry.Prober.
func (p *Prober) Probe(ctx context.Context, m registry.AgentManifest) error {
	if m.HealthCheck == "" {
		return nil
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.HealthCheck, nil)
	if err != nil {
		return errors.New(errors.CodeValidation, "build health request", err).WithContext("agent_id", m.AgentID)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.New(errors.CodeAgentUnavailable, "health check failed", err).WithContext("agent_id", m.AgentID)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(errors.CodeAgentUnavailable, "health check returned "+resp.Status, nil).
			WithContext("agent_id", m.AgentID).
			WithContext("http_status", resp.StatusCode)
	}
	return nil
}

var (
	_ registry.Invoker = (*HTTPInvoker)(nil)
	_ registry.Invoker = (*MCPInvoker)(nil)
	_ registry.Prober  = (*Prober)(nil)
	_ io.Closer        = (*MCPInvoker)(nil)
)
