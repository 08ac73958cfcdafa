// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package agentclient

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/registry"
)

const (
	defaultToolCacheTTL = 30 * time.Second
	defaultInitTimeout  = 10 * time.Second
	clientName          = "steward-coordinator"
	clientVersion       = "0.1.0"
)

// Dialer opens an initialized MCP client session.
type Dialer func(ctx context.Context) (client.MCPClient, error)

// MCPOption customizes an MCPInvoker.
type MCPOption func(*MCPInvoker)

// WithToolCacheTTL sets how long the tool list is cached. Zero disables
// caching.
func WithToolCacheTTL(ttl time.Duration) MCPOption {
	return func(m *MCPInvoker) {
		if ttl >= 0 {
			m.cacheTTL = ttl
		}
	}
}

// MCPInvoker calls capabilities exposed as MCP tools; each verb is served by
// the tool of the same name. The session is opened on first use and reopened
// after a failed call.
type MCPInvoker struct {
	agentID  string
	dial     Dialer
	cacheTTL time.Duration

	mu          sync.Mutex
	conn        client.MCPClient
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewMCPInvoker creates an invoker that connects through dial.
func NewMCPInvoker(agentID string, dial Dialer, opts ...MCPOption) *MCPInvoker {
	m := &MCPInvoker{
		agentID:  agentID,
		dial:     dial,
		cacheTTL: defaultToolCacheTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StreamableHTTP dials an MCP server over Streamable HTTP.
func StreamableHTTP(endpoint string) Dialer {
	return func(ctx context.Context) (client.MCPClient, error) {
		c, err := client.NewStreamableHttpClient(endpoint)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			c.Close()
			return nil, err
		}
		if err := initialize(ctx, c); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
}

func initialize(ctx context.Context, c client.MCPClient) error {
	ctx, cancel := context.WithTimeout(ctx, defaultInitTimeout)
	defer cancel()
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	_, err := c.Initialize(ctx, req)
	return err
}

// Invoke implements registry.Invoker.
func (m *MCPInvoker) Invoke(ctx context.Context, inv registry.Invocation) (map[string]any, error) {
	tools, err := m.Tools(ctx)
	if err != nil {
		return nil, err
	}
	if !slices.ContainsFunc(tools, func(t mcp.Tool) bool { return t.Name == inv.Verb }) {
		return nil, errors.New(errors.CodeCapabilityNotFound, "agent does not expose the tool", nil).
			WithContext("agent_id", m.agentID).
			WithContext("verb", inv.Verb)
	}

	conn, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = inv.Verb
	req.Params.Arguments = inv.Input
	if inv.ProposalID != "" || inv.PlanID != "" {
		req.Params.Meta = &mcp.Meta{AdditionalFields: map[string]any{
			"proposal_id": inv.ProposalID,
			"plan_id":     inv.PlanID,
			"task_id":     inv.TaskID,
			"attempt":     inv.Attempt,
		}}
	}
	res, err := conn.CallTool(ctx, req)
	if err != nil {
		m.reset(conn)
		return nil, errors.New(errors.CodeAgentUnavailable, "call MCP tool", err).
			WithContext("agent_id", m.agentID).
			WithContext("verb", inv.Verb)
	}
	return decodeResult(m.agentID, inv.Verb, res)
}

// Tools lists the tools the agent exposes, cached for the configured TTL.
func (m *MCPInvoker) Tools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := m.cachedTools(); cached != nil {
		return cached, nil
	}
	conn, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	res, err := conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		m.reset(conn)
		return nil, errors.New(errors.CodeAgentUnavailable, "list MCP tools", err).WithContext("agent_id", m.agentID)
	}
	m.storeTools(res.Tools)
	return res.Tools, nil
}

// Ping checks the session is alive.
func (m *MCPInvoker) Ping(ctx context.Context) error {
	conn, err := m.session(ctx)
	if err != nil {
		return err
	}
	if err := conn.Ping(ctx); err != nil {
		m.reset(conn)
		return errors.New(errors.CodeAgentUnavailable, "ping MCP agent", err).WithContext("agent_id", m.agentID)
	}
	return nil
}

// Close closes the session, if any.
func (m *MCPInvoker) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.toolsCache = nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (m *MCPInvoker) session(ctx context.Context) (client.MCPClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, errors.New(errors.CodeAgentUnavailable, "connect to MCP agent", err).WithContext("agent_id", m.agentID)
	}
	m.conn = conn
	return conn, nil
}

// reset drops conn so the next call dials again.
func (m *MCPInvoker) reset(conn client.MCPClient) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.toolsCache = nil
	m.mu.Unlock()
	conn.Close()
}

func (m *MCPInvoker) cachedTools() []mcp.Tool {
	if m.cacheTTL == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.toolsCache) == 0 || time.Now().After(m.cacheExpiry) {
		return nil
	}
	return slices.Clone(m.toolsCache)
}

func (m *MCPInvoker) storeTools(tools []mcp.Tool) {
	if m.cacheTTL == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolsCache = slices.Clone(tools)
	m.cacheExpiry = time.Now().Add(m.cacheTTL)
}

// decodeResult turns a tool result into an output object. Structured
// content wins; otherwise text content is parsed as a JSON object and falls
// back to {"text": ...}.
func decodeResult(agentID, verb string, res *mcp.CallToolResult) (map[string]any, error) {
	var texts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			texts = append(texts, tc.Text)
		case *mcp.TextContent:
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(errors.CodeAgentUnavailable, text, nil).
			WithRecoverable(false).
			WithContext("agent_id", agentID).
			WithContext("verb", verb)
	}
	if out, ok := res.StructuredContent.(map[string]any); ok {
		return out, nil
	}
	if text == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	return map[string]any{"text": text}, nil
}
