// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/coordinator"
	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/registry"
)

// client talks to the coordinator HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

type agentInfo struct {
	Manifest registry.AgentManifest `json:"manifest"`
	Health   *registry.Health       `json:"health,omitempty"`
}

type capabilityInfo struct {
	AgentID string `json:"agent_id"`
	registry.Capability
}

func newClient(flags globalFlags) *client {
	return &client{
		baseURL: strings.TrimRight(flags.HTTPURL, "/"),
		http:    &http.Client{Timeout: flags.Timeout},
	}
}

func (c *client) ListAgents(ctx context.Context) ([]agentInfo, error) {
	var out struct {
		Agents []agentInfo `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/agents/", nil, &out)
	return out.Agents, err
}

func (c *client) ListCapabilities(ctx context.Context) ([]capabilityInfo, error) {
	var out struct {
		Capabilities []capabilityInfo `json:"capabilities"`
	}
	err := c.do(ctx, http.MethodGet, "/capabilities", nil, &out)
	return out.Capabilities, err
}

// Process sends a request. The HTTP client timeout is lifted because a
// gated task waits for its approval.
func (c *client) Process(ctx context.Context, req coordinator.Request) (*coordinator.Response, error) {
	var out coordinator.Response
	cc := *c
	cc.http = &http.Client{}
	if err := cc.do(ctx, http.MethodPost, "/coordinator/process", req, &out); err != nil {
		// Denied and failed requests still carry a full response body.
		if out.RequestID != "" {
			return &out, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *client) ListApprovals(ctx context.Context, filter approval.Filter) ([]approval.Request, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.PlanID != "" {
		q.Set("plan_id", filter.PlanID)
	}
	if filter.SessionID != "" {
		q.Set("session_id", filter.SessionID)
	}
	path := "/approvals/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Approvals []approval.Request `json:"approvals"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Approvals, err
}

func (c *client) Resolve(ctx context.Context, proposalID string, approved bool, reason string) (*approval.Request, error) {
	action := "reject"
	if approved {
		action = "approve"
	}
	var out approval.Request
	err := c.do(ctx, http.MethodPost, "/approvals/"+url.PathEscape(proposalID)+"/"+action,
		map[string]string{"reason": reason}, &out)
	if err != nil {
		if out.ProposalID != "" && out.Status.Terminal() {
			return &out, fmt.Errorf("proposal %s was already %s", proposalID, out.Status)
		}
		return nil, err
	}
	return &out, nil
}

// do sends body as JSON and decodes the answer into out. Problem documents
// become typed errors; other error bodies are decoded into out as well.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.New(errors.CodeTimeout, method+" "+path+" timed out", err).
				WithContext("elapsed", time.Since(start).String())
		}
		return WrapConnectionError(err, c.baseURL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/problem+json") {
		var p struct {
			Title   string         `json:"title"`
			Detail  string         `json:"detail"`
			Context map[string]any `json:"context"`
		}
		if json.Unmarshal(data, &p) == nil && p.Title != "" {
			e := errors.New(errors.ErrorCode(p.Title), p.Detail, nil)
			for k, v := range p.Context {
				e = e.WithContext(k, v)
			}
			return NewCLIError(e, hintFor(e.Code))
		}
	}
	if out != nil {
		_ = json.Unmarshal(data, out)
	}
	return errors.Newf(errors.CodeInternal, "%s %s: unexpected status %d", method, path, resp.StatusCode)
}
