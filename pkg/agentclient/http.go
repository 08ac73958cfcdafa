// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/registry"
)

// Headers set on every HTTP invocation.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderPlanID         = "X-Steward-Plan-Id"
	HeaderTaskID         = "X-Steward-Task-Id"
	HeaderAttempt        = "X-Steward-Attempt"
)

// maxBody bounds how much of an agent response is read.
const maxBody = 8 << 20

// InvokeRequest is the body POSTed to {endpoint}/invoke.
type InvokeRequest struct {
	Verb       string         `json:"verb"`
	Input      map[string]any `json:"input"`
	ProposalID string         `json:"proposal_id,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
}

// InvokeResponse is the body an agent answers with.
type InvokeResponse struct {
	Output map[string]any `json:"output"`
	Error  *ErrorBody     `json:"error,omitempty"`
}

// ErrorBody describes an agent-side failure.
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// HTTPInvoker calls an agent over JSON/HTTP.
type HTTPInvoker struct {
	agentID  string
	endpoint string
	client   *http.Client
}

// NewHTTPInvoker creates an invoker for the agent served at endpoint.
func NewHTTPInvoker(agentID, endpoint string, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker{
		agentID:  agentID,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

// Invoke implements registry.Invoker. Write invocations carry the proposal
// id as the idempotency key.
func (h *HTTPInvoker) Invoke(ctx context.Context, inv registry.Invocation) (map[string]any, error) {
	body, err := json.Marshal(InvokeRequest{
		Verb:       inv.Verb,
		Input:      inv.Input,
		ProposalID: inv.ProposalID,
		PlanID:     inv.PlanID,
		TaskID:     inv.TaskID,
		Attempt:    inv.Attempt,
	})
	if err != nil {
		return nil, errors.New(errors.CodeValidation, "encode invocation", err).WithContext("verb", inv.Verb)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.CodeValidation, "build agent request", err).WithContext("agent_id", h.agentID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if inv.ProposalID != "" {
		req.Header.Set(HeaderIdempotencyKey, inv.ProposalID)
	}
	if inv.PlanID != "" {
		req.Header.Set(HeaderPlanID, inv.PlanID)
	}
	if inv.TaskID != "" {
		req.Header.Set(HeaderTaskID, inv.TaskID)
	}
	req.Header.Set(HeaderAttempt, strconv.Itoa(inv.Attempt))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.CodeAgentUnavailable, "call agent", err).
			WithContext("agent_id", h.agentID).
			WithContext("verb", inv.Verb)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.New(errors.CodeAgentUnavailable, "read agent response", err).WithContext("agent_id", h.agentID)
	}
	var out InvokeResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return nil, errors.New(errors.CodeValidation, "agent returned malformed JSON", err).
				WithContext("agent_id", h.agentID).
				WithContext("verb", inv.Verb)
		}
	}
	if resp.StatusCode >= 300 || out.Error != nil {
		return nil, statusError(h.agentID, inv.Verb, resp.StatusCode, out.Error)
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return out.Output, nil
}

// statusError maps an agent failure onto the error taxonomy. Denials the
// agent reports keep their code; everything else is classified by status.
func statusError(agentID, verb string, status int, body *ErrorBody) error {
	msg := http.StatusText(status)
	if body != nil && body.Message != "" {
		msg = body.Message
	}
	var code errors.ErrorCode
	if body != nil {
		switch c := errors.ErrorCode(body.Code); c {
		case errors.CodePolicyDenied, errors.CodeValidation, errors.CodeTimeout:
			code = c
		}
	}
	if code == "" {
		switch {
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			code = errors.CodeTimeout
		case status == http.StatusTooManyRequests || status >= 500:
			code = errors.CodeAgentUnavailable
		case status >= 400:
			code = errors.CodeValidation
		default:
			code = errors.CodeAgentUnavailable
		}
	}
	return errors.New(code, fmt.Sprintf("agent %s: %s", agentID, msg), nil).
		WithContext("agent_id", agentID).
		WithContext("verb", verb).
		WithContext("http_status", status)
}
