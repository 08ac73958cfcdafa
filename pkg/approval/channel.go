// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/resilience"
)

// Channel delivers approval requests to a human. Decisions come back
// asynchronously through Gate.Resolve.
type Channel interface {
	Notify(ctx context.Context, req Request) error
}

// Listener is implemented by channels that also want terminal decisions.
type Listener interface {
	Resolved(ctx context.Context, req Request)
}

// ChannelFunc adapts a function to a Channel.
type ChannelFunc func(ctx context.Context, req Request) error

// Notify calls f.
func (f ChannelFunc) Notify(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Channels fans a request out to several channels. Notification succeeds
// when at least one channel accepted it.
type Channels []Channel

// Notify delivers req to every channel.
func (cs Channels) Notify(ctx context.Context, req Request) error {
	if len(cs) == 0 {
		return nil
	}
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Notify(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(cs) {
		return stderrors.Join(errs...)
	}
	return nil
}

// Resolved forwards decisions to the channels that listen for them.
func (cs Channels) Resolved(ctx context.Context, req Request) {
	for _, c := range cs {
		if l, ok := c.(Listener); ok {
			l.Resolved(ctx, req)
		}
	}
}

// Webhook posts approval requests as JSON to an external approval UX.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	Retry   resilience.RetryConfig
}

// NewWebhook creates a webhook channel with the default retry policy.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Retry:  resilience.DefaultRetryConfig(),
	}
}

type webhookPayload struct {
	Type    string  `json:"type"`
	Request Request `json:"approval"`
}

// Notify posts the pending request.
func (w *Webhook) Notify(ctx context.Context, req Request) error {
	return w.post(ctx, webhookPayload{Type: "approval.requested", Request: req})
}

// Resolved posts the terminal decision. Failures are dropped.
func (w *Webhook) Resolved(ctx context.Context, req Request) {
	_ = w.post(ctx, webhookPayload{Type: "approval.resolved", Request: req})
}

func (w *Webhook) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	return w.Retry.Do(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return errors.New(errors.CodeValidation, "invalid webhook request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", payload.Request.ProposalID)
		for k, v := range w.Headers {
			httpReq.Header.Set(k, v)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return errors.New(errors.CodeAgentUnavailable, "approval webhook unreachable", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return errors.New(errors.CodeAgentUnavailable, fmt.Sprintf("approval webhook returned %d", resp.StatusCode), nil)
		case resp.StatusCode >= 300:
			return errors.New(errors.CodeValidation, fmt.Sprintf("approval webhook returned %d", resp.StatusCode), nil)
		}
		return nil
	})
}
