// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package agenttest provides scripted capability agents and fixture
// manifests for exercising the coordinator without real agents.
package agenttest

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jllopis/steward/pkg/registry"
)

// Response is one scripted answer.
type Response struct {
	Output map[string]any
	Error  error
	// Delay is applied before answering and honors cancellation.
	Delay time.Duration
}

// Agent is a scripted registry.Invoker. Scripted responses are consumed in
// order per verb; when a verb runs out, the default for that verb applies.
type Agent struct {
	mu        sync.Mutex
	scripts   map[string][]Response
	defaults  map[string]Response
	calls     []registry.Invocation
	onInvoke  func(ctx context.Context, inv registry.Invocation) (map[string]any, error)
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

// NewAgent creates an agent that answers every verb with an empty object.
func NewAgent() *Agent {
	return &Agent{
		scripts:  make(map[string][]Response),
		defaults: make(map[string]Response),
	}
}

// Script queues responses for verb.
func (a *Agent) Script(verb string, responses ...Response) *Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[verb] = append(a.scripts[verb], responses...)
	return a
}

// Default sets the response used once the script for verb is exhausted.
func (a *Agent) Default(verb string, resp Response) *Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaults[verb] = resp
	return a
}

// Fail makes every call to verb fail with err.
func (a *Agent) Fail(verb string, err error) *Agent {
	return a.Default(verb, Response{Error: err})
}

// WithInvokeFunc replaces scripting with fn.
func (a *Agent) WithInvokeFunc(fn func(ctx context.Context, inv registry.Invocation) (map[string]any, error)) *Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onInvoke = fn
	return a
}

// Invoke implements registry.Invoker.
func (a *Agent) Invoke(ctx context.Context, inv registry.Invocation) (map[string]any, error) {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		cur := a.maxFlight.Load()
		if n <= cur || a.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	a.mu.Lock()
	a.calls = append(a.calls, inv)
	fn := a.onInvoke
	resp, ok := a.next(inv.Verb)
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, inv)
	}
	if !ok {
		return map[string]any{}, nil
	}
	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return maps.Clone(resp.Output), nil
}

func (a *Agent) next(verb string) (Response, bool) {
	if queue := a.scripts[verb]; len(queue) > 0 {
		a.scripts[verb] = queue[1:]
		return queue[0], true
	}
	resp, ok := a.defaults[verb]
	return resp, ok
}

// Calls returns the recorded invocations.
func (a *Agent) Calls() []registry.Invocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]registry.Invocation(nil), a.calls...)
}

// CallCount returns how many invocations targeted verb. An empty verb counts
// every invocation.
func (a *Agent) CallCount(verb string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if verb == "" || c.Verb == verb {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrent invocations seen.
func (a *Agent) MaxInFlight() int {
	return int(a.maxFlight.Load())
}

// Reset clears scripts and recorded calls.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = make(map[string][]Response)
	a.calls = nil
}

// TransientError is a retryable failure that is not a typed coordinator
// error.
type TransientError struct{ Attempt int }

func (e TransientError) Error() string {
	return fmt.Sprintf("transient failure (attempt %d)", e.Attempt)
}
