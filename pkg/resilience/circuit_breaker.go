// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides the circuit breaker, retry and timeout primitives
// used by the registry and executor.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/steward/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means the circuit breaker is working normally.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means the circuit breaker is failing fast.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means a single probe call is allowed through.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// Level maps the state to the gauge value used by metrics (0=open, 1=half-open, 2=closed).
func (s CircuitBreakerState) Level() int64 {
	switch s {
	case StateOpen:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures (K) that opens the circuit.
	FailureThreshold int

	// Window bounds how far apart the K failures may be (W). Zero means unbounded.
	Window time.Duration

	// Cooldown is how long the circuit stays open before a probe is allowed (T).
	Cooldown time.Duration

	// Name is the circuit breaker identifier for logging/metrics.
	Name string

	// OnTransition is invoked outside the lock after every state change.
	OnTransition func(name string, from, to CircuitBreakerState)

	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// CircuitBreaker isolates a failing dependency: closed, open, half-open.
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	mu            sync.Mutex
	state         CircuitBreakerState
	failures      int
	firstFailure  time.Time
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. An open circuit, or a half-open
// circuit whose probe is already in flight, returns AgentUnavailable.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	var err error
	switch cb.state {
	case StateOpen:
		if cb.config.Now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.state = StateHalfOpen
			cb.probeInFlight = true
		} else {
			err = cb.rejection("circuit breaker open")
		}
	case StateHalfOpen:
		if cb.probeInFlight {
			err = cb.rejection("circuit breaker probing")
		} else {
			cb.probeInFlight = true
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return err
}

// Record updates the breaker with the outcome of an admitted call.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	from := cb.state
	now := cb.config.Now()
	switch cb.state {
	case StateHalfOpen:
		cb.probeInFlight = false
		if success {
			cb.state = StateClosed
			cb.failures = 0
		} else {
			cb.state = StateOpen
			cb.openedAt = now
		}
	case StateClosed:
		if success {
			cb.failures = 0
			break
		}
		if cb.failures == 0 || (cb.config.Window > 0 && now.Sub(cb.firstFailure) > cb.config.Window) {
			cb.failures = 0
			cb.firstFailure = now
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = now
			cb.failures = 0
		}
	}
	// Late results from calls admitted before the circuit opened are ignored.
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Call executes fn if the circuit breaker allows, tracking success/failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err == nil)
	return err
}

// State returns the current circuit breaker state. An open circuit whose
// cooldown elapsed is still reported open until a call probes it.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count in the closed state.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probeInFlight = false
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Open manually forces the circuit breaker to open state.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateOpen
	cb.openedAt = cb.config.Now()
	cb.probeInFlight = false
	cb.mu.Unlock()
	cb.notify(from, StateOpen)
}

func (cb *CircuitBreaker) rejection(msg string) error {
	return errors.New(errors.CodeAgentUnavailable, msg, nil).
		WithContext("breaker", cb.config.Name).
		WithContext("cooldown", cb.config.Cooldown.String()).
		WithRecoverable(false)
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from == to || cb.config.OnTransition == nil {
		return
	}
	cb.config.OnTransition(cb.config.Name, from, to)
}
