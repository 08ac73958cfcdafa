// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	serrors "github.com/jllopis/steward/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	config := DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	err := config.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	config := DefaultRetryConfig().WithMaxAttempts(2).WithInitialDelay(time.Millisecond)
	err := config.Do(context.Background(), func() error {
		attempts++
		return errors.New("always fails")
	})

	if err == nil {
		t.Errorf("expected error after max attempts")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryTerminalErrorStops(t *testing.T) {
	attempts := 0
	config := DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	err := config.Do(context.Background(), func() error {
		attempts++
		return serrors.New(serrors.CodePolicyDenied, "denied", nil)
	})

	if !serrors.IsCode(err, serrors.CodePolicyDenied) {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := DefaultRetryConfig().WithInitialDelay(200 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := config.Do(ctx, func() error {
		attempts++
		return errors.New("transient error")
	})

	if !serrors.IsCode(err, serrors.CodeCanceled) {
		t.Errorf("expected CANCELED, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestBackoffSchedule(t *testing.T) {
	config := DefaultRetryConfig()
	config.Jitter = 0

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := config.Backoff(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}

	config.MaxDelay = 300 * time.Millisecond
	if got := config.Backoff(3); got != 300*time.Millisecond {
		t.Errorf("expected cap at 300ms, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	config := DefaultRetryConfig()
	for i := 0; i < 100; i++ {
		got := config.Backoff(1)
		if got < 160*time.Millisecond || got > 240*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %v", got)
		}
	}
}

func TestCircuitBreakerClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Name: "test"})

	for i := 0; i < 5; i++ {
		err := cb.Call(context.Background(), func(context.Context) error { return nil })
		if err != nil {
			t.Errorf("call %d failed: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("expected state to remain Closed after success")
	}
}

func TestCircuitBreakerOpensAfterKFailures(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		Name:             "mail-agent",
		Now:              clock.Now,
	})

	calls := 0
	for i := 0; i < 5; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error {
			calls++
			return errors.New("failure")
		})
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected Open after 5 failures, got %s", cb.State())
	}

	err := cb.Call(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if !serrors.IsCode(err, serrors.CodeAgentUnavailable) {
		t.Fatalf("expected AGENT_UNAVAILABLE, got %v", err)
	}
	if serrors.IsRecoverable(err) {
		t.Fatal("a rejection by an open circuit must not be retried")
	}
	if calls != 5 {
		t.Fatalf("expected no call attempted while open, got %d calls", calls)
	}
}

func TestCircuitBreakerWindowResetsCount(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		Window:           10 * time.Second,
		Now:              clock.Now,
	})

	cb.Record(false)
	cb.Record(false)
	clock.Advance(11 * time.Second)
	cb.Record(false)
	if cb.State() != StateClosed {
		t.Fatalf("failures spread beyond the window must not open the circuit")
	}
	cb.Record(false)
	cb.Record(false)
	if cb.State() != StateOpen {
		t.Fatalf("expected Open after 3 failures inside the window")
	}
}

func TestCircuitBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2})
	cb.Record(false)
	cb.Record(true)
	cb.Record(false)
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the circuit")
	}
}

func TestCircuitBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock()
	var transitions []CircuitBreakerState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Now:              clock.Now,
		OnTransition: func(_ string, _, to CircuitBreakerState) {
			transitions = append(transitions, to)
		},
	})

	cb.Record(false)
	if err := cb.Allow(); err == nil {
		t.Fatalf("expected rejection during cooldown")
	}

	clock.Advance(time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected probe to be admitted: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HalfOpen, got %s", cb.State())
	}
	if err := cb.Allow(); err == nil {
		t.Fatalf("expected second concurrent probe to be rejected")
	}

	cb.Record(true)
	if cb.State() != StateClosed {
		t.Fatalf("expected Closed after successful probe, got %s", cb.State())
	}

	want := []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("unexpected transitions: %v", transitions)
		}
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second, Now: clock.Now})

	cb.Record(false)
	clock.Advance(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected probe: %v", err)
	}
	cb.Record(false)
	if cb.State() != StateOpen {
		t.Fatalf("expected Open after failed probe, got %s", cb.State())
	}
	if err := cb.Allow(); err == nil {
		t.Fatalf("expected fail-fast after failed probe")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Name: "test"})
	cb.Record(false)
	if cb.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("expected state Closed after reset")
	}
	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("call failed after reset: %v", err)
	}
}

func TestCallWithTimeout(t *testing.T) {
	_, err := CallWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	if !serrors.IsCode(err, serrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}

	got, err := CallWithTimeout(context.Background(), time.Second, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("expected ok, got %q %v", got, err)
	}
}

func TestCallWithTimeoutParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CallWithTimeout(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !serrors.IsCode(err, serrors.CodeCanceled) {
		t.Fatalf("expected CANCELED, got %v", err)
	}
}
