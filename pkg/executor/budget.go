// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/steward/pkg/errors"
)

// errWallClock is the cancellation cause of a run whose budget ran out.
var errWallClock error = errors.New(errors.CodeTimeout, "plan wall-clock budget exceeded", nil)

// budget is the plan deadline. It does not run while any branch is
// suspended on an approval, so the approval timeout decides those waits.
type budget struct {
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	timer     *time.Timer
	remaining time.Duration
	since     time.Time
	waiting   int
	stopped   bool
}

// startBudget derives the run context. A zero d means no deadline.
func startBudget(ctx context.Context, d time.Duration) (context.Context, *budget) {
	ctx, cancel := context.WithCancelCause(ctx)
	b := &budget{cancel: cancel, remaining: d, since: time.Now()}
	if d > 0 {
		b.timer = time.AfterFunc(d, func() { cancel(errWallClock) })
	}
	return ctx, b
}

// pause stops the clock for one approval wait.
func (b *budget) pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiting++
	if b.waiting > 1 || b.timer == nil {
		return
	}
	if b.timer.Stop() {
		b.remaining -= time.Since(b.since)
		b.stopped = true
	}
}

// resume restarts the clock once the last approval wait is over.
func (b *budget) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiting--
	if b.waiting > 0 || !b.stopped {
		return
	}
	b.stopped = false
	if b.remaining <= 0 {
		b.cancel(errWallClock)
		return
	}
	b.since = time.Now()
	b.timer.Reset(b.remaining)
}

// budgetExceeded reports whether ctx was cut by the plan budget.
func budgetExceeded(ctx context.Context) bool {
	return context.Cause(ctx) == errWallClock
}

func (b *budget) stop() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
	b.cancel(nil)
}
