// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"

	"github.com/jllopis/steward/pkg/errors"
)

// Locker serializes work per session. Waiters are served in arrival order
// and may give up through their context.
type Locker struct {
	mu       sync.Mutex
	sessions map[string]*queue
}

type queue struct {
	waiters []chan struct{}
}

// NewLocker creates a Locker.
func NewLocker() *Locker {
	return &Locker{sessions: make(map[string]*queue)}
}

// Lock blocks until the session is free or ctx is done. The returned
// function releases the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	q, held := l.sessions[id]
	if !held {
		l.sessions[id] = &queue{}
		l.mu.Unlock()
		return l.releaser(id), nil
	}
	turn := make(chan struct{})
	q.waiters = append(q.waiters, turn)
	l.mu.Unlock()

	select {
	case <-turn:
		return l.releaser(id), nil
	case <-ctx.Done():
		l.mu.Lock()
		removed := false
		for i, w := range q.waiters {
			if w == turn {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				removed = true
				break
			}
		}
		l.mu.Unlock()
		if !removed {
			// The lock was handed over while we were leaving.
			l.release(id)
		}
		return nil, errors.New(errors.CodeCanceled, "session busy", ctx.Err()).WithContext("session_id", id)
	}
}

// Waiting reports how many requests are queued behind the holder.
func (l *Locker) Waiting(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.sessions[id]; ok {
		return len(q.waiters)
	}
	return 0
}

func (l *Locker) releaser(id string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(id) }) }
}

func (l *Locker) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.sessions[id]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.sessions, id)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
