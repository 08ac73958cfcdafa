// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// Match selects the events a subscriber receives. Empty fields match
// everything.
type Match struct {
	PlanID    string
	SessionID string
	Types     []Type
}

func (m Match) matches(ev Event) bool {
	if m.PlanID != "" && ev.PlanID != m.PlanID {
		return false
	}
	if m.SessionID != "" && ev.SessionID != m.SessionID {
		return false
	}
	return len(m.Types) == 0 || slices.Contains(m.Types, ev.Type)
}

type subscriber struct {
	ch    chan Event
	match Match
}

// Stream is an in-process broadcaster. Slow subscribers lose events rather
// than blocking the executor.
type Stream struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	next    uint64
	closed  bool
	dropped atomic.Uint64
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel.
func (s *Stream) Subscribe(buffer int, match Match) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.next
	s.next++
	s.subs[id] = &subscriber{ch: ch, match: match}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Emit implements Emitter.
func (s *Stream) Emit(_ context.Context, ev Event) {
	ev = normalize(ev)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.match.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}
