// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"sync"
)

// Collector records every event it receives. It is meant for tests and
// for debugging a single request.
type Collector struct {
	mu     sync.RWMutex
	events []Event
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Emit implements Emitter.
func (c *Collector) Emit(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, normalize(ev))
}

// Events returns all collected events.
func (c *Collector) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Types returns the types of all collected events in arrival order.
func (c *Collector) Types() []Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]Type, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}

// OfType returns the events of type t.
func (c *Collector) OfType(t Type) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Has reports whether an event of type t was collected.
func (c *Collector) Has(t Type) bool {
	return len(c.OfType(t)) > 0
}

// Count returns the number of collected events.
func (c *Collector) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Reset clears all collected events.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
