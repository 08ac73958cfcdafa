// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package session persists per-conversation state and serializes requests
// that target the same session.
package session

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jllopis/steward/pkg/errors"
)

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	RequestID string    `json:"request_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// State is the conversation state owned by the plan currently executing
// for the session.
type State struct {
	SessionID           string         `json:"session_id"`
	History             []Turn         `json:"history"`
	Scratchpad          map[string]any `json:"scratchpad"`
	StepBudgetRemaining int            `json:"step_budget_remaining"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// New returns an empty state for id.
func New(id string) *State {
	return &State{SessionID: id, Scratchpad: map[string]any{}}
}

// Clone returns a copy that shares no mutable containers with s. Scratchpad
// values are copied one level deep.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.History = slices.Clone(s.History)
	out.Scratchpad = maps.Clone(s.Scratchpad)
	if out.Scratchpad == nil {
		out.Scratchpad = map[string]any{}
	}
	return &out
}

// Append adds a turn stamped with now when At is zero.
func (s *State) Append(turn Turn) {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	s.History = append(s.History, turn)
}

// Recent returns up to n of the latest turns' contents, oldest first.
func (s *State) Recent(n int) []string {
	if s == nil || n <= 0 {
		return nil
	}
	start := max(len(s.History)-n, 0)
	out := make([]string, 0, len(s.History)-start)
	for _, t := range s.History[start:] {
		out = append(out, t.Content)
	}
	return out
}

// Store persists session state.
type Store interface {
	// Load returns the stored state or a fresh one when the session is new.
	Load(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*State)}
}

// Load returns a copy of the stored state.
func (m *MemoryStore) Load(_ context.Context, id string) (*State, error) {
	if id == "" {
		return nil, errors.New(errors.CodeValidation, "session id is required", nil)
	}
	m.mu.RLock()
	st, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return New(id), nil
	}
	return st.Clone(), nil
}

// Save stores a copy of state.
func (m *MemoryStore) Save(_ context.Context, state *State) error {
	if state == nil || state.SessionID == "" {
		return errors.New(errors.CodeValidation, "session id is required", nil)
	}
	st := state.Clone()
	st.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.sessions[st.SessionID] = st
	m.mu.Unlock()
	state.UpdatedAt = st.UpdatedAt
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func encodeState(state *State) ([]byte, error) {
	return json.Marshal(state)
}

func decodeState(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Scratchpad == nil {
		st.Scratchpad = map[string]any{}
	}
	return &st, nil
}
