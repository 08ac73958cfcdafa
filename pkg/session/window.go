// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package session

// Window keeps only the last MaxTurns turns of history.
type Window struct {
	MaxTurns int
	// KeepSystem preserves system turns regardless of the window.
	KeepSystem bool
}

// Apply truncates history. A non-positive MaxTurns disables truncation.
func (w Window) Apply(history []Turn) []Turn {
	if w.MaxTurns <= 0 || len(history) <= w.MaxTurns {
		return history
	}
	if !w.KeepSystem {
		return append([]Turn(nil), history[len(history)-w.MaxTurns:]...)
	}

	var system, other []Turn
	for _, t := range history {
		if t.Role == RoleSystem {
			system = append(system, t)
		} else {
			other = append(other, t)
		}
	}
	available := max(w.MaxTurns-len(system), 0)
	if len(other) > available {
		other = other[len(other)-available:]
	}
	out := make([]Turn, 0, len(system)+len(other))
	out = append(out, system...)
	return append(out, other...)
}
