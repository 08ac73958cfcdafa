// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"strings"

	"github.com/jllopis/steward/pkg/errors"
)

// findCycle returns the first cycle found in the graph as a path in
// execution order (dependency first) whose last element repeats the first,
// or nil when the graph is acyclic. nodes fixes the visiting order so the
// reported cycle is deterministic.
func findCycle(nodes []string, deps map[string][]string) []string {
	succ := successors(nodes, deps)
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(nodes))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range succ[n] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range nodes {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

// topoOrder returns nodes in dependency order. Among ready nodes the one
// that comes first in nodes wins. The graph must be acyclic.
func topoOrder(nodes []string, deps map[string][]string) []string {
	rank := make(map[string]int, len(nodes))
	for i, n := range nodes {
		rank[n] = i
	}
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indegree[n] = len(deps[n])
	}
	succ := successors(nodes, deps)

	out := make([]string, 0, len(nodes))
	done := make(map[string]bool, len(nodes))
	for len(out) < len(nodes) {
		next := ""
		for _, n := range nodes {
			if !done[n] && indegree[n] == 0 && (next == "" || rank[n] < rank[next]) {
				next = n
			}
		}
		if next == "" {
			break
		}
		done[next] = true
		out = append(out, next)
		for _, s := range succ[next] {
			indegree[s]--
		}
	}
	return out
}

func successors(nodes []string, deps map[string][]string) map[string][]string {
	succ := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, d := range deps[n] {
			succ[d] = append(succ[d], n)
		}
	}
	return succ
}

func cycleError(path []string) error {
	return errors.New(errors.CodeCycleDetected, "plan dependency graph contains a cycle: "+strings.Join(path, " -> "), nil).
		WithContext("cycle", path)
}
