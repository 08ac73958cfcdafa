// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/session"
)

// Classifier maps free text to the capability verbs that satisfy it.
// Implementations must not mutate the session.
type Classifier interface {
	Classify(ctx context.Context, text string, state *session.State) (Intent, error)
}

// ClassifierFunc adapts a function to a Classifier.
type ClassifierFunc func(ctx context.Context, text string, state *session.State) (Intent, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, text string, state *session.State) (Intent, error) {
	return f(ctx, text, state)
}

// Match modes for route keywords.
const (
	MatchAny = "any"
	MatchAll = "all"
)

// Route maps keywords in a request to a fixed set of verbs.
type Route struct {
	Name     string                    `json:"name" yaml:"name" validate:"required"`
	Keywords []string                  `json:"keywords" yaml:"keywords" validate:"required,min=1,dive,required"`
	Match    string                    `json:"match,omitempty" yaml:"match,omitempty" validate:"omitempty,oneof=any all"`
	Priority int                       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Verbs    []string                  `json:"verbs" yaml:"verbs" validate:"required,min=1"`
	After    map[string][]string       `json:"after,omitempty" yaml:"after,omitempty"`
	Input    map[string]map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// score returns the number of matched keywords, or 0 when the route does
// not apply to text.
func (r Route) score(text string) int {
	hits := 0
	for _, kw := range r.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			hits++
		}
	}
	if r.Match == MatchAll && hits != len(r.Keywords) {
		return 0
	}
	return hits
}

func (r Route) intent() Intent {
	in := Intent{
		Verbs: slices.Clone(r.Verbs),
		Route: r.Name,
	}
	if len(r.After) > 0 {
		in.After = make(map[string][]string, len(r.After))
		for k, v := range r.After {
			in.After[k] = slices.Clone(v)
		}
	}
	if len(r.Input) > 0 {
		in.Inputs = make(map[string]map[string]any, len(r.Input))
		for k, v := range r.Input {
			in.Inputs[k] = maps.Clone(v)
		}
	}
	return in
}

// TemplateClassifier picks the route with the most keyword hits. Ties go
// to the higher priority, then to the route declared first. Routes can be
// swapped at runtime.
type TemplateClassifier struct {
	routes atomic.Pointer[[]Route]
}

// NewTemplateClassifier creates a classifier over routes.
func NewTemplateClassifier(routes []Route) (*TemplateClassifier, error) {
	c := &TemplateClassifier{}
	if err := c.SetRoutes(routes); err != nil {
		return nil, err
	}
	return c, nil
}

// SetRoutes validates and installs a new route table.
func (c *TemplateClassifier) SetRoutes(routes []Route) error {
	if err := (RouteTable{Routes: routes}).Validate(); err != nil {
		return err
	}
	cp := slices.Clone(routes)
	c.routes.Store(&cp)
	return nil
}

// Routes returns the installed routes.
func (c *TemplateClassifier) Routes() []Route {
	if p := c.routes.Load(); p != nil {
		return slices.Clone(*p)
	}
	return nil
}

// Classify implements Classifier.
func (c *TemplateClassifier) Classify(_ context.Context, text string, _ *session.State) (Intent, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return Intent{}, errors.New(errors.CodeValidation, "query is empty", nil)
	}
	best, bestScore := -1, 0
	routes := c.Routes()
	for i, r := range routes {
		s := r.score(text)
		if s == 0 {
			continue
		}
		if best < 0 || s > bestScore || (s == bestScore && r.Priority > routes[best].Priority) {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return Intent{}, errors.New(errors.CodeCapabilityNotFound, "no route matches the request", nil)
	}
	return routes[best].intent(), nil
}
