// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/registry"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RouteTable is the on-disk form of the classifier routes.
type RouteTable struct {
	Routes []Route `json:"routes" yaml:"routes"`
}

// Validate checks every route: keywords present, verbs well formed and
// ordering restricted to the route's own verbs.
func (t RouteTable) Validate() error {
	names := make(map[string]struct{}, len(t.Routes))
	for _, r := range t.Routes {
		if err := validate.Struct(r); err != nil {
			return errors.New(errors.CodeValidation, fmt.Sprintf("invalid route %q", r.Name), err)
		}
		if _, dup := names[r.Name]; dup {
			return errors.New(errors.CodeValidation, fmt.Sprintf("duplicate route %q", r.Name), nil)
		}
		names[r.Name] = struct{}{}
		for _, v := range r.Verbs {
			if !registry.ValidVerb(v) {
				return errors.New(errors.CodeValidation, fmt.Sprintf("route %q has invalid verb %q", r.Name, v), nil)
			}
		}
		for verb, before := range r.After {
			for _, v := range append([]string{verb}, before...) {
				if !slices.Contains(r.Verbs, v) {
					return errors.New(errors.CodeValidation, fmt.Sprintf("route %q orders verb %q it does not list", r.Name, v), nil)
				}
			}
		}
	}
	return nil
}

// LoadRoutes loads a route table from a YAML or JSON file.
func LoadRoutes(path string) (RouteTable, error) {
	if strings.TrimSpace(path) == "" {
		return RouteTable{}, fmt.Errorf("routes path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RouteTable{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseRoutesJSON(data)
	case ".yaml", ".yml":
		return ParseRoutesYAML(data)
	default:
		return parseRoutesAuto(data)
	}
}

func parseRoutesAuto(data []byte) (RouteTable, error) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		if table, err := ParseRoutesJSON(data); err == nil {
			return table, nil
		}
	}
	if table, err := ParseRoutesYAML(data); err == nil {
		return table, nil
	}
	return RouteTable{}, fmt.Errorf("unsupported routes format")
}

// ParseRoutesJSON decodes and validates a JSON route table.
func ParseRoutesJSON(data []byte) (RouteTable, error) {
	if len(data) == 0 {
		return RouteTable{}, fmt.Errorf("empty JSON payload")
	}
	var table RouteTable
	if err := json.Unmarshal(data, &table); err != nil {
		return RouteTable{}, fmt.Errorf("parse json routes: %w", err)
	}
	return table, table.Validate()
}

// ParseRoutesYAML decodes and validates a YAML route table.
func ParseRoutesYAML(data []byte) (RouteTable, error) {
	if len(data) == 0 {
		return RouteTable{}, fmt.Errorf("empty YAML payload")
	}
	var table RouteTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return RouteTable{}, fmt.Errorf("parse yaml routes: %w", err)
	}
	return table, table.Validate()
}
