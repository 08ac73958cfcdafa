// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/jllopis/steward/pkg/registry"
)

// ExpandManifests resolves manifest patterns ("agents/**/*.yaml") into a
// sorted, de-duplicated list of files. Plain paths must exist.
func ExpandManifests(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("manifest pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 && !hasMeta(pattern) {
			return nil, fmt.Errorf("manifest %q: %w", pattern, os.ErrNotExist)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// LoadManifest reads an agent manifest from a YAML or JSON file. YAML is
// converted to JSON first so inline input and output schemas survive.
func LoadManifest(path string) (registry.AgentManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return registry.AgentManifest{}, err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return registry.AgentManifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return registry.AgentManifest{}, fmt.Errorf("convert manifest %s: %w", path, err)
		}
	}
	var m registry.AgentManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return registry.AgentManifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}
