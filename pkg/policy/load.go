// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of a policy: rules plus the egress allowlist.
type Document struct {
	Rules     []Rule   `json:"rules" yaml:"rules"`
	Allowlist []string `json:"egress_allowlist" yaml:"egress_allowlist"`
}

// LoadFile reads a policy document from a YAML or JSON file.
func LoadFile(path string) (Document, error) {
	if strings.TrimSpace(path) == "" {
		return Document{}, fmt.Errorf("policy path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// ParseJSON decodes and validates a JSON policy document.
func ParseJSON(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse json policy: %w", err)
	}
	return doc, doc.Validate()
}

// ParseYAML decodes and validates a YAML policy document.
func ParseYAML(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse yaml policy: %w", err)
	}
	return doc, doc.Validate()
}

// Validate checks rule constraints and glob syntax.
func (d Document) Validate() error {
	if err := validateRules(d.Rules); err != nil {
		return err
	}
	return validatePatterns(d.Allowlist)
}

// Apply replaces the engine rule set with the document in one step.
func (d Document) Apply(ctx context.Context, e *Engine) (*Snapshot, error) {
	return e.Replace(ctx, d.Rules, d.Allowlist)
}
