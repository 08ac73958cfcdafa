// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"slices"
	"strings"
)

// Annotation is a safety annotation declared on a capability.
type Annotation string

const (
	AnnotationReadOnly  Annotation = "read-only"
	AnnotationWrite     Annotation = "write"
	AnnotationLocalOnly Annotation = "local-only"
	AnnotationNoEgress  Annotation = "no-egress"
)

// Transport names how the coordinator reaches a remote agent.
type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportMCP   Transport = "mcp"
	TransportLocal Transport = "local"
)

var verbPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

// ValidVerb reports whether verb has the "<domain>.<action>" form.
func ValidVerb(verb string) bool {
	return verbPattern.MatchString(verb)
}

// VerbDomain returns the domain part of a verb.
func VerbDomain(verb string) string {
	domain, _, _ := strings.Cut(verb, ".")
	return domain
}

// SLA declares the latency and rate expectations of a capability.
type SLA struct {
	LatencyMs int     `json:"latency_ms" yaml:"latency_ms" validate:"gte=0"`
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" validate:"gte=0" jsonschema:"description=Maximum invocations per second; 0 means unlimited"`
}

// Capability is a single verb an agent can perform.
type Capability struct {
	Verb              string          `json:"verb" yaml:"verb" validate:"required"`
	Description       string          `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema       json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
	SafetyAnnotations []Annotation    `json:"safety_annotations" yaml:"safety_annotations" validate:"required,min=1,dive,oneof=read-only write local-only no-egress"`
	SLA               SLA             `json:"sla" yaml:"sla"`
	Consumes          []string        `json:"consumes,omitempty" yaml:"consumes,omitempty" jsonschema:"description=Data keys this capability needs from upstream outputs"`
	Produces          []string        `json:"produces,omitempty" yaml:"produces,omitempty" jsonschema:"description=Data keys this capability adds to its output"`
	Egress            []string        `json:"egress,omitempty" yaml:"egress,omitempty" jsonschema:"description=External hosts this capability contacts"`
}

// Has reports whether the capability carries the annotation.
func (c Capability) Has(a Annotation) bool {
	return slices.Contains(c.SafetyAnnotations, a)
}

// IsWrite reports whether the capability is write-class.
func (c Capability) IsWrite() bool {
	return c.Has(AnnotationWrite)
}

// IsLocalReadOnly reports whether the capability is annotated strictly
// read-only and local-only.
func (c Capability) IsLocalReadOnly() bool {
	return c.Has(AnnotationReadOnly) && c.Has(AnnotationLocalOnly) && !c.Has(AnnotationWrite)
}

// AgentManifest is the declaration an agent submits at startup.
type AgentManifest struct {
	AgentID       string       `json:"agent_id" yaml:"agent_id" validate:"required,max=128"`
	Version       string       `json:"version,omitempty" yaml:"version,omitempty"`
	Capabilities  []Capability `json:"capabilities" yaml:"capabilities" validate:"required,min=1,dive"`
	DataScopes    []string     `json:"data_scopes,omitempty" yaml:"data_scopes,omitempty"`
	ToolAccess    []string     `json:"tool_access,omitempty" yaml:"tool_access,omitempty"`
	EgressDomains []string     `json:"egress_domains,omitempty" yaml:"egress_domains,omitempty"`
	HealthCheck   string       `json:"health_check,omitempty" yaml:"health_check,omitempty" validate:"omitempty,url"`
	Endpoint      string       `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Transport     Transport    `json:"transport,omitempty" yaml:"transport,omitempty" validate:"omitempty,oneof=http mcp local"`
}

// Fingerprint returns a stable digest of the manifest content. Two manifests
// with the same fingerprint are byte-identical once canonicalized.
func (m AgentManifest) Fingerprint() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(canonicalManifest(m))
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the manifest.
func (m AgentManifest) Clone() AgentManifest {
	out := m
	out.DataScopes = slices.Clone(m.DataScopes)
	out.ToolAccess = slices.Clone(m.ToolAccess)
	out.EgressDomains = slices.Clone(m.EgressDomains)
	out.Capabilities = make([]Capability, len(m.Capabilities))
	for i, c := range m.Capabilities {
		out.Capabilities[i] = c.clone()
	}
	return out
}

func (c Capability) clone() Capability {
	out := c
	out.InputSchema = slices.Clone(c.InputSchema)
	out.OutputSchema = slices.Clone(c.OutputSchema)
	out.SafetyAnnotations = slices.Clone(c.SafetyAnnotations)
	out.Consumes = slices.Clone(c.Consumes)
	out.Produces = slices.Clone(c.Produces)
	out.Egress = slices.Clone(c.Egress)
	return out
}

// canonicalManifest compacts embedded schemas so whitespace differences in
// JSON payloads do not change the fingerprint.
func canonicalManifest(m AgentManifest) AgentManifest {
	out := m.Clone()
	for i := range out.Capabilities {
		out.Capabilities[i].InputSchema = compactJSON(out.Capabilities[i].InputSchema)
		out.Capabilities[i].OutputSchema = compactJSON(out.Capabilities[i].OutputSchema)
	}
	return out
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
