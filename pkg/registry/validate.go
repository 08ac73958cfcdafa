// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/jllopis/steward/pkg/errors"
)

// validate is shared; validator caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// compiledCapability is a capability with its schemas compiled once at
// registration time.
type compiledCapability struct {
	Capability
	input   *jsonschema.Schema
	output  *jsonschema.Schema
	limiter *rate.Limiter
}

// ValidateManifest checks a manifest without registering it.
func ValidateManifest(m AgentManifest) error {
	_, err := compileManifest(m)
	return err
}

func compileManifest(m AgentManifest) (map[string]*compiledCapability, error) {
	if err := validate.Struct(m); err != nil {
		return nil, manifestError(m.AgentID, describeValidation(err), err)
	}

	compiled := make(map[string]*compiledCapability, len(m.Capabilities))
	for i, c := range m.Capabilities {
		if !ValidVerb(c.Verb) {
			return nil, manifestError(m.AgentID, fmt.Sprintf("capabilities[%d]: verb %q must match <domain>.<action>", i, c.Verb), nil)
		}
		if _, dup := compiled[c.Verb]; dup {
			return nil, manifestError(m.AgentID, fmt.Sprintf("capabilities[%d]: duplicate verb %q", i, c.Verb), nil)
		}
		if err := checkAnnotations(c); err != nil {
			return nil, manifestError(m.AgentID, fmt.Sprintf("capabilities[%d] %s: %s", i, c.Verb, err.Error()), nil)
		}

		input, err := compileSchema(schemaURL(m.AgentID, c.Verb, "input"), c.InputSchema)
		if err != nil {
			return nil, manifestError(m.AgentID, fmt.Sprintf("%s: invalid input_schema", c.Verb), err)
		}
		output, err := compileSchema(schemaURL(m.AgentID, c.Verb, "output"), c.OutputSchema)
		if err != nil {
			return nil, manifestError(m.AgentID, fmt.Sprintf("%s: invalid output_schema", c.Verb), err)
		}

		compiled[c.Verb] = &compiledCapability{
			Capability: c.clone(),
			input:      input,
			output:     output,
			limiter:    newLimiter(c.SLA.RateLimit),
		}
	}
	return compiled, nil
}

func checkAnnotations(c Capability) error {
	readOnly, write := c.Has(AnnotationReadOnly), c.Has(AnnotationWrite)
	switch {
	case readOnly && write:
		return stderrors.New("read-only and write are mutually exclusive")
	case !readOnly && !write:
		return stderrors.New("one of read-only or write is required")
	}
	if len(c.Egress) > 0 && (c.Has(AnnotationNoEgress) || c.Has(AnnotationLocalOnly)) {
		return stderrors.New("egress targets declared on a local-only or no-egress capability")
	}
	return nil
}

func schemaURL(agentID, verb, kind string) string {
	return fmt.Sprintf("mem://%s/%s/%s.json", agentID, verb, kind)
}

// compileSchema returns nil for an absent schema, which accepts any payload.
func compileSchema(url string, raw json.RawMessage) (*jsonschema.Schema, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(trimmed)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// validatePayload checks v against schema after normalizing it through JSON,
// so Go values compare the same way decoded documents do.
func validatePayload(schema *jsonschema.Schema, v map[string]any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "AgentManifest.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func manifestError(agentID, msg string, cause error) *errors.Error {
	return errors.New(errors.CodeValidation, msg, cause).WithContext("agent_id", agentID)
}
