// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	manifestSchemaOnce sync.Once
	manifestSchema     []byte
	manifestSchemaErr  error
)

// ManifestSchema returns the JSON schema agents use to author manifests.
func ManifestSchema() ([]byte, error) {
	manifestSchemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			ExpandedStruct: true,
			FieldNameTag:   "json",
		}
		schema := reflector.Reflect(&AgentManifest{})
		schema.Title = "Steward agent manifest"
		manifestSchema, manifestSchemaErr = json.MarshalIndent(schema, "", "  ")
		if manifestSchemaErr != nil {
			manifestSchemaErr = fmt.Errorf("failed to marshal manifest schema: %w", manifestSchemaErr)
		}
	})
	return manifestSchema, manifestSchemaErr
}
