// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/jllopis/steward/pkg/errors"
)

const maxRequestBody = 1 << 20

// problem is an RFC 9457 problem document carrying the error taxonomy.
type problem struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Status      int            `json:"status"`
	Detail      string         `json:"detail"`
	Recoverable bool           `json:"recoverable"`
	Context     map[string]any `json:"context,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	e := errors.Wrap(err)
	status := e.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	detail := e.Message
	if e.Code == errors.CodeInternal && e.Err != nil {
		detail = e.Err.Error()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:        "about:blank",
		Title:       string(e.Code),
		Status:      status,
		Detail:      detail,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New(errors.CodeValidation, "empty body", nil)
	}
	return unmarshal(body, v)
}

// decodeOptionalJSON is decodeJSON for bodies that may be omitted.
func decodeOptionalJSON(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil || len(body) == 0 {
		return err
	}
	return unmarshal(body, v)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, errors.New(errors.CodeValidation, "invalid body", err)
	}
	if len(body) > maxRequestBody {
		return nil, errors.New(errors.CodeValidation, "body too large", nil)
	}
	return bytes.TrimSpace(body), nil
}

func unmarshal(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New(errors.CodeValidation, "malformed JSON", err)
	}
	return nil
}
