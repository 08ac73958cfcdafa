// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the steward CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jllopis/steward/pkg/errors"
)

// CLIError wraps an Error with a hint for the operator.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Err: e, Hint: hint}
}

// Error returns the message followed by the hint.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the underlying Error.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// PrintError writes the error to stderr.
func (e *CLIError) PrintError(asJSON bool) {
	if e.Err == nil {
		fmt.Fprintln(os.Stderr, "Error: unknown error")
		return
	}
	if asJSON {
		payload, _ := json.Marshal(map[string]any{"error": map[string]any{
			"code":    e.Err.Code,
			"message": e.Err.Message,
			"hint":    e.Hint,
			"context": e.Err.Context,
		}})
		fmt.Fprintln(os.Stderr, string(payload))
		return
	}
	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.Err.Code, e.Err.Message)
	if e.Err.Err != nil {
		fmt.Fprintf(os.Stderr, "  Cause: %v\n", e.Err.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", e.Hint)
	}
}

// WrapConnectionError wraps a connection error with CLI hints.
func WrapConnectionError(err error, addr string) *CLIError {
	e := errors.New(errors.CodeAgentUnavailable, "connection failed", err).
		WithContext("address", addr).
		WithRecoverable(true)
	return NewCLIError(e, fmt.Sprintf("check that steward serve is running at %s", addr))
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	e := errors.New(errors.CodeValidation, reason, nil).
		WithContext("argument", arg)
	return NewCLIError(e, "run 'steward help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	e := errors.New(errors.CodeValidation, "configuration error", err)
	hint := "check the STEWARD_ environment and --set overrides"
	if configPath != "" {
		e = e.WithContext("config_path", configPath)
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(e, hint)
}

// hintFor returns operator guidance for errors returned by the server.
func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeNotFound:
		return "list the resource first to check the id"
	case errors.CodePolicyDenied:
		return "inspect the active rules with the /policy/rules endpoint"
	case errors.CodeApprovalExpired:
		return "approve pending proposals within the approval timeout"
	case errors.CodeTimeout:
		return "try increasing --timeout or check agent health"
	case errors.CodeBudgetExceeded:
		return "raise --step-budget or split the request"
	default:
		return ""
	}
}

func fatal(err error, asJSON bool) {
	cliErr, ok := err.(*CLIError)
	if !ok {
		e := errors.Wrap(err)
		cliErr = NewCLIError(e, hintFor(e.Code))
	}
	cliErr.PrintError(asJSON)
	os.Exit(1)
}
