// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy shared by the coordinator core.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies coordinator errors for propagation, monitoring and HTTP mapping.
type ErrorCode string

const (
	// CodeValidation indicates a malformed manifest, rule or input.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeCapabilityNotFound indicates a verb that no registered agent provides.
	CodeCapabilityNotFound ErrorCode = "CAPABILITY_NOT_FOUND"

	// CodeCycleDetected indicates a plan whose dependency graph is not a DAG.
	CodeCycleDetected ErrorCode = "CYCLE_DETECTED"

	// CodeAgentUnavailable indicates a failing agent or an open circuit.
	CodeAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodePolicyDenied indicates the policy engine refused the action.
	CodePolicyDenied ErrorCode = "POLICY_DENIED"

	// CodeApprovalRejected indicates a human rejected the proposal.
	CodeApprovalRejected ErrorCode = "APPROVAL_REJECTED"

	// CodeApprovalExpired indicates no decision arrived before expires_at.
	CodeApprovalExpired ErrorCode = "APPROVAL_EXPIRED"

	// CodePartialFailure indicates some branches failed or were skipped.
	CodePartialFailure ErrorCode = "PARTIAL_FAILURE"

	// CodeBudgetExceeded indicates the plan step budget was exhausted.
	CodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"

	// CodeCanceled indicates the caller canceled the operation.
	CodeCanceled ErrorCode = "CANCELED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging and API responses.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Cause       string                 `json:"cause,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores an Error encoded by MarshalJSON. The cause comes
// back as plain text.
func (e *Error) UnmarshalJSON(data []byte) error {
	var in struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Cause       string                 `json:"cause"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Error{
		Code:        ErrorCode(in.Code),
		Message:     in.Message,
		Context:     in.Context,
		Recoverable: in.Recoverable,
		StatusCode:  codeToStatusCode(ErrorCode(in.Code)),
	}
	if in.Cause != "" {
		e.Err = stderrors.New(in.Cause)
	}
	return nil
}

// New creates a new Error with the given code, message, and cause.
// Recoverability defaults from the code: only transient codes are retried.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Recoverable: defaultRecoverable(code),
		StatusCode:  codeToStatusCode(code),
	}
}

// Newf creates a new Error with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be retried.
// Returns the error for method chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var te *Error
	if stderrors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Wrap converts an error to an *Error, wrapping unknown errors as internal.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := As(err); ok {
		return te
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if te, ok := As(err); ok {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	te, ok := As(err)
	return ok && te.Code == code
}

// IsRecoverable reports whether err may be retried. Untyped errors are
// treated as transient.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if te, ok := As(err); ok {
		return te.Recoverable
	}
	return true
}

// IsTerminal reports whether the code must never be retried.
func IsTerminal(code ErrorCode) bool {
	switch code {
	case CodePolicyDenied, CodeApprovalRejected, CodeApprovalExpired,
		CodeCycleDetected, CodeCapabilityNotFound, CodeValidation,
		CodeBudgetExceeded, CodeCanceled:
		return true
	default:
		return false
	}
}

// IsDenial reports whether the code represents a policy or human refusal.
func IsDenial(code ErrorCode) bool {
	switch code {
	case CodePolicyDenied, CodeApprovalRejected, CodeApprovalExpired:
		return true
	default:
		return false
	}
}

func defaultRecoverable(code ErrorCode) bool {
	switch code {
	case CodeAgentUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeValidation, CodeCycleDetected:
		return http.StatusBadRequest
	case CodeCapabilityNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodePolicyDenied, CodeApprovalRejected, CodeApprovalExpired:
		return http.StatusForbidden
	case CodeAgentUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
