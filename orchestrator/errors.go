// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code classifies an orchestration error. Callers use errors.As to
// extract the structured information:
//
//	var oerr *orchestrator.Error
//	if errors.As(err, &oerr) {
//	    if oerr.Code == orchestrator.CodeConflict { ... }
//	}
type Code string

const (
	// CodeUnauthorized means the request carried missing or invalid
	// credentials.
	CodeUnauthorized Code = "unauthorized"

	// CodeForbidden means the caller is authenticated but acting
	// outside its permitted scope (e.g., a worker acting on another
	// worker's identity).
	CodeForbidden Code = "forbidden"

	// CodeNotFound means the referenced worker, task, delegated
	// work, checkpoint, or handoff endpoint is unknown.
	CodeNotFound Code = "not_found"

	// CodeConflict means an illegal state transition, a duplicate
	// pending checkpoint, or an already-terminal cancellation
	// target.
	CodeConflict Code = "conflict"

	// CodeInvalid means the request payload is malformed.
	CodeInvalid Code = "invalid"
)

// Error is a structured orchestration error. State-machine violations
// are never silently coerced: a Conflict enumerates the legal next
// states so the protocol is self-describing for worker implementers.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// LegalStates lists the currently-legal target states for
	// Conflict errors raised by a state machine, so callers can
	// self-correct. Empty for other codes.
	LegalStates []string `json:"legal_states,omitempty"`
}

func (e *Error) Error() string {
	if len(e.LegalStates) > 0 {
		return fmt.Sprintf("%s: %s (legal states: %s)", e.Code, e.Message, strings.Join(e.LegalStates, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr.Code == code
	}
	return false
}

func forbiddenf(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// conflictWithStates builds a Conflict error carrying the set of
// legal target states.
func conflictWithStates(legalStates []string, format string, args ...any) *Error {
	return &Error{
		Code:        CodeConflict,
		Message:     fmt.Sprintf(format, args...),
		LegalStates: legalStates,
	}
}

func invalidf(format string, args ...any) *Error {
	return &Error{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}
