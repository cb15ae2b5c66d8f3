// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeInvalid, http.StatusBadRequest},
		{Code("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := &Error{Code: tt.code, Message: "x"}
		if got := err.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestErrorMessageIncludesLegalStates(t *testing.T) {
	err := conflictWithStates([]string{"working", "offline"}, "bad move")
	if !strings.Contains(err.Error(), "working") || !strings.Contains(err.Error(), "offline") {
		t.Errorf("error text %q does not list legal states", err.Error())
	}
}

func TestIsCode(t *testing.T) {
	err := notFoundf("worker %s not found", "w1")
	if !IsCode(err, CodeNotFound) {
		t.Error("IsCode(not_found) = false")
	}
	if IsCode(err, CodeConflict) {
		t.Error("IsCode(conflict) = true for a not-found error")
	}

	wrapped := fmt.Errorf("handling request: %w", err)
	if !IsCode(wrapped, CodeNotFound) {
		t.Error("IsCode does not see through wrapping")
	}

	if IsCode(fmt.Errorf("plain"), CodeNotFound) {
		t.Error("IsCode matched a plain error")
	}
	if IsCode(nil, CodeNotFound) {
		t.Error("IsCode matched nil")
	}
}
