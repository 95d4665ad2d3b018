// errors_test.go: structured error constructors and code extraction
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/agilira/go-errors"
)

func TestModuleErrorConstructors(t *testing.T) {
	t.Run("NewModuleNotFoundError", func(t *testing.T) {
		err := NewModuleNotFoundError("auth")

		if err.ErrorCode() != errors.ErrorCode(ErrCodeModuleNotFound) {
			t.Errorf("Expected error code %s, got %s", ErrCodeModuleNotFound, err.ErrorCode())
		}
		if err.Context["module_id"] != "auth" {
			t.Errorf("Expected module_id context to be %q, got %v", "auth", err.Context["module_id"])
		}
		expectedMsg := "No module is registered with id auth"
		if err.UserMessage() != expectedMsg {
			t.Errorf("Expected user message %q, got %q", expectedMsg, err.UserMessage())
		}
		if err.IsRetryable() {
			t.Error("Expected error to not be retryable")
		}
	})

	t.Run("NewHasDependentsError", func(t *testing.T) {
		err := NewHasDependentsError("db", []string{"api", "jobs"})

		expectedMsg := "Unload dependents first: api, jobs"
		if err.UserMessage() != expectedMsg {
			t.Errorf("Expected user message %q, got %q", expectedMsg, err.UserMessage())
		}
		if err.Severity != "error" {
			t.Errorf("Expected severity %q, got %q", "error", err.Severity)
		}
	})

	t.Run("NewAlreadyLoadingError", func(t *testing.T) {
		err := NewAlreadyLoadingError("auth", "/opt/modules/auth")

		if err.Severity != "warning" {
			t.Errorf("Expected severity %q, got %q", "warning", err.Severity)
		}
		if err.Context["path"] != "/opt/modules/auth" {
			t.Errorf("Expected path context, got %v", err.Context["path"])
		}
	})

	t.Run("NewInvalidTransitionError", func(t *testing.T) {
		err := NewInvalidTransitionError("auth", StateUnloaded, StateActive)

		if err.Context["from"] != StateUnloaded.String() || err.Context["to"] != StateActive.String() {
			t.Errorf("Expected transition context, got %v", err.Context)
		}
	})
}

func TestContainerErrorConstructors(t *testing.T) {
	t.Run("NewCircularDependencyError", func(t *testing.T) {
		err := NewCircularDependencyError([]string{"A", "B", "A"})

		if err.Context["cycle"] != "A -> B -> A" {
			t.Errorf("Expected cycle context %q, got %v", "A -> B -> A", err.Context["cycle"])
		}
		if err.Context["cycle_length"] != 2 {
			t.Errorf("Expected cycle_length 2, got %v", err.Context["cycle_length"])
		}
	})

	t.Run("NewServiceConstructionError", func(t *testing.T) {
		cause := fmt.Errorf("connection refused")
		err := NewServiceConstructionError("db", cause)

		if !err.IsRetryable() {
			t.Error("Expected construction errors to be retryable")
		}
		if err.Context["token"] != "db" {
			t.Errorf("Expected token context, got %v", err.Context["token"])
		}
	})
}

func TestSwapErrorConstructors(t *testing.T) {
	t.Run("NewRollbackFailedError", func(t *testing.T) {
		err := NewRollbackFailedError("orders", "cp-1", fmt.Errorf("factory failed"))

		if err.Severity != "critical" {
			t.Errorf("Expected severity %q, got %q", "critical", err.Severity)
		}
		if err.Context["checkpoint_id"] != "cp-1" {
			t.Errorf("Expected checkpoint_id context, got %v", err.Context["checkpoint_id"])
		}
	})

	t.Run("NewSwapValidationFailedError", func(t *testing.T) {
		err := NewSwapValidationFailedError("orders", []string{"id changed", "major bump"})

		expectedMsg := "New version is not compatible: id changed; major bump"
		if err.UserMessage() != expectedMsg {
			t.Errorf("Expected user message %q, got %q", expectedMsg, err.UserMessage())
		}
	})
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", stderrors.New("boom"), ErrCodeInternal},
		{"structured", NewBridgeClosedError(), ErrCodeBridgeClosed},
		{"wrapped by fmt", fmt.Errorf("load: %w", NewModuleNotFoundError("x")), ErrCodeModuleNotFound},
		{"outermost code wins", NewHealthCheckFailedError("x", NewRequestTimeoutError("r", "c", "1s")), ErrCodeHealthCheckFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}

	if HasErrorCode(nil, "") {
		t.Error("A nil error carries no code")
	}
	if !HasErrorCode(NewEngineClosedError(), ErrCodeEngineClosed) {
		t.Error("Expected engine closed code")
	}
}
