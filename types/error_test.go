package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("connection refused")
	err := NewError(ErrQueue, "push failed").
		WithCause(root).
		WithComponent("queue").
		WithRetryable(true)

	if GetErrorCode(err) != ErrQueue {
		t.Fatalf("expected code %s, got %s", ErrQueue, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_CodeSurvivesWrapping(t *testing.T) {
	t.Parallel()

	inner := NewValidationError("task type is empty")
	wrapped := fmt.Errorf("submit: %w", inner)

	if !IsErrorCode(wrapped, ErrValidation) {
		t.Fatalf("expected wrapped error to keep code %s", ErrValidation)
	}
	if IsRetryable(wrapped) {
		t.Fatalf("validation errors are never retryable")
	}
	if AsError(errors.New("plain")) != nil {
		t.Fatalf("plain errors should not convert")
	}
}

func TestError_Constructors(t *testing.T) {
	t.Parallel()

	if code := GetErrorCode(NewNotFoundError("task", "t-404")); code != ErrNotFound {
		t.Fatalf("not found constructor code = %s", code)
	}
	if code := GetErrorCode(NewAgentUnavailableError("web-1", "at concurrency limit")); code != ErrAgentUnavailable {
		t.Fatalf("unavailable constructor code = %s", code)
	}
	execErr := NewTaskExecutionError("t-1", errors.New("agent crashed"))
	if !IsRetryable(execErr) {
		t.Fatalf("execution errors should be retryable")
	}
}
