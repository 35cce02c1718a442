package main

import (
	"errors"
	"fmt"
	"testing"

	"nerdwf/internal/errs"
)

func TestExitCodeForNilIsSuccess(t *testing.T) {
	if got := exitCodeFor(nil); got != exitSuccess {
		t.Fatalf("expected %d, got %d", exitSuccess, got)
	}
}

func TestExitCodeForValidationErrorIsUsage(t *testing.T) {
	err := &errs.ValidationError{Field: "definition", Message: "bad json"}
	if got := exitCodeFor(err); got != exitUsage {
		t.Fatalf("expected %d, got %d", exitUsage, got)
	}
}

func TestExitCodeForWrappedValidationErrorIsUsage(t *testing.T) {
	wrapped := fmt.Errorf("read definition: %w", &errs.ValidationError{Field: "x", Message: "y"})
	if got := exitCodeFor(wrapped); got != exitUsage {
		t.Fatalf("expected wrapped ValidationError to still map to usage exit code, got %d", got)
	}
}

func TestExitCodeForOtherErrorsIsOperation(t *testing.T) {
	if got := exitCodeFor(&errs.IntegrityError{Detail: "checksum mismatch"}); got != exitOperation {
		t.Fatalf("expected %d, got %d", exitOperation, got)
	}
	if got := exitCodeFor(errors.New("boom")); got != exitOperation {
		t.Fatalf("expected %d, got %d", exitOperation, got)
	}
}
