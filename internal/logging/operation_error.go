package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an error with the pipeline operation that produced it.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
// Errors that already carry an operation are returned unchanged so the innermost
// operation wins.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OperationError
	if errors.As(err, &existing) {
		return err
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// Cause returns the innermost error message, without operation prefixes.
// It is what callers outside the service get to see.
func Cause(err error) string {
	var opErr *OperationError
	for errors.As(err, &opErr) {
		err = opErr.Err
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
