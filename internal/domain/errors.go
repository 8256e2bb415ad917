package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a record or principal does not exist
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when a principal lacks the role for an operation
	ErrForbidden = errors.New("forbidden")

	// ErrDuplicateRecord is returned by a RecordStore when another record is
	// already canonical for the same content hash inside the dedup window
	ErrDuplicateRecord = errors.New("duplicate record for content hash")

	// ErrDetectorTimeout marks a detector that did not return within its budget.
	// It is recorded on the Finding and never surfaced to callers.
	ErrDetectorTimeout = errors.New("detector timed out")

	// ErrPipelineTimeout marks an inspection whose global budget elapsed.
	// The inspection still produces a Record.
	ErrPipelineTimeout = errors.New("pipeline timed out")

	// ErrStore is the sentinel wrapped by every StoreError
	ErrStore = errors.New("record store unavailable")
)

// ValidationError rejects a malformed submission before it enters the pipeline
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range sortedKeys(e.Fields) {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StoreError wraps a persistence failure. It is fatal to the request and the
// caller is expected to retry; no verdict is returned without a durable record.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStore, e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// NewStoreError wraps err unless it is nil
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
