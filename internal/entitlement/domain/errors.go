package domain

import (
	"errors"
	"fmt"
)

// CodeFailClosed is the stable code returned to callers when evaluation
// failed and access was denied.
const CodeFailClosed = "ENTITLEMENTS_UNAVAILABLE_FAIL_CLOSED"

var (
	ErrValidation     = errors.New("validation_error")
	ErrNotFound       = errors.New("not_found")
	ErrPermission     = errors.New("permission_denied")
	ErrEvaluation     = errors.New("evaluation_failure")
	ErrRetryExhausted = errors.New("retry_exhausted")
)

type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type NotFoundError struct {
	Kind string
	Key  string
}

func NewNotFoundError(kind, key string) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type PermissionError struct {
	Role   string
	Action string
}

func NewPermissionError(role, action string) *PermissionError {
	return &PermissionError{Role: role, Action: action}
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %q may not %s", e.Role, e.Action)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// EvaluationFailure is returned when entitlements could not be computed.
// Snapshot holds the all-denied result so callers never fall back to allow.
type EvaluationFailure struct {
	Code     string
	TenantID string
	Snapshot Snapshot
	Err      error
}

func (e *EvaluationFailure) Error() string {
	return fmt.Sprintf("%s: tenant %s: %v", e.Code, e.TenantID, e.Err)
}

func (e *EvaluationFailure) Unwrap() error { return e.Err }

func (e *EvaluationFailure) Is(target error) bool { return target == ErrEvaluation }

// RetryExhausted marks a blocked job that reached its retry cap. It is logged,
// never returned to callers.
type RetryExhausted struct {
	JobID      string
	RetryCount int
	MaxRetries int
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("job %s reached retry cap %d/%d", e.JobID, e.RetryCount, e.MaxRetries)
}

func (e *RetryExhausted) Is(target error) bool { return target == ErrRetryExhausted }
