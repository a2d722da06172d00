package session

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Error represents a failure of the cycle lifecycle itself, as opposed to a
// failure of the operations run inside a cycle.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// TenantID identifies the tenant of the rejected or failed cycle.
	TenantID string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes lifecycle errors.
type ErrorCode string

const (
	// ErrCodeCycleInProgress indicates another cycle holds the orchestrator.
	ErrCodeCycleInProgress ErrorCode = "CYCLE_IN_PROGRESS"

	// ErrCodeStartFailed indicates the remote session could not be opened.
	ErrCodeStartFailed ErrorCode = "SESSION_START_FAILED"

	// ErrCodeTenantRequired indicates a cycle was requested without a tenant.
	ErrCodeTenantRequired ErrorCode = "TENANT_REQUIRED"
)

// ErrCycleInProgress is returned by RunCycle while any cycle is in flight.
var ErrCycleInProgress = &Error{Code: ErrCodeCycleInProgress, Message: "sync cycle already in progress"}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.TenantID != "" {
		msg += fmt.Sprintf(" (tenant=%s)", e.TenantID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches lifecycle errors by code, so errors.Is(err, ErrCycleInProgress)
// holds for any in-progress rejection.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// SessionRevokedError is returned when the remote refuses the tenant's
// session. Operations were not run.
type SessionRevokedError struct {
	TenantID  string
	SessionID string
	Status    ir.RevocationStatus
	// Message is the lockout message provided by the server.
	Message string
}

func (e *SessionRevokedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("session %s for tenant %s: %s", e.Status, e.TenantID, e.Message)
	}
	return fmt.Sprintf("session %s for tenant %s", e.Status, e.TenantID)
}

// IsCycleInProgress returns true if err is an in-progress rejection.
// Uses errors.As to handle wrapped errors.
func IsCycleInProgress(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeCycleInProgress
	}
	return false
}

// IsStartFailed returns true if the remote session could not be opened.
func IsStartFailed(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeStartFailed
	}
	return false
}

// IsRevoked returns true if the remote refused the session.
func IsRevoked(err error) bool {
	var re *SessionRevokedError
	return errors.As(err, &re)
}
