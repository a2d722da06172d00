package remote

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// StatusError is a non-2xx response from the sync service.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
	Snippet    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// HTTPStatus exposes the status code to failure classification.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// IsStatusError reports whether err carries a StatusError.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// DiagnosticsOf extracts transport details from a failed call.
func DiagnosticsOf(err error) ir.Diagnostics {
	var se *StatusError
	if errors.As(err, &se) {
		return ir.Diagnostics{
			Endpoint:        se.Endpoint,
			StatusCode:      se.StatusCode,
			ResponseSnippet: se.Snippet,
		}
	}
	return ir.Diagnostics{}
}
