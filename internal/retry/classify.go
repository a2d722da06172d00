// Package retry implements the failure classification and retry policy
// shared by the outbox dispatcher and the pull tracker.
//
// Everything here is pure: no I/O, no clocks except the ones passed in.
// Callers branch on the returned values as data.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-sqlite3"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/tillsync/internal/ir"
)

// CategorizedError carries a category decided by the code that produced it.
// Classify honors it before any heuristic.
type CategorizedError struct {
	Category   ir.ErrorCategory
	StatusCode int
	Err        error
}

func (e *CategorizedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with a category. Returns nil if err is nil.
func Wrap(category ir.ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: category, Err: err}
}

// CategoryOf extracts an explicit category from err's chain.
func CategoryOf(err error) (ir.ErrorCategory, bool) {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category, true
	}
	return ir.CategoryNone, false
}

// statusCarrier is implemented by transport errors that know the HTTP status
// of the failed exchange.
type statusCarrier interface {
	HTTPStatus() int
}

// StatusOf returns the HTTP status carried anywhere in err's chain, or 0.
func StatusOf(err error) int {
	var sc statusCarrier
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// Classify maps a failure to a category.
//
// Precedence: explicit CategorizedError, then HTTP status (argument or carried
// by the error), then typed errors, then message heuristics. Anything left
// over is UNKNOWN.
func Classify(err error, httpStatus int) ir.ErrorCategory {
	if cat, ok := CategoryOf(err); ok && cat != ir.CategoryNone {
		return cat
	}
	if httpStatus == 0 {
		httpStatus = StatusOf(err)
	}
	if httpStatus != 0 {
		if cat := classifyStatus(httpStatus); cat != ir.CategoryNone {
			return cat
		}
	}
	if err == nil {
		return ir.CategoryUnknown
	}
	if cat := classifyTyped(err); cat != ir.CategoryNone {
		return cat
	}
	return classifyMessage(err.Error())
}

func classifyStatus(status int) ir.ErrorCategory {
	switch {
	case status == http.StatusConflict:
		return ir.CategoryConflict
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized:
		// 401 means the session credential expired; the host refreshes it
		// outside the engine, so the item itself is still deliverable.
		return ir.CategoryTransient
	case status == http.StatusUnprocessableEntity,
		status == http.StatusFailedDependency:
		return ir.CategoryStructural
	case status >= 500:
		return ir.CategoryTransient
	case status >= 400:
		return ir.CategoryPermanent
	}
	return ir.CategoryNone
}

func classifyTyped(err error) ir.ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ir.CategoryTransient
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ir.CategoryTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ir.CategoryTransient
	}

	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return classifySQLite(sqlErr)
	}

	var schemaErr *jsonschema.ValidationError
	if errors.As(err, &schemaErr) {
		return ir.CategoryStructural
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ir.CategoryStructural
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return ir.CategoryPermanent
	}

	return ir.CategoryNone
}

func classifySQLite(e sqlite3.Error) ir.ErrorCategory {
	switch e.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull:
		return ir.CategoryTransient
	case sqlite3.ErrConstraint:
		if e.ExtendedCode == sqlite3.ErrConstraintUnique || e.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ir.CategoryConflict
		}
		return ir.CategoryStructural
	case sqlite3.ErrMismatch, sqlite3.ErrSchema:
		return ir.CategoryStructural
	}
	return ir.CategoryUnknown
}

var messageRules = []struct {
	needles  []string
	category ir.ErrorCategory
}{
	{[]string{"foreign key", "no such table", "no such column", "schema", "constraint failed"}, ir.CategoryStructural},
	{[]string{"conflict", "version mismatch", "precondition failed"}, ir.CategoryConflict},
	{[]string{"timeout", "timed out", "connection reset", "connection refused", "broken pipe",
		"temporarily unavailable", "try again", "network is unreachable", "no such host", "eof"}, ir.CategoryTransient},
	{[]string{"validation", "invalid", "malformed", "not allowed", "forbidden"}, ir.CategoryPermanent},
}

func classifyMessage(msg string) ir.ErrorCategory {
	lower := strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return rule.category
			}
		}
	}
	return ir.CategoryUnknown
}
