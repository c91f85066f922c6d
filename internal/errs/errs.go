package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies an error for retry decisions and metrics.
type Category string

const (
	CategoryTimeout         Category = "TIMEOUT"
	CategoryNetworkError    Category = "NETWORK_ERROR"
	CategoryRateLimit       Category = "RATE_LIMIT"
	CategoryPermissionError Category = "PERMISSION_ERROR"
	CategoryNotFound        Category = "NOT_FOUND"
	CategoryValidationError Category = "VALIDATION_ERROR"
	CategoryQuotaExceeded   Category = "QUOTA_EXCEEDED"
	CategoryUnknown         Category = "UNKNOWN_ERROR"

	CategoryInvalidWorkflow   Category = "INVALID_WORKFLOW"
	CategoryUnknownActionType Category = "UNKNOWN_ACTION_TYPE"
)

// CategorizedError carries an explicit category alongside the cause.
type CategorizedError struct {
	Category Category
	Err      error
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// New builds a CategorizedError from a message.
func New(category Category, format string, args ...any) error {
	return &CategorizedError{Category: category, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a category to an existing error.
func Wrap(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: category, Err: err}
}

// substring patterns checked in order; first match wins.
var patterns = []struct {
	category Category
	needles  []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryRateLimit, []string{"rate limit", "too many requests", "429"}},
	{CategoryNetworkError, []string{"network", "connection refused", "connection reset", "connection lost", "no such host", "unreachable", "econnrefused", "broken pipe"}},
	{CategoryPermissionError, []string{"permission", "unauthorized", "forbidden", "401", "403"}},
	{CategoryNotFound, []string{"not found", "404", "no such"}},
	{CategoryQuotaExceeded, []string{"quota"}},
	{CategoryValidationError, []string{"validation", "invalid", "malformed", "bad request"}},
}

// Categorize maps an error onto its category. Explicit CategorizedErrors win;
// everything else falls back to case-insensitive substring matching on the
// message. Total and deterministic: nil or unmatched errors categorize as
// UNKNOWN_ERROR.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var cerr *CategorizedError
	if errors.As(err, &cerr) {
		return cerr.Category
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.category
			}
		}
	}
	return CategoryUnknown
}
