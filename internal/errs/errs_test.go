package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorizeBySubstring(t *testing.T) {
	tests := []struct {
		message string
		want    Category
	}{
		{"request timeout", CategoryTimeout},
		{"context deadline exceeded", CategoryTimeout},
		{"Rate limit hit, try later", CategoryRateLimit},
		{"HTTP 429 returned", CategoryRateLimit},
		{"connection refused", CategoryNetworkError},
		{"no such host example.com", CategoryNetworkError},
		{"403 Forbidden", CategoryPermissionError},
		{"resource not found", CategoryNotFound},
		{"monthly quota exhausted", CategoryQuotaExceeded},
		{"validation failed on field x", CategoryValidationError},
		{"completely novel failure", CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(errors.New(tt.message)))
		})
	}
}

func TestCategorizeExplicitCategoryWins(t *testing.T) {
	err := New(CategoryQuotaExceeded, "looks like a timeout but is not")
	assert.Equal(t, CategoryQuotaExceeded, Categorize(err))

	wrapped := fmt.Errorf("outer: %w", Wrap(CategoryUnknownActionType, errors.New("inner")))
	assert.Equal(t, CategoryUnknownActionType, Categorize(wrapped))
}

func TestCategorizeTotal(t *testing.T) {
	assert.Equal(t, CategoryUnknown, Categorize(nil))
	assert.Nil(t, Wrap(CategoryTimeout, nil))
}

func TestCategorizedErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := Wrap(CategoryNetworkError, inner)
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "boom")
}
