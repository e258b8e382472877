package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "wrapped: %d", 42)

	assert.Contains(t, wrapped.Error(), "wrapped: 42")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("finding %s", "abc")
	require.Error(t, err)
	assert.Equal(t, "finding abc", err.Error())
	assert.True(t, IsNotFoundError(err))
	assert.True(t, IsNotFoundError(Wrap(err, "lookup")))
	assert.False(t, IsInvalidRequestError(err))
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("limit must be <= %d", 1000)
	assert.True(t, IsInvalidRequestError(err))
	assert.False(t, IsNotFoundError(err))
}

func TestNilHelpers(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsInvalidRequestError(nil))
}

func TestStackTraceInVerboseFormat(t *testing.T) {
	err := Wrap(New("root"), "context")
	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestHints(t *testing.T) {
	err := WithHint(New("rule file missing"), "set rules.path or remove it")
	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "set rules.path or remove it", hints[0])
}
