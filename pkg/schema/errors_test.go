package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeftError_Format(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad config")
	assert.Equal(t, "[VALIDATION_ERROR] bad config", err.Error())
}

func TestWeftError_FormatWithNode(t *testing.T) {
	err := NewError(ErrCodeExecution, "boom").WithNode("fetch", 3)
	assert.Equal(t, "[EXECUTION_ERROR] node fetch: boom", err.Error())
	assert.Equal(t, 3, err.Position)
}

func TestWeftError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)
	assert.True(t, errors.Is(err, cause))
}

func TestWeftError_Details(t *testing.T) {
	err := NewErrorf(ErrCodeTemplate, "ref %q", "{{current.x}}").
		WithDetails(map[string]any{"expression": "{{current.x}}"})
	require.NotNil(t, err.Details)
	assert.Equal(t, "{{current.x}}", err.Details["expression"])
}
