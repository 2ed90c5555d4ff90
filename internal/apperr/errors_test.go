package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf_Wrapped(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("save: %w", Wrap(CodeConflict, cause, "duplicate"))

	assert.Equal(t, CodeConflict, CodeOf(err))
	assert.True(t, Is(err, CodeConflict))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.False(t, Is(nil, CodeInternal))
}

func TestCollector(t *testing.T) {
	var c Collector
	assert.NoError(t, c.Err())

	c.Check(true, "name", "ignored")
	c.Check(false, "name", "must be 1-%d characters", 100)
	c.Add("query", "Unexpected token")

	err := c.Err()
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.Equal(t, []FieldError{
		{Field: "name", Message: "must be 1-100 characters"},
		{Field: "query", Message: "Unexpected token"},
	}, FieldsOf(err))
	assert.Equal(t, "VALIDATION_FAILED: validation failed (name: must be 1-100 characters; query: Unexpected token)", err.Error())
}

func TestNotFound_Message(t *testing.T) {
	assert.Equal(t, `NOT_FOUND: template "t1" not found`, NotFound("template", "t1").Error())
}
