package memerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(NotFound, "memory missing")
	assert.Equal(t, "not_found: memory missing", plain.Error())

	wrapped := Wrap(Database, "insert failed", errors.New("connection reset"))
	assert.Contains(t, wrapped.Error(), "database: insert failed")
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestIsAndKindOf(t *testing.T) {
	err := New(InvalidRequest, "bad input")
	assert.True(t, Is(err, InvalidRequest))
	assert.False(t, Is(err, Database))
	assert.Equal(t, InvalidRequest, KindOf(err))

	// Works through fmt.Errorf wrapping.
	layered := fmt.Errorf("handler: %w", err)
	assert.True(t, Is(layered, InvalidRequest))
	assert.Equal(t, InvalidRequest, KindOf(layered))

	assert.False(t, Is(errors.New("plain"), Database))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(OperationTimeout, "timed out", cause)
	assert.True(t, errors.Is(err, cause))
}
