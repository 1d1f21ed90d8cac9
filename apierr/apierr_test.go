package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromUnwrapsWrappedErrors(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("failed to load record: %w", Store(cause))

	e := From(err)
	require.NotNil(t, e)
	assert.Equal(t, CodeStore, e.Code)
	assert.Equal(t, http.StatusServiceUnavailable, e.Status)
	assert.True(t, errors.Is(err, cause))
}

func TestFromPlainError(t *testing.T) {
	assert.Nil(t, From(errors.New("boom")))
	assert.Nil(t, From(nil))
}

func TestIsCode(t *testing.T) {
	err := Conflict("TRAINING", errors.New("already active"))

	assert.True(t, IsCode(err, CodeConflict))
	assert.False(t, IsCode(err, CodeNotReady))
	assert.False(t, IsCode(errors.New("boom"), CodeConflict))
}

func TestStateCarriedOnConflictAndNotReady(t *testing.T) {
	assert.Equal(t, "TRAINING", Conflict("TRAINING", errors.New("x")).State)
	assert.Equal(t, "FAILED", NotReady("FAILED", errors.New("x")).State)
	assert.Empty(t, Validation(errors.New("x")).State)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "dial timeout", Timeout(errors.New("dial timeout")).Error())
	assert.Equal(t, CodeLock, (&Error{Code: CodeLock}).Error())
}
