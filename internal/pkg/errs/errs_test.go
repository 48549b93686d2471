package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorDefaultsStatus(t *testing.T) {
	err := NewError(ErrMessageContentEmpty)

	assert.Equal(t, ErrMessageContentEmpty, err.Code)
	assert.Equal(t, http.StatusOK, err.Status)
}

func TestNewErrorFormatsTemplate(t *testing.T) {
	err := NewError(ErrMessageContentTooLong, 5000)

	assert.Equal(t, "Message is too long (max 5000 bytes).", err.Message)
}

func TestNewErrorUnknownCodeFallsBack(t *testing.T) {
	err := NewError(424242)

	assert.Equal(t, ErrUnknown, err.Code)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrMessagePersistFailed, cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, HasCode(fmt.Errorf("submit: %w", err), ErrMessagePersistFailed))
}

func TestAs(t *testing.T) {
	assert.Nil(t, As(nil))

	plain := As(errors.New("boom"))
	require.NotNil(t, plain)
	assert.Equal(t, ErrUnknown, plain.Code)

	denied := As(fmt.Errorf("wrapped: %w", NewError(ErrChatAccessDenied)))
	assert.Equal(t, ErrChatAccessDenied, denied.Code)
	assert.Equal(t, http.StatusForbidden, denied.Status)
}
