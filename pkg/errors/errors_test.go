package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithInternalKeepsSentinelIdentity(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrDeviceUnreachable.WithInternal(cause)

	require.ErrorIs(t, err, ErrDeviceUnreachable)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connection refused")
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	wrapped := fmt.Errorf("claim job: %w", ErrStateConflict)
	require.Equal(t, ErrStateConflict.Code, FromError(wrapped).Code)

	plain := FromError(errors.New("boom"))
	require.Equal(t, ErrInternalServer.Code, plain.Code)
	require.EqualError(t, plain.Internal, "boom")
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(ErrDeviceUnreachable))
	require.True(t, IsRetryable(ErrGatewayTimeout.WithInternal(errors.New("deadline"))))
	require.True(t, IsRetryable(fmt.Errorf("execute: %w", ErrGatewayUnreachable)))

	require.False(t, IsRetryable(ErrDeviceRejected))
	require.False(t, IsRetryable(ErrValidation))
	require.False(t, IsRetryable(errors.New("other")))
}

func TestNewValidation(t *testing.T) {
	err := NewValidation("face photo is required")
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "face photo is required", err.Message)
}
