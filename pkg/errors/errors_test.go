package errors

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestErrorMessageFormat(t *testing.T) {
	err := NewResourceExhausted("quota rejected: requests-per-second")
	require.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
	require.Contains(t, err.Error(), "requests-per-second")
}

func TestForwardIncludesServerCode(t *testing.T) {
	err := Forward(codes.PermissionDenied, "policy denied")
	require.Equal(t, Forwarded, err.Code)
	require.Contains(t, err.Error(), "PermissionDenied")
}

func TestGRPCCodeMapping(t *testing.T) {
	tests := []struct {
		code Code
		want codes.Code
	}{
		{InvalidArgument, codes.InvalidArgument},
		{NotFound, codes.NotFound},
		{ResourceExhausted, codes.ResourceExhausted},
		{Unavailable, codes.Unavailable},
		{Cancelled, codes.Canceled},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.code.GRPCCode())
	}
}

func TestRetryableFlag(t *testing.T) {
	require.True(t, NewUnavailable("transport down").Retryable)
	require.False(t, NewInvalidArgument("bad input").Retryable)
	require.False(t, NewResourceExhausted("quota").Retryable)
	require.False(t, NewCancelled("cancelled").Retryable)
}

func TestIsNotFound(t *testing.T) {
	require.True(t, IsNotFound(New(NotFound, "cache miss")))
	require.False(t, IsNotFound(NewInvalidArgument("bad")))
	require.False(t, IsNotFound(nil))
}
