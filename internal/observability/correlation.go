// Package observability provides correlation ID generation and propagation
// for tying a Check/Alloc/Report call together across log lines and spans.
package observability

import (
	"context"

	"github.com/google/uuid"
)

// correlationIDKey is the context key for correlation IDs.
type correlationIDKey struct{}

// GenerateRequestID generates a new unique correlation ID.
func GenerateRequestID() string {
	return uuid.NewString()
}

// ContextWithRequestID attaches a correlation ID to ctx.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, requestID)
}

// RequestIDFromContext extracts the correlation ID from ctx, or "" if none
// was attached.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetOrCreateRequestID returns ctx's existing correlation ID, generating and
// attaching a new one if ctx doesn't already carry one.
func GetOrCreateRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateRequestID()
	return ContextWithRequestID(ctx, id), id
}
