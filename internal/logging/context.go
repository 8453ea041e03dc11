// Package logging holds request-scoped identifiers shared between middleware
// and the logger.
package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// TraceIDKey carries the request trace identifier.
	TraceIDKey contextKey = "trace_id"
	// UserIDKey carries the authenticated user, when known.
	UserIDKey contextKey = "user_id"
)

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID attaches a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID attaches the authenticated user to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the user ID from the context, or "".
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
