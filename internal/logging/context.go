package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type taskCtxKey struct{}
type requestCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)

	if taskKey := TaskKeyFromContext(ctx); taskKey != "" {
		fields = append(fields, zap.String("task.key", taskKey))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// WithTaskKey adds the issue key of the task being processed to context.
func WithTaskKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, key)
}

// TaskKeyFromContext extracts the task's issue key from context.
func TaskKeyFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return k
	}
	return ""
}

// WithRequestID adds a request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}
