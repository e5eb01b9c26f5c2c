package logger

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type ctxKey struct{}

// FromContext returns the trace id carried by ctx, or "" when none was
// seeded.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithTraceID seeds ctx with a trace id. An empty id mints a compact
// uuid, the same shape storage row ids use, so a trace id and the rows
// it touched read alike in the log.
func WithTraceID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	return context.WithValue(ctx, ctxKey{}, id)
}
