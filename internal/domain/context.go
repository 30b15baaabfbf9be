package domain

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const runIDKey contextKey = "runID"

// ContextWithRunID returns a context that carries the ID of the export run it
// belongs to.
func ContextWithRunID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext retrieves the run ID from ctx, if any.
func RunIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	id, ok := ctx.Value(runIDKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// RunIDOrNew returns the run ID carried by ctx, or a fresh one.
func RunIDOrNew(ctx context.Context) uuid.UUID {
	if id, ok := RunIDFromContext(ctx); ok {
		return id
	}
	return uuid.New()
}
