package domain

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestRunIDContext(t *testing.T) {
	if _, ok := RunIDFromContext(context.Background()); ok {
		t.Fatalf("expected no run ID in a bare context")
	}
	if _, ok := RunIDFromContext(ContextWithRunID(context.Background(), uuid.Nil)); ok {
		t.Fatalf("nil run IDs must be ignored")
	}

	id := uuid.New()
	ctx := ContextWithRunID(context.Background(), id)
	if got, ok := RunIDFromContext(ctx); !ok || got != id {
		t.Fatalf("expected %s, got %s (%t)", id, got, ok)
	}
	if RunIDOrNew(ctx) != id {
		t.Fatalf("RunIDOrNew must prefer the context ID")
	}
	if RunIDOrNew(context.Background()) == uuid.Nil {
		t.Fatalf("RunIDOrNew must generate an ID")
	}
}
