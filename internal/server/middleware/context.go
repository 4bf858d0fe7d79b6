package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const ContextKeyClientID contextKey = "client_id"

// WithClientID tags ctx with a fresh client id for log correlation.
func WithClientID(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextKeyClientID, uuid.New())
}

func ClientIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyClientID).(uuid.UUID)
	return v, ok
}
