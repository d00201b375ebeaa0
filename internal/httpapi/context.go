package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey int

const (
	userIDKey contextKey = iota
	isAdminKey
)

// WithIdentity is the hook an external auth collaborator's middleware calls
// after verifying a token, attaching the caller's identity for every handler
// below it to read. This core never issues or verifies tokens itself.
func WithIdentity(ctx context.Context, userID uuid.UUID, isAdmin bool) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, isAdminKey, isAdmin)
}

func userIDFromContext(r *http.Request) (uuid.UUID, bool) {
	v, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return v, ok
}

func isAdminFromContext(r *http.Request) bool {
	v, _ := r.Context().Value(isAdminKey).(bool)
	return v
}
