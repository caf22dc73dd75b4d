// Package auth exposes the signed-in user's identity to the challenge core.
package auth

import "context"

type contextKey string

const userIDKey contextKey = "clerkID"

// Provider reports the identity of the current user, if any.
type Provider interface {
	CurrentUserID(ctx context.Context) (string, bool)
}

// WithUserID returns a context carrying the authenticated user's id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID extracts the user id placed by WithUserID.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// ContextProvider reads the identity the Clerk middleware stored on the
// request context.
type ContextProvider struct{}

func (ContextProvider) CurrentUserID(ctx context.Context) (string, bool) {
	return UserID(ctx)
}
