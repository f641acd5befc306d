package authz

import (
	"context"

	"valtimo-authz/internal/metadata"
)

type ctxKey int

const (
	bypassKey ctxKey = iota
	userKey
)

// WithoutAuthorization returns a context in which every check passes and
// every filter is unrestricted. Nesting is idempotent.
func WithoutAuthorization(ctx context.Context) context.Context {
	if IsBypassed(ctx) {
		return ctx
	}
	return context.WithValue(ctx, bypassKey, true)
}

// RunWithoutAuthorization runs fn with authorization suppressed. The
// caller's ctx is untouched, so the bypass ends with fn however fn exits.
func RunWithoutAuthorization(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(WithoutAuthorization(ctx))
}

// RunWithoutAuthorizationValue is RunWithoutAuthorization for functions
// that produce a value.
func RunWithoutAuthorizationValue[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	return fn(WithoutAuthorization(ctx))
}

// IsBypassed reports whether ctx runs without authorization.
func IsBypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey).(bool)
	return v
}

// WithUser sets the acting principal.
func WithUser(ctx context.Context, user *metadata.UserContext) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the acting principal, or nil.
func UserFromContext(ctx context.Context) *metadata.UserContext {
	u, _ := ctx.Value(userKey).(*metadata.UserContext)
	return u
}

// RunWithUser runs fn as user. Authorization stays enforced, for user.
func RunWithUser(ctx context.Context, user *metadata.UserContext, fn func(ctx context.Context) error) error {
	return fn(WithUser(ctx, user))
}
