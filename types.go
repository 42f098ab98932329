package session

import (
	"context"
	"fmt"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Error(format string, args ...any)
}

// Principal is the identity provider's user handle. Its lifecycle belongs to
// the identity platform; the controller holds a read-only reference and never
// owns it.
type Principal interface {
	ID() string
	Email() string
}

// IdentityClient is the surface we consume from the identity platform SDK.
type IdentityClient interface {
	// OnSessionChange registers a callback invoked whenever the identity
	// session changes. A nil principal means the session ended. The returned
	// function unsubscribes the callback.
	OnSessionChange(fn func(Principal)) (unsubscribe func())

	// Token returns a bearer token for the current session, forcing a fresh
	// token when forceRefresh is set.
	Token(ctx context.Context, forceRefresh bool) (string, error)

	// SignOut ends the identity session.
	SignOut(ctx context.Context) error
}

// BackendClient materializes and validates application users against the
// backend. Sync must never be called with allowCreate unless the caller is an
// explicit signup flow.
type BackendClient interface {
	Sync(ctx context.Context, token string, allowCreate bool) (*User, error)
	Logout(ctx context.Context) error
	ActivateProduct(ctx context.Context, product string) error
}

// Storage holds client-side state owned by the rest of the application. The
// controller only ever clears it during a forced sign-out.
type Storage interface {
	Clear(ctx context.Context, keys ...string) error
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] SESSION "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] SESSION "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] SESSION "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
