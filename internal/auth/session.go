// Package auth resolves the caller's session from request credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credentials is the credential material a request carries.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether no token was presented.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// TokenPair is a freshly issued pair that must be written back to the client.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Session is the identity behind a request.
type Session struct {
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
	// AccessToken is the token the session was validated with, after refresh.
	AccessToken string
	// Refreshed is set when the provider issued new tokens during validation.
	Refreshed *TokenPair
}

// Expired reports whether the session is past its expiry. A zero expiry never expires.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Provider validates credentials against the auth provider. A nil session with
// a nil error means the credentials do not identify anyone.
type Provider interface {
	GetSession(ctx context.Context, creds Credentials) (*Session, error)
}

// ErrorKind classifies an AuthError.
type ErrorKind int

const (
	// Unauthenticated means no valid session exists.
	Unauthenticated ErrorKind = iota + 1
	// ProviderError means the provider could not be asked.
	ProviderError
)

func (k ErrorKind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case ProviderError:
		return "provider_error"
	default:
		return "unknown"
	}
}

// AuthError is the only error type Resolver returns.
type AuthError struct {
	Kind ErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an AuthError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return 0
}

var (
	errNoCredentials = errors.New("no credentials")
	errNoSession     = errors.New("no session")
	errExpired       = errors.New("session expired")
)

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session stored by WithSession.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
