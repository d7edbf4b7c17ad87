package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/guard"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

// SessionResolver resolves credentials into a session.
type SessionResolver interface {
	Resolve(ctx context.Context, creds auth.Credentials) (*auth.Session, error)
}

// Sessions resolves request sessions from cookies and keeps refreshed tokens
// in the browser.
type Sessions struct {
	resolver SessionResolver
	cookies  auth.Cookies
	now      func() time.Time
	observe  func(result string)
}

// NewSessions creates a Sessions. observe may be nil.
func NewSessions(resolver SessionResolver, cookies auth.Cookies, observe func(result string)) *Sessions {
	if observe == nil {
		observe = func(string) {}
	}
	return &Sessions{resolver: resolver, cookies: cookies, now: time.Now, observe: observe}
}

// Cookies returns the cookie settings.
func (s *Sessions) Cookies() auth.Cookies {
	return s.cookies
}

// Resolve returns the request's session, or nil with an *auth.AuthError.
// Refreshed tokens are written as cookies, so call it before the response
// header is sent.
func (s *Sessions) Resolve(w http.ResponseWriter, r *http.Request) (*auth.Session, error) {
	session, err := s.Peek(r)
	if err != nil {
		return nil, err
	}
	s.WriteRefreshed(w, session)
	return session, nil
}

// Peek resolves the request's session without touching the response.
func (s *Sessions) Peek(r *http.Request) (*auth.Session, error) {
	if session, ok := auth.SessionFromContext(r.Context()); ok {
		return session, nil
	}

	session, err := s.resolver.Resolve(r.Context(), s.cookies.Credentials(r))
	switch {
	case err == nil:
		s.observe("ok")
		return session, nil
	case auth.KindOf(err) == auth.ProviderError:
		s.observe("provider_error")
		logging.FromContext(r.Context()).Warn().Err(err).Msg("session provider failed")
	default:
		s.observe("none")
	}
	return nil, err
}

// WriteRefreshed persists tokens the provider rotated during resolution.
func (s *Sessions) WriteRefreshed(w http.ResponseWriter, session *auth.Session) {
	if session != nil && session.Refreshed != nil {
		s.cookies.Set(w, *session.Refreshed, s.now())
	}
}

// Require rejects requests with no session with 401. Provider failures are
// treated the same way.
func (s *Sessions) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.Resolve(w, r)
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), session)))
	})
}

// Guard wraps rules with this resolver. A provider failure is reported as
// SessionUnknown, which protected paths treat as no session.
func (s *Sessions) Guard(rules guard.Rules) func(http.Handler) http.Handler {
	return guard.Middleware(rules, s.State)
}

// State implements guard.StateFunc.
func (s *Sessions) State(w http.ResponseWriter, r *http.Request) guard.SessionState {
	if s.cookies.Credentials(r).Empty() {
		return guard.NoSession
	}
	_, err := s.Resolve(w, r)
	switch {
	case err == nil:
		return guard.HasSession
	case auth.KindOf(err) == auth.ProviderError:
		return guard.SessionUnknown
	default:
		return guard.NoSession
	}
}
