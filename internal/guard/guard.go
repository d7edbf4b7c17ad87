// Package guard decides whether a page request may proceed given the
// caller's session state.
package guard

import (
	"net/http"
	"path"
	"strings"
)

// SessionState is what session resolution concluded about a request.
type SessionState int

const (
	// NoSession means the caller is not signed in.
	NoSession SessionState = iota
	// HasSession means a valid session was resolved.
	HasSession
	// SessionUnknown means the provider could not be asked.
	SessionUnknown
)

// Action is the outcome of a decision.
type Action int

const (
	Allow Action = iota
	Redirect
)

// Decision is what to do with a request.
type Decision struct {
	Action   Action
	Location string
}

// Rules is the ordered rule set. The first matching rule wins.
type Rules struct {
	// Protected prefixes require a session.
	Protected []string
	// AuthPrefix pages bounce signed-in users to Home.
	AuthPrefix string
	// Exempt paths under AuthPrefix are reachable with a session.
	Exempt []string
	SignIn string
	Home   string
}

// DefaultRules protects the dashboard and chat areas. Sign-out, the auth
// callback and password setup stay reachable with a session.
func DefaultRules(signIn, home string) Rules {
	return Rules{
		Protected:  []string{"/dashboard", "/chat", "/chat-app"},
		AuthPrefix: "/auth",
		Exempt:     []string{"/auth/signout", "/auth/callback", "/auth/setup-password"},
		SignIn:     signIn,
		Home:       home,
	}
}

// Evaluate is a pure function of path and state. A provider failure fails
// closed on protected prefixes and open everywhere else. Paths are compared
// in their cleaned form, the same form the page handler serves.
func (r Rules) Evaluate(p string, state SessionState) Decision {
	p = canonical(p)
	if anyPrefix(p, r.Protected) && state != HasSession {
		return Decision{Action: Redirect, Location: r.SignIn}
	}

	if r.AuthPrefix != "" && underPrefix(p, r.AuthPrefix) && state == HasSession && !anyPrefix(p, r.Exempt) {
		return Decision{Action: Redirect, Location: r.Home}
	}

	return Decision{Action: Allow}
}

// Applies reports whether any rule can redirect path, so callers can skip
// session resolution for everything else.
func (r Rules) Applies(p string) bool {
	p = canonical(p)
	return anyPrefix(p, r.Protected) || (r.AuthPrefix != "" && underPrefix(p, r.AuthPrefix) && !anyPrefix(p, r.Exempt))
}

// canonical resolves "//", "." and ".." segments.
func canonical(p string) string {
	return path.Clean("/" + p)
}

// underPrefix matches whole path segments: "/chat" covers "/chat" and
// "/chat/x" but not "/chatter".
func underPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func anyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if underPrefix(path, p) {
			return true
		}
	}
	return false
}

// StateFunc resolves the session state of a request. It may set response
// headers, such as refreshed session cookies.
type StateFunc func(w http.ResponseWriter, r *http.Request) SessionState

// Middleware applies rules to every request, redirecting with 307.
func Middleware(rules Rules, state StateFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rules.Applies(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			decision := rules.Evaluate(r.URL.Path, state(w, r))
			if decision.Action == Redirect {
				http.Redirect(w, r, decision.Location, http.StatusTemporaryRedirect)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
