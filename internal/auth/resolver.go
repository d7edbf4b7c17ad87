package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxCacheEntries = 4096

// Resolver turns credentials into a session or an *AuthError.
//
// With a cache TTL configured, validated sessions are reused for at most the
// TTL and never past the session's own expiry. Concurrent lookups of the same
// access token share one provider call.
type Resolver struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	session *Session
	until   time.Time
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL enables the session cache.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver wraps a provider.
func NewResolver(provider Provider, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		provider: provider,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the session for creds. Any error is an *AuthError.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Empty() {
		return nil, &AuthError{Kind: Unauthenticated, Err: errNoCredentials}
	}

	key := ""
	if r.ttl > 0 && creds.AccessToken != "" {
		key = cacheKey(creds.AccessToken)
		if s, ok := r.lookup(key); ok {
			return s, nil
		}
	}

	var (
		session *Session
		err     error
	)
	if key != "" {
		var v any
		v, err, _ = r.group.Do(key, func() (any, error) {
			return r.provider.GetSession(ctx, creds)
		})
		session, _ = v.(*Session)
	} else {
		session, err = r.provider.GetSession(ctx, creds)
	}

	if err != nil {
		return nil, &AuthError{Kind: ProviderError, Err: err}
	}
	if session == nil {
		return nil, &AuthError{Kind: Unauthenticated, Err: errNoSession}
	}
	if session.Expired(r.now()) {
		return nil, &AuthError{Kind: Unauthenticated, Err: errExpired}
	}

	if key != "" && session.Refreshed == nil {
		r.store(key, session)
	}
	return session, nil
}

func (r *Resolver) lookup(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	if !r.now().Before(entry.until) {
		delete(r.entries, key)
		return nil, false
	}
	return entry.session, true
}

func (r *Resolver) store(key string, s *Session) {
	now := r.now()
	until := now.Add(r.ttl)
	if !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(until) {
		until = s.ExpiresAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= maxCacheEntries {
		for k, entry := range r.entries {
			if !now.Before(entry.until) {
				delete(r.entries, k)
			}
		}
		if len(r.entries) >= maxCacheEntries {
			r.entries = make(map[string]cacheEntry)
		}
	}
	r.entries[key] = cacheEntry{session: s, until: until}
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
