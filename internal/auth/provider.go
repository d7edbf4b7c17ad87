package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/luma-therapy/luma/backend/internal/auth/gotrue"
)

// Refresher issues a new session from a refresh token.
type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*gotrue.Session, error)
}

// UserFetcher looks up the owner of an access token.
type UserFetcher interface {
	GetUser(ctx context.Context, accessToken string) (*gotrue.User, error)
}

type accessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTProvider validates access tokens locally with the project's JWT secret.
type JWTProvider struct {
	secret    []byte
	audience  string
	refresher Refresher
	now       func() time.Time
}

// NewJWTProvider creates a provider. refresher may be nil, in which case an
// expired token is simply no session.
func NewJWTProvider(secret, audience string, refresher Refresher) *JWTProvider {
	return &JWTProvider{
		secret:    []byte(secret),
		audience:  audience,
		refresher: refresher,
		now:       time.Now,
	}
}

// GetSession implements Provider.
func (p *JWTProvider) GetSession(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.AccessToken == "" {
		return p.refresh(ctx, creds.RefreshToken)
	}

	claims, err := p.parse(creds.AccessToken)
	switch {
	case err == nil:
		return sessionFromClaims(creds.AccessToken, claims), nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return p.refresh(ctx, creds.RefreshToken)
	default:
		return nil, nil
	}
}

func (p *JWTProvider) parse(token string) (*accessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (p *JWTProvider) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" || p.refresher == nil {
		return nil, nil
	}
	return refreshSession(ctx, p.refresher, refreshToken, p.now())
}

// RemoteProvider validates access tokens by asking the provider for the user.
type RemoteProvider struct {
	users     UserFetcher
	refresher Refresher
	now       func() time.Time
}

// NewRemoteProvider creates a provider backed by the auth API.
func NewRemoteProvider(users UserFetcher, refresher Refresher) *RemoteProvider {
	return &RemoteProvider{users: users, refresher: refresher, now: time.Now}
}

// GetSession implements Provider.
func (p *RemoteProvider) GetSession(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.AccessToken == "" {
		if creds.RefreshToken == "" || p.refresher == nil {
			return nil, nil
		}
		return refreshSession(ctx, p.refresher, creds.RefreshToken, p.now())
	}

	user, err := p.users.GetUser(ctx, creds.AccessToken)
	if err != nil {
		if gotrue.IsClientError(err) {
			if creds.RefreshToken != "" && p.refresher != nil {
				return refreshSession(ctx, p.refresher, creds.RefreshToken, p.now())
			}
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &Session{
		UserID:      user.ID,
		Email:       user.Email,
		Role:        user.Role,
		ExpiresAt:   unverifiedExpiry(creds.AccessToken),
		AccessToken: creds.AccessToken,
	}, nil
}

func refreshSession(ctx context.Context, refresher Refresher, refreshToken string, now time.Time) (*Session, error) {
	issued, err := refresher.RefreshSession(ctx, refreshToken)
	if err != nil {
		if gotrue.IsClientError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	expiresAt := issued.Expiry(now)
	return &Session{
		UserID:      issued.User.ID,
		Email:       issued.User.Email,
		Role:        issued.User.Role,
		ExpiresAt:   expiresAt,
		AccessToken: issued.AccessToken,
		Refreshed: &TokenPair{
			AccessToken:  issued.AccessToken,
			RefreshToken: issued.RefreshToken,
			ExpiresAt:    expiresAt,
		},
	}, nil
}

func sessionFromClaims(token string, claims *accessClaims) *Session {
	s := &Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        claims.Role,
		AccessToken: token,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.UTC()
	}
	return s
}

// unverifiedExpiry reads exp from a token the provider has already vouched for.
func unverifiedExpiry(token string) time.Time {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.UTC()
}
