// Package gotrue is a client of the hosted auth API (`/auth/v1`) that issues
// and refreshes the sessions the gateway consumes.
package gotrue

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	authgo "github.com/supabase-community/auth-go"
	"github.com/supabase-community/auth-go/types"
)

// ErrNotConfigured is returned by admin calls when no service role key is set.
var ErrNotConfigured = errors.New("gotrue: service role key not configured")

// Options configures a Client.
type Options struct {
	// BaseURL is the project URL; "/auth/v1" is appended.
	BaseURL        string
	AnonKey        string
	ServiceRoleKey string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client talks to the auth API through the auth-go SDK.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client

	api   authgo.Client
	admin authgo.Client
}

// New creates a client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/") + "/auth/v1"
	c := &Client{
		baseURL:    baseURL,
		anonKey:    opts.AnonKey,
		httpClient: httpClient,
		api:        authgo.New("", opts.AnonKey).WithCustomAuthURL(baseURL),
	}
	if opts.ServiceRoleKey != "" {
		c.admin = authgo.New("", opts.ServiceRoleKey).
			WithCustomAuthURL(baseURL).
			WithToken(opts.ServiceRoleKey)
	}
	return c
}

// User is the provider's view of an account.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
	AppMetadata  map[string]any `json:"app_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	LastSignInAt *time.Time     `json:"last_sign_in_at,omitempty"`
}

// MetadataString returns a string entry of the user metadata.
func (u User) MetadataString(key string) string {
	if u.UserMetadata == nil {
		return ""
	}
	val, _ := u.UserMetadata[key].(string)
	return strings.TrimSpace(val)
}

// Session is a token pair issued by the provider.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Expiry returns the access token expiry, falling back to now+ExpiresIn.
func (s Session) Expiry(now time.Time) time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0).UTC()
	}
	return now.Add(time.Duration(s.ExpiresIn) * time.Second).UTC()
}

// SendMagicLink emails a sign-in link that lands on redirectTo with a PKCE code.
// The SDK's OTP request carries neither redirect_to nor a code challenge, so
// this call is made directly.
func (c *Client) SendMagicLink(ctx context.Context, email, redirectTo, codeChallenge string) error {
	body := map[string]any{
		"email":       email,
		"create_user": true,
	}
	if codeChallenge != "" {
		body["code_challenge"] = codeChallenge
		body["code_challenge_method"] = "s256"
	}

	query := url.Values{}
	if redirectTo != "" {
		query.Set("redirect_to", redirectTo)
	}

	return c.post(ctx, "/otp", query, body)
}

// SignInWithPassword exchanges an email and password for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	resp, err := c.sdk(ctx, c.api, "").SignInWithEmailPassword(email, password)
	if err != nil {
		return nil, wrap("password sign-in", err)
	}
	return toSession(resp)
}

// RefreshSession trades a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	resp, err := c.sdk(ctx, c.api, "").RefreshToken(refreshToken)
	if err != nil {
		return nil, wrap("refresh", err)
	}
	return toSession(resp)
}

// ExchangeCode completes a PKCE flow started by SendMagicLink or AuthorizeURL.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*Session, error) {
	resp, err := c.sdk(ctx, c.api, "").Token(types.TokenRequest{
		GrantType:    "pkce",
		Code:         code,
		CodeVerifier: verifier,
	})
	if err != nil {
		return nil, wrap("code exchange", err)
	}
	return toSession(resp)
}

// GetUser returns the owner of accessToken.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	resp, err := c.sdk(ctx, c.api, accessToken).GetUser()
	if err != nil {
		return nil, wrap("get user", err)
	}
	return toUser(resp)
}

// UpdatePassword sets a new password for the owner of accessToken.
func (c *Client) UpdatePassword(ctx context.Context, accessToken, password string) (*User, error) {
	resp, err := c.sdk(ctx, c.api, accessToken).UpdateUser(types.UpdateUserRequest{Password: &password})
	if err != nil {
		return nil, wrap("update user", err)
	}
	return toUser(resp)
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := c.sdk(ctx, c.api, accessToken).Logout(); err != nil {
		return wrap("logout", err)
	}
	return nil
}

// AuthorizeURL returns the provider redirect that starts an OAuth PKCE flow.
func (c *Client) AuthorizeURL(provider, redirectTo, codeChallenge string) string {
	query := url.Values{}
	query.Set("provider", provider)
	if redirectTo != "" {
		query.Set("redirect_to", redirectTo)
	}
	if codeChallenge != "" {
		query.Set("code_challenge", codeChallenge)
		query.Set("code_challenge_method", "s256")
	}
	return c.baseURL + "/authorize?" + query.Encode()
}

// ListUsers returns the provider's accounts. It needs the service role key.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	if c.admin == nil {
		return nil, ErrNotConfigured
	}

	resp, err := c.sdk(ctx, c.admin, "").AdminListUsers()
	if err != nil {
		return nil, wrap("list users", err)
	}

	var users struct {
		Users []User `json:"users"`
	}
	if err := convert(resp, &users); err != nil {
		return nil, err
	}
	return users.Users, nil
}

// sdk binds api to ctx and, when set, to the caller's bearer token.
func (c *Client) sdk(ctx context.Context, api authgo.Client, bearer string) authgo.Client {
	hc := *c.httpClient
	hc.Transport = contextTransport{ctx: ctx, base: c.httpClient.Transport}
	api = api.WithClient(hc)
	if bearer != "" {
		api = api.WithToken(bearer)
	}
	return api
}

// contextTransport attaches ctx to every request, since the SDK's calls take
// no context of their own.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req.WithContext(t.ctx))
}
