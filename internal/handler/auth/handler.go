// Package auth serves sign-in, sign-out and the provider callback.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/auth/gotrue"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/middleware"
	"github.com/luma-therapy/luma/backend/internal/service/account"
	"github.com/luma-therapy/luma/backend/internal/store"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

const (
	verifierCookie = "sb-pkce-verifier"
	verifierMaxAge = 10 * time.Minute
	callbackPath   = "/auth/callback"
)

// Identity is the auth provider API used by the handler.
type Identity interface {
	SendMagicLink(ctx context.Context, email, redirectTo, codeChallenge string) error
	SignInWithPassword(ctx context.Context, email, password string) (*gotrue.Session, error)
	ExchangeCode(ctx context.Context, code, verifier string) (*gotrue.Session, error)
	GetUser(ctx context.Context, accessToken string) (*gotrue.User, error)
	SignOut(ctx context.Context, accessToken string) error
	AuthorizeURL(provider, redirectTo, codeChallenge string) string
}

// Accounts is the account service API used by the handler.
type Accounts interface {
	EnsureProfile(ctx context.Context, user gotrue.User) (*store.Profile, error)
	SetupPassword(ctx context.Context, session *auth.Session, password, confirm string) error
	RecordAudit(ctx context.Context, userID, eventType string, meta map[string]any) error
}

// Options holds the redirect targets and the OAuth provider allowlist.
type Options struct {
	SiteURL    string
	SignInPath string
	HomePath   string
	Providers  []string
}

// Handler serves the /auth routes.
type Handler struct {
	identity Identity
	accounts Accounts
	sessions *middleware.Sessions
	opts     Options
	now      func() time.Time
}

// New creates an auth handler.
func New(identity Identity, accounts Accounts, sessions *middleware.Sessions, opts Options) *Handler {
	opts.SiteURL = strings.TrimRight(opts.SiteURL, "/")
	return &Handler{identity: identity, accounts: accounts, sessions: sessions, opts: opts, now: time.Now}
}

// RegisterRoutes mounts the auth routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/magic-link", h.handleMagicLink)
	r.Post("/auth/signin", h.handleSignIn)
	r.Get("/auth/oauth/{provider}", h.handleOAuth)
	r.Get(callbackPath, h.handleCallback)
	r.Post("/auth/signout", h.handleSignOut)
	r.With(h.sessions.Require).Post("/auth/setup-password", h.handleSetupPassword)
}

func (h *Handler) callbackURL() string {
	return h.opts.SiteURL + callbackPath
}

// signInError is the sign-in page with the error carried in the fragment.
func (h *Handler) signInError(code, description string) string {
	return h.opts.SiteURL + h.opts.SignInPath + "#error=" + url.PathEscape(code) + "&error_description=" + url.PathEscape(description)
}

func (h *Handler) newVerifier(w http.ResponseWriter) string {
	verifier := oauth2.GenerateVerifier()
	http.SetCookie(w, &http.Cookie{
		Name:     verifierCookie,
		Value:    verifier,
		Path:     "/auth",
		MaxAge:   int(verifierMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.sessions.Cookies().Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func (h *Handler) clearVerifier(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     verifierCookie,
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.sessions.Cookies().Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// establish writes the session cookies, makes sure a profile exists and
// records the sign-in. Profile and audit failures do not fail the sign-in.
func (h *Handler) establish(ctx context.Context, w http.ResponseWriter, session *gotrue.Session, method string) {
	now := h.now()
	h.sessions.Cookies().Set(w, auth.TokenPair{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.Expiry(now),
	}, now)

	logger := logging.FromContext(ctx)
	if _, err := h.accounts.EnsureProfile(ctx, session.User); err != nil {
		logger.Error().Err(err).Str("user_id", session.User.ID).Msg("ensure profile failed")
	}
	if err := h.accounts.RecordAudit(ctx, session.User.ID, store.EventSignIn, map[string]any{"method": method}); err != nil {
		logger.Error().Err(err).Str("user_id", session.User.ID).Msg("sign-in audit failed")
	}
}

func (h *Handler) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.TrimSpace(payload.Email)
	if !strings.Contains(email, "@") {
		utils.RespondError(w, http.StatusBadRequest, "A valid email is required")
		return
	}

	challenge := h.newVerifier(w)
	if err := h.identity.SendMagicLink(r.Context(), email, h.callbackURL(), challenge); err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("magic link failed")
		var apiErr *gotrue.APIError
		if errors.As(err, &apiErr) && gotrue.IsClientError(err) {
			utils.RespondError(w, apiErr.Status, apiErr.Message)
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "Failed to send magic link")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Check your email for the login link"})
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Email == "" || payload.Password == "" {
		utils.RespondError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	session, err := h.identity.SignInWithPassword(r.Context(), strings.TrimSpace(payload.Email), payload.Password)
	if err != nil {
		if gotrue.IsClientError(err) {
			utils.RespondError(w, http.StatusUnauthorized, "Invalid login credentials")
			return
		}
		logging.FromContext(r.Context()).Error().Err(err).Msg("password sign-in failed")
		utils.RespondError(w, http.StatusInternalServerError, "Sign in failed")
		return
	}

	h.establish(r.Context(), w, session, "password")
	utils.RespondJSON(w, http.StatusOK, map[string]string{"redirect": h.opts.HomePath})
}

func (h *Handler) handleOAuth(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	if !slices.Contains(h.opts.Providers, provider) {
		utils.RespondError(w, http.StatusNotFound, "Unsupported provider")
		return
	}

	challenge := h.newVerifier(w)
	http.Redirect(w, r, h.identity.AuthorizeURL(provider, h.callbackURL(), challenge), http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		desc := query.Get("error_description")
		if desc == "" {
			desc = "Authentication error"
		}
		logger.Warn().Str("error", errParam).Str("description", desc).Msg("provider returned an error")
		http.Redirect(w, r, h.signInError(errParam, desc), http.StatusTemporaryRedirect)
		return
	}

	code := query.Get("code")
	if code == "" {
		http.Redirect(w, r, h.signInError("no_code", "No authorization code provided. Please try signing in again."), http.StatusTemporaryRedirect)
		return
	}

	var verifier string
	if c, err := r.Cookie(verifierCookie); err == nil {
		verifier = c.Value
	}
	h.clearVerifier(w)

	session, err := h.identity.ExchangeCode(ctx, code, verifier)
	if err != nil {
		logger.Warn().Err(err).Msg("code exchange failed")
		var apiErr *gotrue.APIError
		switch {
		case strings.Contains(strings.ToLower(err.Error()), "expired"):
			http.Redirect(w, r, h.signInError("link_expired", "Your login link has expired. Please request a new one."), http.StatusTemporaryRedirect)
		case errors.As(err, &apiErr):
			name := apiErr.Code
			if name == "" {
				name = "SessionError"
			}
			http.Redirect(w, r, h.signInError(name, apiErr.Message), http.StatusTemporaryRedirect)
		default:
			http.Redirect(w, r, h.signInError("callback_error", "An unexpected error occurred during authentication. Please try again."), http.StatusTemporaryRedirect)
		}
		return
	}

	if session.User.ID == "" {
		user, err := h.identity.GetUser(ctx, session.AccessToken)
		if err != nil {
			logger.Error().Err(err).Msg("user lookup after exchange failed")
			http.Redirect(w, r, h.signInError("user_fetch_failed", "Failed to get user details"), http.StatusTemporaryRedirect)
			return
		}
		session.User = *user
	}

	h.establish(ctx, w, session, "callback")
	http.Redirect(w, r, h.opts.SiteURL+h.opts.HomePath, http.StatusTemporaryRedirect)
}

// handleSignOut always clears the cookies and redirects, even when the
// provider cannot be reached.
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if session, err := h.sessions.Peek(r); err == nil {
		if err := h.identity.SignOut(ctx, session.AccessToken); err != nil {
			logger.Warn().Err(err).Msg("provider sign-out failed")
		}
		if err := h.accounts.RecordAudit(ctx, session.UserID, store.EventSignOut, nil); err != nil {
			logger.Error().Err(err).Msg("sign-out audit failed")
		}
	}

	h.sessions.Cookies().Clear(w)
	http.Redirect(w, r, h.opts.SiteURL+h.opts.SignInPath, http.StatusSeeOther)
}

func (h *Handler) handleSetupPassword(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())

	var payload struct {
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.accounts.SetupPassword(r.Context(), session, payload.Password, payload.ConfirmPassword); err != nil {
		RespondPasswordError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Password set successfully"})
}

// RespondPasswordError maps account password failures to responses.
func RespondPasswordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, account.ErrPasswordMismatch),
		errors.Is(err, account.ErrWeakPassword),
		errors.Is(err, account.ErrCurrentPasswordRequired),
		errors.Is(err, account.ErrCurrentPasswordInvalid),
		errors.Is(err, account.ErrPasswordRejected):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		logging.FromContext(r.Context()).Error().Err(err).Msg("password update failed")
		utils.RespondError(w, http.StatusInternalServerError, "Failed to update password")
	}
}
