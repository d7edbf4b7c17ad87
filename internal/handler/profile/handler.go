// Package profile serves the signed-in user's profile and security settings.
package profile

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/luma-therapy/luma/backend/internal/auth"
	authhandler "github.com/luma-therapy/luma/backend/internal/handler/auth"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/service/account"
	"github.com/luma-therapy/luma/backend/internal/store"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

// Accounts is the account service API used by the handler.
type Accounts interface {
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
	UpdateProfile(ctx context.Context, userID string, displayName, avatarURL *string) (*store.Profile, error)
	ChangePassword(ctx context.Context, session *auth.Session, current, password, confirm string) error
	ListSecurityEvents(ctx context.Context, userID string, limit int) ([]*store.AuditEvent, error)
}

// Handler serves /profile. Routes expect a session in the request context.
type Handler struct {
	accounts Accounts
}

// New creates a profile handler.
func New(accounts Accounts) *Handler {
	return &Handler{accounts: accounts}
}

// RegisterRoutes mounts the profile routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/profile", h.handleGet)
	r.Put("/profile", h.handleUpdate)
	r.Post("/profile/password", h.handleChangePassword)
	r.Post("/profile/password-strength", h.handleStrength)
	r.Get("/profile/security-events", h.handleSecurityEvents)
}

type profileResponse struct {
	UserID           string `json:"userId"`
	Email            string `json:"email,omitempty"`
	DisplayName      string `json:"displayName"`
	AvatarURL        string `json:"avatarUrl,omitempty"`
	Role             string `json:"role"`
	HasPasswordSetup bool   `json:"hasPasswordSetup"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt"`
}

type eventResponse struct {
	ID        int64          `json:"id"`
	EventType string         `json:"eventType"`
	EventTime string         `json:"eventTime"`
	TraceID   string         `json:"traceId,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func formatTs(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func toResponse(p *store.Profile, session *auth.Session) profileResponse {
	return profileResponse{
		UserID:           p.UserID,
		Email:            session.Email,
		DisplayName:      p.DisplayName,
		AvatarURL:        p.AvatarURL,
		Role:             p.Role,
		HasPasswordSetup: p.HasPasswordSetup,
		CreatedAt:        formatTs(p.CreatedTs),
		UpdatedAt:        formatTs(p.UpdatedTs),
	}
}

func (h *Handler) respondProfileError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, account.ErrProfileNotFound):
		utils.RespondError(w, http.StatusNotFound, "Profile not found")
	case errors.Is(err, account.ErrInvalidDisplayName):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		logging.FromContext(r.Context()).Error().Err(err).Msg("profile request failed")
		utils.RespondError(w, http.StatusInternalServerError, "Failed to load profile")
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())

	p, err := h.accounts.GetProfile(r.Context(), session.UserID)
	if err != nil {
		h.respondProfileError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, toResponse(p, session))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())

	var payload struct {
		DisplayName *string `json:"displayName"`
		AvatarURL   *string `json:"avatarUrl"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.accounts.UpdateProfile(r.Context(), session.UserID, payload.DisplayName, payload.AvatarURL)
	if err != nil {
		h.respondProfileError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, toResponse(p, session))
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())

	var payload struct {
		CurrentPassword string `json:"currentPassword"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.accounts.ChangePassword(r.Context(), session, payload.CurrentPassword, payload.Password, payload.ConfirmPassword)
	if err != nil {
		authhandler.RespondPasswordError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Password updated successfully"})
}

func (h *Handler) handleStrength(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	strength := account.CheckPasswordStrength(payload.Password)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"strength":   strength,
		"acceptable": strength.Acceptable(),
	})
}

func (h *Handler) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.accounts.ListSecurityEvents(r.Context(), session.UserID, limit)
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("list security events failed")
		utils.RespondError(w, http.StatusInternalServerError, "Failed to load security events")
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:        e.ID,
			EventType: e.EventType,
			EventTime: formatTs(e.EventTime),
			TraceID:   e.TraceID,
			Meta:      e.Meta,
		})
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"events": out})
}
