// Package admin serves administrator-only endpoints.
package admin

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/auth/gotrue"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

// Directory lists provider accounts.
type Directory interface {
	ListUsers(ctx context.Context) ([]gotrue.User, error)
}

// Roles answers whether a user is an administrator.
type Roles interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Handler serves /admin. Routes expect a session in the request context.
type Handler struct {
	directory Directory
	roles     Roles
}

// New creates an admin handler.
func New(directory Directory, roles Roles) *Handler {
	return &Handler{directory: directory, roles: roles}
}

// RegisterRoutes mounts the admin routes behind RequireAdmin.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(h.RequireAdmin).Get("/admin/users", h.handleListUsers)
}

// RequireAdmin answers 403 unless the session's profile has the admin role.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := auth.SessionFromContext(r.Context())
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		admin, err := h.roles.IsAdmin(r.Context(), session.UserID)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("admin role lookup failed")
			utils.RespondError(w, http.StatusInternalServerError, "An unexpected error occurred")
			return
		}
		if !admin {
			utils.RespondError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.directory.ListUsers(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("list users failed")
		utils.RespondError(w, http.StatusInternalServerError, "Failed to fetch users")
		return
	}
	if users == nil {
		users = []gotrue.User{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"users": users})
}
