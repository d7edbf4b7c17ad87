// Package account manages application profiles, passwords and the auth
// audit trail on top of the auth provider.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/auth/gotrue"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/store"
)

// Validation failures. Their messages are shown to users as-is.
var (
	ErrPasswordMismatch        = errors.New("Passwords don't match")
	ErrWeakPassword            = errors.New("Password is not strong enough")
	ErrCurrentPasswordRequired = errors.New("Current password is required")
	ErrCurrentPasswordInvalid  = errors.New("Current password is incorrect")
	ErrInvalidDisplayName      = errors.New("Display name must be between 1 and 100 characters")
	ErrPasswordRejected        = errors.New("Password was rejected")
)

// ErrProfileNotFound is returned when a user has no profile row.
var ErrProfileNotFound = errors.New("profile not found")

const maxDisplayNameLen = 100

// Store is the persistence the service needs.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
	CreateProfile(ctx context.Context, create *store.CreateProfile) (*store.Profile, error)
	UpdateProfile(ctx context.Context, update *store.UpdateProfile) (*store.Profile, error)
	CreateAuditEvent(ctx context.Context, create *store.AuditEvent) (*store.AuditEvent, error)
	ListAuditEvents(ctx context.Context, find *store.FindAuditEvent) ([]*store.AuditEvent, error)
}

// Identity is the part of the auth provider that owns passwords.
type Identity interface {
	SignInWithPassword(ctx context.Context, email, password string) (*gotrue.Session, error)
	UpdatePassword(ctx context.Context, accessToken, password string) (*gotrue.User, error)
}

// Service implements account operations.
type Service struct {
	store    Store
	identity Identity
}

// NewService creates a service.
func NewService(st Store, identity Identity) *Service {
	return &Service{store: st, identity: identity}
}

// DisplayNameFor picks the full_name metadata, else the email local part, else "User".
func DisplayNameFor(user gotrue.User) string {
	if name := user.MetadataString("full_name"); name != "" {
		return name
	}
	if local, _, _ := strings.Cut(user.Email, "@"); local != "" {
		return local
	}
	return "User"
}

// EnsureProfile creates the user's profile on first sign-in and returns it.
func (s *Service) EnsureProfile(ctx context.Context, user gotrue.User) (*store.Profile, error) {
	existing, err := s.store.GetProfile(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	created, err := s.store.CreateProfile(ctx, &store.CreateProfile{
		UserID:      user.ID,
		DisplayName: DisplayNameFor(user),
		AvatarURL:   user.MetadataString("avatar_url"),
	})
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	logging.FromContext(ctx).Info().Str("user_id", user.ID).Msg("profile created")
	return created, nil
}

// GetProfile returns ErrProfileNotFound for users without a profile.
func (s *Service) GetProfile(ctx context.Context, userID string) (*store.Profile, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}
	return profile, nil
}

// UpdateProfile changes the display name and avatar. Nil fields are kept.
func (s *Service) UpdateProfile(ctx context.Context, userID string, displayName, avatarURL *string) (*store.Profile, error) {
	update := &store.UpdateProfile{UserID: userID, AvatarURL: avatarURL}
	if displayName != nil {
		name := strings.TrimSpace(*displayName)
		if name == "" || len([]rune(name)) > maxDisplayNameLen {
			return nil, ErrInvalidDisplayName
		}
		update.DisplayName = &name
	}

	profile, err := s.store.UpdateProfile(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}
	return profile, nil
}

// SetupPassword sets the first password of an account that signed in by link or OAuth.
func (s *Service) SetupPassword(ctx context.Context, session *auth.Session, password, confirm string) error {
	if err := validateNewPassword(password, confirm); err != nil {
		return err
	}
	if err := s.setPassword(ctx, session, password); err != nil {
		return err
	}
	return s.RecordAudit(ctx, session.UserID, store.EventPasswordSetup, map[string]any{"status": "success"})
}

// ChangePassword replaces the password. The current password is verified
// first when the account already has one.
func (s *Service) ChangePassword(ctx context.Context, session *auth.Session, current, password, confirm string) error {
	if err := validateNewPassword(password, confirm); err != nil {
		return err
	}

	profile, err := s.store.GetProfile(ctx, session.UserID)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	if profile != nil && profile.HasPasswordSetup {
		if current == "" {
			return ErrCurrentPasswordRequired
		}
		if _, err := s.identity.SignInWithPassword(ctx, session.Email, current); err != nil {
			if gotrue.IsClientError(err) {
				return ErrCurrentPasswordInvalid
			}
			return fmt.Errorf("verify current password: %w", err)
		}
	}

	if err := s.setPassword(ctx, session, password); err != nil {
		return err
	}
	return s.RecordAudit(ctx, session.UserID, store.EventPasswordChange, map[string]any{"status": "success"})
}

func validateNewPassword(password, confirm string) error {
	if password != confirm {
		return ErrPasswordMismatch
	}
	if !CheckPasswordStrength(password).Acceptable() {
		return ErrWeakPassword
	}
	return nil
}

func (s *Service) setPassword(ctx context.Context, session *auth.Session, password string) error {
	if _, err := s.identity.UpdatePassword(ctx, session.AccessToken, password); err != nil {
		var apiErr *gotrue.APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return fmt.Errorf("%w: %s", ErrPasswordRejected, apiErr.Message)
		}
		return fmt.Errorf("update password: %w", err)
	}

	if _, err := s.store.CreateProfile(ctx, &store.CreateProfile{
		UserID:      session.UserID,
		DisplayName: DisplayNameFor(gotrue.User{Email: session.Email}),
	}); err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}

	setup := true
	if _, err := s.store.UpdateProfile(ctx, &store.UpdateProfile{UserID: session.UserID, HasPasswordSetup: &setup}); err != nil {
		return fmt.Errorf("mark password setup: %w", err)
	}
	return nil
}

// RecordAudit appends an audit event tagged with the request's trace id.
func (s *Service) RecordAudit(ctx context.Context, userID, eventType string, meta map[string]any) error {
	_, err := s.store.CreateAuditEvent(ctx, &store.AuditEvent{
		UserID:    userID,
		EventType: eventType,
		TraceID:   logging.TraceID(ctx),
		Meta:      meta,
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	logging.FromContext(ctx).Info().Str("user_id", userID).Str("event_type", eventType).Msg("audit event recorded")
	return nil
}

// ListSecurityEvents returns the user's most recent audit events.
func (s *Service) ListSecurityEvents(ctx context.Context, userID string, limit int) ([]*store.AuditEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	events, err := s.store.ListAuditEvents(ctx, &store.FindAuditEvent{UserID: &userID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// IsAdmin reports whether the user's profile carries the admin role.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get profile: %w", err)
	}
	return profile != nil && profile.Role == store.RoleAdmin, nil
}
