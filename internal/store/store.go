// Package store persists profiles and the auth audit log behind a
// driver-neutral interface.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Driver is implemented by each database backend.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	// GetProfile returns nil, nil when no row exists.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	CreateProfile(ctx context.Context, create *CreateProfile) (*Profile, error)
	UpdateProfile(ctx context.Context, update *UpdateProfile) (*Profile, error)

	CreateAuditEvent(ctx context.Context, create *AuditEvent) (*AuditEvent, error)
	ListAuditEvents(ctx context.Context, find *FindAuditEvent) ([]*AuditEvent, error)
}

// Store is the application's entry point to persistence.
type Store struct {
	driver Driver
}

// New wraps a driver.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.driver.Close()
}

// GetProfile returns nil, nil when the user has no profile yet.
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return s.driver.GetProfile(ctx, userID)
}

// CreateProfile inserts a profile unless one exists, and returns the stored row.
func (s *Store) CreateProfile(ctx context.Context, create *CreateProfile) (*Profile, error) {
	return s.driver.CreateProfile(ctx, create)
}

// UpdateProfile updates the non-nil fields.
func (s *Store) UpdateProfile(ctx context.Context, update *UpdateProfile) (*Profile, error) {
	return s.driver.UpdateProfile(ctx, update)
}

// CreateAuditEvent appends to the audit log.
func (s *Store) CreateAuditEvent(ctx context.Context, create *AuditEvent) (*AuditEvent, error) {
	return s.driver.CreateAuditEvent(ctx, create)
}

// ListAuditEvents returns matching events, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, find *FindAuditEvent) ([]*AuditEvent, error) {
	return s.driver.ListAuditEvents(ctx, find)
}

// EncodeMeta renders event metadata as a JSON object.
func EncodeMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode audit meta: %w", err)
	}
	return string(raw), nil
}

// DecodeMeta is the inverse of EncodeMeta.
func DecodeMeta(raw string) (map[string]any, error) {
	meta := map[string]any{}
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode audit meta: %w", err)
	}
	return meta, nil
}
