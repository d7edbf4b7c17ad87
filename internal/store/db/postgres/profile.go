package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/luma-therapy/luma/backend/internal/store"
)

const profileColumns = `user_id, display_name, avatar_url, role, has_password_setup, created_ts, updated_ts`

func scanProfile(row interface{ Scan(...any) error }) (*store.Profile, error) {
	p := &store.Profile{}
	if err := row.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Role, &p.HasPasswordSetup, &p.CreatedTs, &p.UpdatedTs); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *DB) GetProfile(ctx context.Context, userID string) (*store.Profile, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (d *DB) CreateProfile(ctx context.Context, create *store.CreateProfile) (*store.Profile, error) {
	stmt := `INSERT INTO profiles (user_id, display_name, avatar_url)
	         VALUES ($1, $2, $3)
	         ON CONFLICT (user_id) DO NOTHING`
	if _, err := d.db.ExecContext(ctx, stmt, create.UserID, create.DisplayName, create.AvatarURL); err != nil {
		return nil, err
	}
	return d.GetProfile(ctx, create.UserID)
}

func (d *DB) UpdateProfile(ctx context.Context, update *store.UpdateProfile) (*store.Profile, error) {
	set, args := []string{}, []any{}
	if v := update.DisplayName; v != nil {
		set, args = append(set, "display_name = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.AvatarURL; v != nil {
		set, args = append(set, "avatar_url = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Role; v != nil {
		set, args = append(set, "role = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.HasPasswordSetup; v != nil {
		set, args = append(set, "has_password_setup = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(set) == 0 {
		return d.GetProfile(ctx, update.UserID)
	}
	set = append(set, "updated_ts = EXTRACT(EPOCH FROM NOW())")
	args = append(args, update.UserID)
	stmt := fmt.Sprintf(
		`UPDATE profiles SET %s WHERE user_id = %s RETURNING `+profileColumns,
		strings.Join(set, ", "), placeholder(len(args)),
	)
	p, err := scanProfile(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}
