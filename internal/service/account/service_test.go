package account

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luma-therapy/luma/backend/internal/auth"
	"github.com/luma-therapy/luma/backend/internal/auth/gotrue"
	"github.com/luma-therapy/luma/backend/internal/logging"
	"github.com/luma-therapy/luma/backend/internal/store"
	"github.com/luma-therapy/luma/backend/internal/store/db/sqlite"
)

type fakeIdentity struct {
	password     string
	signInCalls  int
	updateCalls  int
	updateErr    error
	lastPassword string
}

func (f *fakeIdentity) SignInWithPassword(ctx context.Context, email, password string) (*gotrue.Session, error) {
	f.signInCalls++
	if password != f.password {
		return nil, &gotrue.APIError{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"}
	}
	return &gotrue.Session{AccessToken: "a"}, nil
}

func (f *fakeIdentity) UpdatePassword(ctx context.Context, accessToken, password string) (*gotrue.User, error) {
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.password = password
	f.lastPassword = password
	return &gotrue.User{ID: "u1"}, nil
}

func newService(t *testing.T) (*Service, *store.Store, *fakeIdentity) {
	t.Helper()
	db, err := sqlite.NewDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))

	identity := &fakeIdentity{}
	return NewService(st, identity), st, identity
}

var session = &auth.Session{UserID: "u1", Email: "ada@example.com", AccessToken: "token"}

func TestCheckPasswordStrength(t *testing.T) {
	tests := []struct {
		pw    string
		score int
	}{
		{"", 0},
		{"abc", 1},
		{"abcdefgh", 2},
		{"Abcdefgh", 3},
		{"Abcdefg1", 4},
		{"Abcdef1!", 5},
		{"ALLCAPS123", 3},
		{"short A1", 5},
	}
	for _, tt := range tests {
		t.Run(tt.pw, func(t *testing.T) {
			got := CheckPasswordStrength(tt.pw)
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, tt.score >= 3, got.Acceptable())
		})
	}
}

func TestDisplayNameFor(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", DisplayNameFor(gotrue.User{Email: "ada@example.com", UserMetadata: map[string]any{"full_name": "Ada Lovelace"}}))
	assert.Equal(t, "ada", DisplayNameFor(gotrue.User{Email: "ada@example.com"}))
	assert.Equal(t, "User", DisplayNameFor(gotrue.User{}))
	assert.Equal(t, "User", DisplayNameFor(gotrue.User{Email: "@example.com"}))
}

func TestEnsureProfileCreatesOnce(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	user := gotrue.User{ID: "u1", Email: "ada@example.com", UserMetadata: map[string]any{"avatar_url": "https://img.test/a.png"}}

	p, err := svc.EnsureProfile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "ada", p.DisplayName)
	assert.Equal(t, "https://img.test/a.png", p.AvatarURL)

	name := "Countess"
	_, err = svc.UpdateProfile(ctx, "u1", &name, nil)
	require.NoError(t, err)

	p, err = svc.EnsureProfile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "Countess", p.DisplayName)
}

func TestUpdateProfileValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	blank := "   "
	_, err := svc.UpdateProfile(ctx, "u1", &blank, nil)
	assert.ErrorIs(t, err, ErrInvalidDisplayName)

	name := "Ada"
	_, err = svc.UpdateProfile(ctx, "missing", &name, nil)
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, err = svc.GetProfile(ctx, "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestSetupPassword(t *testing.T) {
	svc, st, identity := newService(t)
	ctx := logging.WithTrace(context.Background(), zerolog.Nop(), "trace-1-abcdef12")

	assert.ErrorIs(t, svc.SetupPassword(ctx, session, "Abcdef1!", "Abcdef1?"), ErrPasswordMismatch)
	assert.ErrorIs(t, svc.SetupPassword(ctx, session, "abc", "abc"), ErrWeakPassword)
	assert.Zero(t, identity.updateCalls)

	require.NoError(t, svc.SetupPassword(ctx, session, "Abcdef1!", "Abcdef1!"))
	assert.Equal(t, "Abcdef1!", identity.lastPassword)

	p, err := st.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.HasPasswordSetup)
	assert.Equal(t, "ada", p.DisplayName)

	events, err := svc.ListSecurityEvents(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventPasswordSetup, events[0].EventType)
	assert.Equal(t, "trace-1-abcdef12", events[0].TraceID)
	assert.Equal(t, "success", events[0].Meta["status"])
}

func TestSetupPasswordProviderRejection(t *testing.T) {
	svc, _, identity := newService(t)
	identity.updateErr = &gotrue.APIError{Status: 422, Code: "same_password", Message: "New password should be different from the old password."}

	err := svc.SetupPassword(context.Background(), session, "Abcdef1!", "Abcdef1!")
	assert.ErrorIs(t, err, ErrPasswordRejected)
	assert.Contains(t, err.Error(), "should be different")

	identity.updateErr = errors.New("connection refused")
	err = svc.SetupPassword(context.Background(), session, "Abcdef1!", "Abcdef1!")
	assert.NotErrorIs(t, err, ErrPasswordRejected)
}

func TestChangePasswordVerifiesCurrent(t *testing.T) {
	svc, _, identity := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetupPassword(ctx, session, "Abcdef1!", "Abcdef1!"))

	assert.ErrorIs(t, svc.ChangePassword(ctx, session, "", "Newpass1!", "Newpass1!"), ErrCurrentPasswordRequired)
	assert.ErrorIs(t, svc.ChangePassword(ctx, session, "wrong", "Newpass1!", "Newpass1!"), ErrCurrentPasswordInvalid)
	assert.Equal(t, 1, identity.updateCalls)

	require.NoError(t, svc.ChangePassword(ctx, session, "Abcdef1!", "Newpass1!", "Newpass1!"))
	assert.Equal(t, "Newpass1!", identity.password)

	events, err := svc.ListSecurityEvents(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	types := []string{events[0].EventType, events[1].EventType}
	assert.ElementsMatch(t, []string{store.EventPasswordSetup, store.EventPasswordChange}, types)
}

func TestChangePasswordWithoutExistingPassword(t *testing.T) {
	svc, _, identity := newService(t)
	require.NoError(t, svc.ChangePassword(context.Background(), session, "", "Abcdef1!", "Abcdef1!"))
	assert.Zero(t, identity.signInCalls)
}

func TestIsAdmin(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	ok, err := svc.IsAdmin(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.EnsureProfile(ctx, gotrue.User{ID: "u1", Email: "ada@example.com"})
	require.NoError(t, err)
	ok, err = svc.IsAdmin(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	role := store.RoleAdmin
	_, err = st.UpdateProfile(ctx, &store.UpdateProfile{UserID: "u1", Role: &role})
	require.NoError(t, err)
	ok, err = svc.IsAdmin(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}
