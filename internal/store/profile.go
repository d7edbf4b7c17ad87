package store

// Role values of Profile.Role.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Profile is the application-side record of an account.
type Profile struct {
	UserID           string
	DisplayName      string
	AvatarURL        string
	Role             string
	HasPasswordSetup bool
	CreatedTs        int64
	UpdatedTs        int64
}

// CreateProfile is the payload for CreateProfile. An existing row is left untouched.
type CreateProfile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// UpdateProfile carries the fields accepted by UpdateProfile.
type UpdateProfile struct {
	UserID           string
	DisplayName      *string
	AvatarURL        *string
	Role             *string
	HasPasswordSetup *bool
}

// Audit event types.
const (
	EventPasswordSetup  = "password_setup"
	EventPasswordChange = "password_change"
	EventSignIn         = "sign_in"
	EventSignOut        = "sign_out"
)

// AuditEvent is one row of the auth audit log.
type AuditEvent struct {
	ID        int64
	UserID    string
	EventType string
	EventTime int64
	TraceID   string
	Meta      map[string]any
}

// FindAuditEvent filters for ListAuditEvents. Results are newest first.
type FindAuditEvent struct {
	UserID    *string
	EventType *string
	Limit     int
}
