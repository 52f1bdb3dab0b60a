package models

import "time"

// Revocation reasons written by the token lifecycle.
const (
	ReasonSuperseded  = "Superseded by new token"
	ReasonExpired     = "Token expired"
	ReasonLogout      = "User logout"
	ReasonAdminAction = "Admin action: all user tokens revoked"
	ReasonManual      = "Manually revoked by user"
)

// RefreshToken represents one issued long-lived credential. At most one
// token per user is active at a time; rotated tokens keep a pointer to
// their successor so the revocation chain stays auditable.
type RefreshToken struct {
	ID              string    `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	Token           string    `db:"token" json:"token"`
	ExpiresAt       time.Time `db:"expires_at" json:"expires_at"`
	Used            bool      `db:"used" json:"used"`
	Revoked         bool      `db:"revoked" json:"revoked"`
	ReplacedByToken string    `db:"replaced_by_token" json:"replaced_by_token,omitempty"`
	ReasonRevoked   string    `db:"reason_revoked" json:"reason_revoked,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the token is past its expiry.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsActive reports whether the token can still be exchanged.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.Revoked && !t.Used && !t.IsExpired(now)
}
