package models

import "time"

// AuthEventKind constants classify authentication audit events.
const (
	AuthEventLoginSuccess    = "LOGIN_SUCCESS"
	AuthEventLoginFailed     = "LOGIN_FAILED"
	AuthEventLogout          = "LOGOUT"
	AuthEventRegisterSuccess = "REGISTER_SUCCESS"
	AuthEventRefreshToken    = "REFRESH_TOKEN"
	AuthEventInvalidToken    = "INVALID_TOKEN"
	AuthEventTokenRevoked    = "TOKEN_REVOKED"
	AuthEventAccountLocked   = "ACCOUNT_LOCKED"
)

// AuthEvent is the payload published for every authentication outcome.
type AuthEvent struct {
	Username string `json:"username"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	SourceIP string `json:"source_ip"`
}

// AuditEvent is the persisted audit trail record.
type AuditEvent struct {
	ID        string    `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Kind      string    `db:"kind" json:"kind"`
	Message   string    `db:"message" json:"message"`
	SourceIP  string    `db:"source_ip" json:"source_ip"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
