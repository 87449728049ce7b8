package domain

import "time"

// Session represents an issued token's server-side record: an agent session
// tied to a device, or a viewer session tied to a supervisor.
type Session struct {
	ID       string
	TenantID string
	// DeviceID is set for agent sessions; empty for viewer sessions.
	DeviceID string
	// PersonID is the supervisor id for viewer sessions, or the monitored
	// person currently bound to an agent session.
	PersonID string
	// Epoch is the tenant session epoch the token was issued under.
	Epoch      int64
	ExpiresAt  time.Time
	RevokedAt  *time.Time // nil when not revoked
	LastSeenAt *time.Time
	CreatedAt  time.Time
}
