package domain

import "time"

// Device is a monitored machine. Its ID is opaque to the server. One device
// may host multiple people over time (shared hardware).
type Device struct {
	ID          string
	TenantID    string
	DisplayName string
	// EnrollSecretHash is the bcrypt hash of the enrollment secret the
	// agent presented when it registered; empty for devices provisioned
	// out of band.
	EnrollSecretHash string
	LastSeenAt       *time.Time
	CreatedAt        time.Time
}
