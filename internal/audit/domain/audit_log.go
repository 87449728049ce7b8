package domain

import "time"

// AuditLog represents one audit event: a guard rejection, a dispatched
// command, a session issued or revoked, a capture session boundary.
type AuditLog struct {
	ID        string
	TenantID  string
	PersonID  string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
