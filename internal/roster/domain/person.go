package domain

import "time"

// Person is a monitored identity (student), primarily keyed by email. A
// person may be active on more than one device at once.
type Person struct {
	ID       string
	TenantID string
	Email    string
	Name     string
	// Grade is optional group metadata used by command targeting.
	Grade     string
	CreatedAt time.Time
}
