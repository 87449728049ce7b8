package domain

import (
	"errors"
	"time"
)

// Policy is a named allow/block domain list ("flight path") owned by a
// tenant or an individual supervisor. The realtime core consumes it as a
// read-only snapshot; CRUD lives outside this service.
type Policy struct {
	ID             string
	TenantID       string
	OwnerID        string // supervisor id; empty for tenant-wide policies
	Name           string
	AllowedDomains []string
	BlockedDomains []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate validates the policy for persistence. Returns an error describing
// the first validation failure.
func (p *Policy) Validate() error {
	if p.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if p.Name == "" {
		return errors.New("name is required")
	}
	if len(p.AllowedDomains) == 0 && len(p.BlockedDomains) == 0 {
		return errors.New("policy must list at least one domain")
	}
	return nil
}

// Snapshot is the read-only view handed to the policy engine and pushed to
// agents in apply-policy commands.
type Snapshot struct {
	AllowedDomains []string `json:"allowedDomains"`
	BlockedDomains []string `json:"blockedDomains"`
}

// Snapshot returns the read-only domain lists for this policy.
func (p *Policy) Snapshot() Snapshot {
	return Snapshot{
		AllowedDomains: p.AllowedDomains,
		BlockedDomains: p.BlockedDomains,
	}
}
