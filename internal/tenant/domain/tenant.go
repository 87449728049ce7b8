package domain

import (
	"errors"
	"time"
)

// Tenant represents an isolated customer (school) boundary. All data and
// connections are scoped to one tenant; the super-tenant role bypasses
// scoping entirely.
type Tenant struct {
	ID     string
	Name   string
	Status TenantStatus
	Plan   PlanTier
	// SessionEpoch increases on suspension and reactivation. Tokens carry
	// the epoch they were issued under; a mismatch invalidates the session.
	SessionEpoch int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	// TenantStatusDeleted marks soft deletion; referenced data survives.
	TenantStatusDeleted TenantStatus = "deleted"
)

type PlanTier string

const (
	PlanTierTrial    PlanTier = "trial"
	PlanTierStandard PlanTier = "standard"
	PlanTierExpired  PlanTier = "expired"
)

// SuperTenantID is the distinguished tenant whose sessions bypass tenant
// scoping (platform operators).
const SuperTenantID = "_super"

// Validate validates the tenant for persistence. Returns an error describing
// the first validation failure.
func (t *Tenant) Validate() error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.Status == "" {
		t.Status = TenantStatusActive
	}
	if t.Plan == "" {
		t.Plan = PlanTierTrial
	}
	return nil
}
