package repository

import (
	"context"

	"classwatch/backend/internal/policy/domain"
)

// Repository defines persistence for flight-path policies and the
// per-tenant active-policy assignment used for off-task computation.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
	// SetActive records the policy applied to a device by an apply-policy
	// command. policyID may be empty to clear the assignment.
	SetActive(ctx context.Context, tenantID, deviceID, policyID string) error
	// GetActive returns the active policy for the device, or the tenant-wide
	// active policy when the device has no assignment. Returns nil when
	// nothing is active.
	GetActive(ctx context.Context, tenantID, deviceID string) (*domain.Policy, error)
	// GetEntitlementRules returns enabled Rego rule sources for the tenant,
	// used by the entitlement evaluator. Empty means use the default policy.
	GetEntitlementRules(ctx context.Context, tenantID string) ([]string, error)
}
