package repository

import (
	"context"

	"classwatch/backend/internal/tenant/domain"
)

// Repository defines persistence for tenants.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
	Create(ctx context.Context, t *domain.Tenant) error
	// Suspend sets status to suspended and bumps SessionEpoch, killing all
	// outstanding sessions on their next request.
	Suspend(ctx context.Context, id string) error
	// Reactivate sets status to active and bumps SessionEpoch. Sessions
	// issued before the suspension stay dead.
	Reactivate(ctx context.Context, id string) error
	UpdatePlan(ctx context.Context, id string, plan domain.PlanTier) error
}
