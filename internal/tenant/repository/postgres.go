package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classwatch/backend/internal/tenant/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a tenant repository that uses the given db
// for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the tenant for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, status, plan, session_epoch, created_at, updated_at
		 FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.Plan, &t.SessionEpoch, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// Create persists the tenant. The tenant must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.Tenant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, status, plan, session_epoch, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, t.Status, t.Plan, t.SessionEpoch, t.CreatedAt, t.UpdatedAt)
	return err
}

// Suspend marks the tenant suspended and bumps its session epoch.
func (r *PostgresRepository) Suspend(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.TenantStatusSuspended)
}

// Reactivate marks the tenant active and bumps its session epoch.
func (r *PostgresRepository) Reactivate(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.TenantStatusActive)
}

func (r *PostgresRepository) setStatus(ctx context.Context, id string, status domain.TenantStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET status = $2, session_epoch = session_epoch + 1, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("tenant not found")
	}
	return nil
}

// UpdatePlan sets the tenant's plan tier. Plan changes do not bump the
// session epoch; entitlement is evaluated per request.
func (r *PostgresRepository) UpdatePlan(ctx context.Context, id string, plan domain.PlanTier) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET plan = $2, updated_at = $3 WHERE id = $1`,
		id, plan, time.Now().UTC())
	return err
}
