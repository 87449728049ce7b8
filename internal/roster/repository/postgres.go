package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classwatch/backend/internal/roster/domain"
)

type PostgresDeviceRepository struct {
	db *sql.DB
}

// NewPostgresDeviceRepository returns a device repository that uses the
// given db for persistence.
func NewPostgresDeviceRepository(db *sql.DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

// GetByID returns the device for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	var (
		d        domain.Device
		secret   sql.NullString
		lastSeen sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, display_name, enroll_secret_hash, last_seen_at, created_at
		 FROM devices WHERE id = $1`, id).
		Scan(&d.ID, &d.TenantID, &d.DisplayName, &secret, &lastSeen, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if secret.Valid {
		d.EnrollSecretHash = secret.String
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeenAt = &t
	}
	return &d, nil
}

// Create persists the device. The device must have ID set.
func (r *PostgresDeviceRepository) Create(ctx context.Context, d *domain.Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (id, tenant_id, display_name, enroll_secret_hash, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TenantID, d.DisplayName,
		sql.NullString{String: d.EnrollSecretHash, Valid: d.EnrollSecretHash != ""},
		timeToNullTime(d.LastSeenAt), d.CreatedAt)
	return err
}

// UpdateLastSeen sets the device's last-seen timestamp. Returns an error if
// the update fails.
func (r *PostgresDeviceRepository) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = $2 WHERE id = $1`, id, at)
	return err
}

type PostgresPersonRepository struct {
	db *sql.DB
}

// NewPostgresPersonRepository returns a person repository that uses the
// given db for persistence.
func NewPostgresPersonRepository(db *sql.DB) *PostgresPersonRepository {
	return &PostgresPersonRepository{db: db}
}

// GetByID returns the person for id, or nil if not found.
func (r *PostgresPersonRepository) GetByID(ctx context.Context, id string) (*domain.Person, error) {
	return r.get(ctx, `SELECT id, tenant_id, email, name, grade, created_at FROM people WHERE id = $1`, id)
}

// GetByEmail returns the person with the given email in the tenant, or nil
// if not found.
func (r *PostgresPersonRepository) GetByEmail(ctx context.Context, tenantID, email string) (*domain.Person, error) {
	return r.get(ctx,
		`SELECT id, tenant_id, email, name, grade, created_at FROM people WHERE tenant_id = $1 AND email = $2`,
		tenantID, email)
}

func (r *PostgresPersonRepository) get(ctx context.Context, query string, args ...any) (*domain.Person, error) {
	var (
		p     domain.Person
		grade sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&p.ID, &p.TenantID, &p.Email, &p.Name, &grade, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if grade.Valid {
		p.Grade = grade.String
	}
	return &p, nil
}

// ListIDsByGrade returns person ids in the tenant with the given grade.
func (r *PostgresPersonRepository) ListIDsByGrade(ctx context.Context, tenantID, grade string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM people WHERE tenant_id = $1 AND grade = $2`, tenantID, grade)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Create persists the person. The person must have ID set.
func (r *PostgresPersonRepository) Create(ctx context.Context, p *domain.Person) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO people (id, tenant_id, email, name, grade, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TenantID, p.Email, p.Name,
		sql.NullString{String: p.Grade, Valid: p.Grade != ""}, p.CreatedAt)
	return err
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
