// Package repository persists the presence sweep's ended-session markers.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session-marker repository that uses the
// given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// MarkEnded records that the (person, device) pair went offline, with the
// last heartbeat timestamp observed. Called by the presence sweep; one row
// per transition, not per sweep pass.
func (r *PostgresRepository) MarkEnded(ctx context.Context, tenantID, personID, deviceID string, lastSeen time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_markers (id, tenant_id, person_id, device_id, last_seen, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), tenantID, personID, deviceID, lastSeen, time.Now().UTC())
	return err
}
