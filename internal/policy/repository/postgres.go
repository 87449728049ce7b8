package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"classwatch/backend/internal/policy/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db
// for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const policyColumns = `id, tenant_id, owner_id, name, allowed_domains, blocked_domains, created_at, updated_at`

// GetByID returns the policy for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	return scanPolicy(row)
}

// ListByTenant returns all policies owned by the tenant (tenant-wide and
// supervisor-owned alike).
func (r *PostgresRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create persists the policy. The policy must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Policy) error {
	allowed, blocked, err := marshalDomains(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO policies (id, tenant_id, owner_id, name, allowed_domains, blocked_domains, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.TenantID, nullString(p.OwnerID), p.Name, allowed, blocked, p.CreatedAt, p.UpdatedAt)
	return err
}

// Update rewrites the policy's name and domain lists.
func (r *PostgresRepository) Update(ctx context.Context, p *domain.Policy) error {
	allowed, blocked, err := marshalDomains(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE policies SET name = $2, allowed_domains = $3, blocked_domains = $4, updated_at = $5 WHERE id = $1`,
		p.ID, p.Name, allowed, blocked, time.Now().UTC())
	return err
}

// SetActive upserts the active-policy assignment for the device. An empty
// policyID deletes the assignment.
func (r *PostgresRepository) SetActive(ctx context.Context, tenantID, deviceID, policyID string) error {
	if policyID == "" {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM active_policies WHERE tenant_id = $1 AND device_id = $2`, tenantID, deviceID)
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO active_policies (tenant_id, device_id, policy_id, applied_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, device_id) DO UPDATE SET policy_id = $3, applied_at = $4`,
		tenantID, deviceID, policyID, time.Now().UTC())
	return err
}

// GetActive returns the policy assigned to the device, falling back to the
// tenant-wide assignment (device_id = ''). Returns nil when nothing is
// active.
func (r *PostgresRepository) GetActive(ctx context.Context, tenantID, deviceID string) (*domain.Policy, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT p.id, p.tenant_id, p.owner_id, p.name, p.allowed_domains, p.blocked_domains, p.created_at, p.updated_at
		 FROM active_policies a JOIN policies p ON p.id = a.policy_id
		 WHERE a.tenant_id = $1 AND a.device_id IN ($2, '')
		 ORDER BY a.device_id DESC LIMIT 1`,
		tenantID, deviceID)
	return scanPolicy(row)
}

// GetEntitlementRules returns enabled Rego rule sources for the tenant.
func (r *PostgresRepository) GetEntitlementRules(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT rules FROM entitlement_policies WHERE tenant_id = $1 AND enabled ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var rules string
		if err := rows.Scan(&rules); err != nil {
			return nil, err
		}
		if rules != "" {
			out = append(out, rules)
		}
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*domain.Policy, error) {
	var (
		p                pdomainRow
		allowed, blocked []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.OwnerID, &p.Name, &allowed, &blocked, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out := &domain.Policy{
		ID:        p.ID,
		TenantID:  p.TenantID,
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.OwnerID.Valid {
		out.OwnerID = p.OwnerID.String
	}
	if len(allowed) > 0 {
		if err := json.Unmarshal(allowed, &out.AllowedDomains); err != nil {
			return nil, err
		}
	}
	if len(blocked) > 0 {
		if err := json.Unmarshal(blocked, &out.BlockedDomains); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type pdomainRow struct {
	ID        string
	TenantID  string
	OwnerID   sql.NullString
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func marshalDomains(p *domain.Policy) (allowed, blocked []byte, err error) {
	allowed, err = json.Marshal(orEmpty(p.AllowedDomains))
	if err != nil {
		return nil, nil, err
	}
	blocked, err = json.Marshal(orEmpty(p.BlockedDomains))
	if err != nil {
		return nil, nil, err
	}
	return allowed, blocked, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
