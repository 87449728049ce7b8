// Package guard validates that a request belongs to an active, entitled
// tenant and a live session. Every ingestion and realtime path passes
// through it before doing any work.
package guard

import (
	"context"
	"errors"
	"log"

	"classwatch/backend/internal/security"
	"classwatch/backend/internal/tenant/domain"
)

// Sentinel errors; transport layers map them to status codes.
var (
	// ErrUnauthorized is fatal to the request and destroys the caller's
	// session so retries cannot guess their way back in.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotEntitled is fatal to the request but leaves the session alone:
	// the tenant exists, its plan just disallows service.
	ErrNotEntitled = errors.New("not entitled")
)

// TenantRepo is the minimal tenant repository needed by the guard.
type TenantRepo interface {
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
}

// SessionRevoker destroys the caller's session on hard authorization
// failure.
type SessionRevoker interface {
	Revoke(ctx context.Context, id string) error
}

// Auditor records authorization failures. Best-effort; implementations must
// not return errors to the caller.
type Auditor interface {
	LogEvent(ctx context.Context, tenantID, personID, action, resource, metadata string)
}

// Guard authorizes callers against their tenant's state.
type Guard struct {
	tenants     TenantRepo
	sessions    SessionRevoker
	entitlement Evaluator
	auditor     Auditor
}

// Option configures a Guard.
type Option func(*Guard)

// WithAuditor records an audit entry for every rejected authorization.
func WithAuditor(a Auditor) Option {
	return func(g *Guard) { g.auditor = a }
}

// New returns a Guard. sessions may be nil (no session destruction side
// effect); entitlement may be nil (plan check falls back to tenant fields).
func New(tenants TenantRepo, sessions SessionRevoker, entitlement Evaluator, opts ...Option) *Guard {
	g := &Guard{tenants: tenants, sessions: sessions, entitlement: entitlement}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize checks the claims against the tenant record.
//
// Returns ErrUnauthorized when the tenant is absent, soft-deleted, or its
// session epoch no longer matches the epoch embedded in the caller's token
// (bumped on suspension and reactivation, so all outstanding sessions die
// at once). On that failure the caller's session is revoked. Returns
// ErrNotEntitled when the tenant's plan disallows service. The super-tenant
// bypasses tenant scoping entirely.
func (g *Guard) Authorize(ctx context.Context, claims security.Claims) (*domain.Tenant, error) {
	if claims.TenantID == domain.SuperTenantID {
		return &domain.Tenant{
			ID:     domain.SuperTenantID,
			Status: domain.TenantStatusActive,
			Plan:   domain.PlanTierStandard,
		}, nil
	}

	t, err := g.tenants.GetByID(ctx, claims.TenantID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.Status == domain.TenantStatusDeleted {
		g.destroySession(ctx, claims.SessionID)
		g.auditReject(ctx, claims, "tenant_missing_or_deleted")
		return nil, ErrUnauthorized
	}
	if t.SessionEpoch != claims.SessionEpoch {
		g.destroySession(ctx, claims.SessionID)
		g.auditReject(ctx, claims, "session_epoch_mismatch")
		return nil, ErrUnauthorized
	}

	allowed := t.Status == domain.TenantStatusActive && t.Plan != domain.PlanTierExpired
	if g.entitlement != nil {
		allowed, err = g.entitlement.Allowed(ctx, t)
		if err != nil {
			return nil, err
		}
	}
	if !allowed {
		g.auditReject(ctx, claims, "plan_not_entitled")
		return nil, ErrNotEntitled
	}
	return t, nil
}

func (g *Guard) auditReject(ctx context.Context, claims security.Claims, reason string) {
	if g.auditor == nil {
		return
	}
	g.auditor.LogEvent(ctx, claims.TenantID, claims.PersonID, "authorization_rejected", "device:"+claims.DeviceID, reason)
}

func (g *Guard) destroySession(ctx context.Context, sessionID string) {
	if g.sessions == nil || sessionID == "" {
		return
	}
	if err := g.sessions.Revoke(ctx, sessionID); err != nil {
		log.Printf("guard: failed to revoke session %s: %v", sessionID, err)
	}
}
