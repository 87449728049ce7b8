package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"classwatch/backend/internal/security"
	"classwatch/backend/internal/tenant/domain"
)

// mockTenantRepo implements TenantRepo for tests.
type mockTenantRepo struct {
	tenants map[string]*domain.Tenant
	err     error
}

func (m *mockTenantRepo) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.tenants[id], nil
}

// mockRevoker implements SessionRevoker for tests.
type mockRevoker struct {
	revoked []string
}

func (m *mockRevoker) Revoke(ctx context.Context, id string) error {
	m.revoked = append(m.revoked, id)
	return nil
}

func activeTenant(id string, epoch int64) *domain.Tenant {
	return &domain.Tenant{
		ID:           id,
		Name:         "Test School",
		Status:       domain.TenantStatusActive,
		Plan:         domain.PlanTierStandard,
		SessionEpoch: epoch,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestAuthorize_Active(t *testing.T) {
	repo := &mockTenantRepo{tenants: map[string]*domain.Tenant{"t1": activeTenant("t1", 3)}}
	g := New(repo, nil, nil)

	got, err := g.Authorize(context.Background(), security.Claims{TenantID: "t1", SessionEpoch: 3})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got.ID != "t1" {
		t.Errorf("tenant id = %q, want t1", got.ID)
	}
}

func TestAuthorize_AbsentTenant(t *testing.T) {
	repo := &mockTenantRepo{tenants: map[string]*domain.Tenant{}}
	rev := &mockRevoker{}
	g := New(repo, rev, nil)

	_, err := g.Authorize(context.Background(), security.Claims{TenantID: "nope", SessionID: "s1"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if len(rev.revoked) != 1 || rev.revoked[0] != "s1" {
		t.Errorf("revoked = %v, want [s1]", rev.revoked)
	}
}

func TestAuthorize_SoftDeleted(t *testing.T) {
	tn := activeTenant("t1", 1)
	tn.Status = domain.TenantStatusDeleted
	g := New(&mockTenantRepo{tenants: map[string]*domain.Tenant{"t1": tn}}, nil, nil)

	_, err := g.Authorize(context.Background(), security.Claims{TenantID: "t1", SessionEpoch: 1})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorize_EpochMismatch(t *testing.T) {
	// Deactivation bumps the epoch; tokens issued before it must die while
	// another tenant's sessions stay valid.
	repo := &mockTenantRepo{tenants: map[string]*domain.Tenant{
		"t1": activeTenant("t1", 5),
		"t2": activeTenant("t2", 1),
	}}
	rev := &mockRevoker{}
	g := New(repo, rev, nil)

	_, err := g.Authorize(context.Background(), security.Claims{TenantID: "t1", SessionEpoch: 4, SessionID: "stale"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stale epoch: err = %v, want ErrUnauthorized", err)
	}
	if len(rev.revoked) != 1 {
		t.Errorf("stale session should be revoked, got %v", rev.revoked)
	}

	if _, err := g.Authorize(context.Background(), security.Claims{TenantID: "t2", SessionEpoch: 1}); err != nil {
		t.Errorf("other tenant: err = %v, want nil", err)
	}
}

func TestAuthorize_ExpiredPlan(t *testing.T) {
	tn := activeTenant("t1", 1)
	tn.Plan = domain.PlanTierExpired
	rev := &mockRevoker{}
	g := New(&mockTenantRepo{tenants: map[string]*domain.Tenant{"t1": tn}}, rev, nil)

	_, err := g.Authorize(context.Background(), security.Claims{TenantID: "t1", SessionEpoch: 1, SessionID: "s1"})
	if !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("err = %v, want ErrNotEntitled", err)
	}
	// NotEntitled is non-destructive to the session.
	if len(rev.revoked) != 0 {
		t.Errorf("session should not be revoked, got %v", rev.revoked)
	}
}

func TestAuthorize_SuperTenantBypass(t *testing.T) {
	// No tenant record exists; the super-tenant must still pass.
	g := New(&mockTenantRepo{tenants: map[string]*domain.Tenant{}}, nil, nil)

	got, err := g.Authorize(context.Background(), security.Claims{TenantID: domain.SuperTenantID})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got.ID != domain.SuperTenantID {
		t.Errorf("tenant id = %q, want %q", got.ID, domain.SuperTenantID)
	}
}

// mockAuditor implements Auditor for tests.
type mockAuditor struct {
	actions []string
	reasons []string
}

func (m *mockAuditor) LogEvent(ctx context.Context, tenantID, personID, action, resource, metadata string) {
	m.actions = append(m.actions, action)
	m.reasons = append(m.reasons, metadata)
}

func TestAuthorize_AuditsRejections(t *testing.T) {
	repo := &mockTenantRepo{tenants: map[string]*domain.Tenant{"t1": activeTenant("t1", 5)}}
	aud := &mockAuditor{}
	g := New(repo, nil, nil, WithAuditor(aud))

	if _, err := g.Authorize(context.Background(), security.Claims{TenantID: "t1", SessionEpoch: 5}); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if len(aud.actions) != 0 {
		t.Fatalf("accepted request should not be audited, got %v", aud.actions)
	}

	g.Authorize(context.Background(), security.Claims{TenantID: "t1", SessionEpoch: 2})
	g.Authorize(context.Background(), security.Claims{TenantID: "gone"})
	if len(aud.actions) != 2 {
		t.Fatalf("audited %d events, want 2", len(aud.actions))
	}
	if aud.reasons[0] != "session_epoch_mismatch" || aud.reasons[1] != "tenant_missing_or_deleted" {
		t.Errorf("reasons = %v", aud.reasons)
	}
}

func TestAuthorize_RepoError(t *testing.T) {
	wantErr := errors.New("db down")
	g := New(&mockTenantRepo{err: wantErr}, nil, nil)

	_, err := g.Authorize(context.Background(), security.Claims{TenantID: "t1"})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

// staticRules implements EntitlementRuleSource for tests.
type staticRules struct {
	rules []string
}

func (s *staticRules) GetEntitlementRules(ctx context.Context, tenantID string) ([]string, error) {
	return s.rules, nil
}

func TestOPAEvaluator_Default(t *testing.T) {
	e := NewOPAEvaluator(nil)
	ok, err := e.Allowed(context.Background(), activeTenant("t1", 1))
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if !ok {
		t.Error("active standard-plan tenant should be allowed")
	}

	expired := activeTenant("t2", 1)
	expired.Plan = domain.PlanTierExpired
	ok, err = e.Allowed(context.Background(), expired)
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if ok {
		t.Error("expired-plan tenant should be denied")
	}
}

func TestOPAEvaluator_TenantOverride(t *testing.T) {
	// A tenant-specific policy that denies trial plans.
	override := `package classwatch.entitlement

default allowed = false

allowed if {
	input.tenant.status == "active"
	input.tenant.plan == "standard"
}
`
	e := NewOPAEvaluator(&staticRules{rules: []string{override}})

	trial := activeTenant("t1", 1)
	trial.Plan = domain.PlanTierTrial
	ok, err := e.Allowed(context.Background(), trial)
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if ok {
		t.Error("override should deny trial plans")
	}
}

func TestOPAEvaluator_BadRulesFallBack(t *testing.T) {
	e := NewOPAEvaluator(&staticRules{rules: []string{"not rego at all {"}})
	ok, err := e.Allowed(context.Background(), activeTenant("t1", 1))
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if !ok {
		t.Error("compile failure should fall back to the plan check")
	}
}

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	if err := NewOPAEvaluator(nil).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
