package guard

import (
	"context"
	"fmt"
	"log"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"classwatch/backend/internal/tenant/domain"
)

// EntitlementRuleSource supplies enabled Rego rule sources for a tenant.
// Implemented by the policy repository; empty output means use the default
// policy.
type EntitlementRuleSource interface {
	GetEntitlementRules(ctx context.Context, tenantID string) ([]string, error)
}

// Evaluator decides whether a tenant's plan entitles it to service.
type Evaluator interface {
	Allowed(ctx context.Context, t *domain.Tenant) (bool, error)
}

// Default Rego policy: active tenants on a non-expired plan are entitled.
const defaultRegoPolicy = `package classwatch.entitlement

default allowed = false

allowed if {
	input.tenant.status == "active"
	input.tenant.plan != "expired"
}
`

// OPAEvaluator evaluates entitlement using OPA Rego, with optional
// per-tenant rule overrides loaded from the policy repository.
type OPAEvaluator struct {
	rules EntitlementRuleSource
}

// NewOPAEvaluator returns an OPA-based entitlement evaluator. rules may be
// nil; then only the default policy applies.
func NewOPAEvaluator(rules EntitlementRuleSource) *OPAEvaluator {
	return &OPAEvaluator{rules: rules}
}

// HealthCheck verifies that the in-process Rego engine can compile and
// evaluate the default policy. Does not touch the database.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := ast.CompileModules(map[string]string{"entitlement_0.rego": defaultRegoPolicy})
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	q := rego.New(
		rego.Query("data.classwatch.entitlement.allowed"),
		rego.Compiler(compiler),
		rego.Input(map[string]interface{}{
			"tenant": map[string]interface{}{"status": "active", "plan": "standard"},
		}),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("entitlement query returned no result")
	}
	return nil
}

// Allowed evaluates the tenant against its enabled Rego policies, falling
// back to the default policy when none exist. Evaluation failures fall back
// to a plan-tier check rather than failing the request.
func (e *OPAEvaluator) Allowed(ctx context.Context, t *domain.Tenant) (bool, error) {
	if t == nil {
		return false, nil
	}

	var policies []string
	if e.rules != nil {
		loaded, err := e.rules.GetEntitlementRules(ctx, t.ID)
		if err != nil {
			log.Printf("entitlement: failed to load rules for tenant %s: %v", t.ID, err)
		} else {
			policies = loaded
		}
	}
	if len(policies) == 0 {
		policies = []string{defaultRegoPolicy}
	}

	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("entitlement_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		log.Printf("entitlement: compile failed for tenant %s: %v, using plan fallback", t.ID, err)
		return e.fallback(t), nil
	}

	q := rego.New(
		rego.Query("data.classwatch.entitlement.allowed"),
		rego.Compiler(compiler),
		rego.Input(map[string]interface{}{
			"tenant": map[string]interface{}{
				"id":     t.ID,
				"status": string(t.Status),
				"plan":   string(t.Plan),
			},
		}),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		log.Printf("entitlement: eval failed for tenant %s: %v, using plan fallback", t.ID, err)
		return e.fallback(t), nil
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return e.fallback(t), nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return e.fallback(t), nil
	}
	return allowed, nil
}

func (e *OPAEvaluator) fallback(t *domain.Tenant) bool {
	return t.Status == domain.TenantStatusActive && t.Plan != domain.PlanTierExpired
}
