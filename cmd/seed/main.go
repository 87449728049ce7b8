// seed inserts development sample data for local testing: one school tenant,
// two students, an enrollable device, and a tenant-wide flight-path policy.
// Idempotent: skips inserts if the dev tenant already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"classwatch/backend/internal/config"
	"classwatch/backend/internal/db"
	policydomain "classwatch/backend/internal/policy/domain"
	policyrepo "classwatch/backend/internal/policy/repository"
	rosterdomain "classwatch/backend/internal/roster/domain"
	rosterrepo "classwatch/backend/internal/roster/repository"
	"classwatch/backend/internal/security"
	tenantdomain "classwatch/backend/internal/tenant/domain"
	tenantrepo "classwatch/backend/internal/tenant/repository"
)

const (
	devTenantID     = "dev-school-001"
	devPersonID     = "dev-student-001"
	devPerson2ID    = "dev-student-002"
	devDeviceID     = "dev-device-001"
	devPolicyID     = "dev-policy-001"
	devEnrollSecret = "classwatch-dev-secret"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	tenants := tenantrepo.NewPostgresRepository(conn)

	existing, err := tenants.GetByID(ctx, devTenantID)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("Seed already applied (dev tenant exists). Skipping.")
		os.Exit(0)
	}

	now := time.Now().UTC()

	if err := tenants.Create(ctx, &tenantdomain.Tenant{
		ID:        devTenantID,
		Name:      "Maple Grove Elementary",
		Status:    tenantdomain.TenantStatusActive,
		Plan:      tenantdomain.PlanTierStandard,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		log.Fatalf("create tenant: %v", err)
	}

	people := rosterrepo.NewPostgresPersonRepository(conn)
	if err := people.Create(ctx, &rosterdomain.Person{
		ID: devPersonID, TenantID: devTenantID,
		Email: "student1@example.com", Name: "Student One", Grade: "5",
		CreatedAt: now,
	}); err != nil {
		log.Fatalf("create person: %v", err)
	}
	if err := people.Create(ctx, &rosterdomain.Person{
		ID: devPerson2ID, TenantID: devTenantID,
		Email: "student2@example.com", Name: "Student Two", Grade: "6",
		CreatedAt: now,
	}); err != nil {
		log.Fatalf("create person: %v", err)
	}

	hasher := security.NewHasher(cfg.BcryptCost)
	secretHash, err := hasher.Hash([]byte(devEnrollSecret))
	if err != nil {
		log.Fatalf("hash enroll secret: %v", err)
	}
	devices := rosterrepo.NewPostgresDeviceRepository(conn)
	if err := devices.Create(ctx, &rosterdomain.Device{
		ID: devDeviceID, TenantID: devTenantID,
		DisplayName:      "Lab Chromebook 1",
		EnrollSecretHash: secretHash,
		CreatedAt:        now,
	}); err != nil {
		log.Fatalf("create device: %v", err)
	}

	policies := policyrepo.NewPostgresRepository(conn)
	if err := policies.Create(ctx, &policydomain.Policy{
		ID: devPolicyID, TenantID: devTenantID,
		Name:           "Math class",
		AllowedDomains: []string{"khanacademy.org", "desmos.com"},
		BlockedDomains: []string{"games.example.com"},
		CreatedAt:      now, UpdatedAt: now,
	}); err != nil {
		log.Fatalf("create policy: %v", err)
	}
	if err := policies.SetActive(ctx, devTenantID, "", devPolicyID); err != nil {
		log.Fatalf("set active policy: %v", err)
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Dev enrollment: device %s / secret %s\n", devDeviceID, devEnrollSecret)
}
