package repository

import (
	"context"
	"time"

	"classwatch/backend/internal/roster/domain"
)

// DeviceRepository defines persistence for devices.
type DeviceRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Device, error)
	Create(ctx context.Context, d *domain.Device) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}

// PersonRepository defines persistence for people.
type PersonRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Person, error)
	GetByEmail(ctx context.Context, tenantID, email string) (*domain.Person, error)
	// ListIDsByGrade returns person ids in the tenant with the given grade,
	// used by grade-targeted command dispatch.
	ListIDsByGrade(ctx context.Context, tenantID, grade string) ([]string, error)
	Create(ctx context.Context, p *domain.Person) error
}
