package repository

import (
	"context"
	"time"

	"classwatch/backend/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	Revoke(ctx context.Context, id string) error
	RevokeAllByTenant(ctx context.Context, tenantID string) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}
