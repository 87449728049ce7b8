// Package producer defines the interface for exporting telemetry events to
// the durable pipeline (Kafka).
package producer

import (
	"context"

	"classwatch/backend/internal/telemetry/domain"
)

// Producer exports telemetry events. Callers use it best-effort: log and
// ignore errors.
type Producer interface {
	// Emit sends a single telemetry event. Implementations may block
	// briefly; call from a goroutine if needed.
	Emit(ctx context.Context, event *domain.Event) error
	// Close releases resources (e.g. the Kafka writer). Safe to call if
	// already closed.
	Close() error
}
