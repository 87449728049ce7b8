// Package heartbeat ingests device status pings: authorize, rate-limit,
// deduplicate, fold into presence, and export a durable copy.
package heartbeat

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log"
	"sync"
	"time"

	"classwatch/backend/internal/heartbeat/domain"
	presencedomain "classwatch/backend/internal/presence/domain"
	"classwatch/backend/internal/ratelimit"
	"classwatch/backend/internal/security"
	"classwatch/backend/internal/telemetry"
	telemetrydomain "classwatch/backend/internal/telemetry/domain"
	tenantdomain "classwatch/backend/internal/tenant/domain"
)

// DedupeWindow is how long an identical heartbeat from the same device is
// collapsed into the previous one. Repeats inside the window still count
// against the rate limiter but produce no durable write.
const DedupeWindow = 10 * time.Second

// Result classifies an accepted ingestion.
type Result int

const (
	// ResultAccepted means the heartbeat was folded into presence and
	// exported.
	ResultAccepted Result = iota
	// ResultDeduplicated means an identical heartbeat arrived within the
	// dedupe window; presence liveness was refreshed but nothing was
	// exported.
	ResultDeduplicated
)

// Authorizer validates the caller's tenant and session.
type Authorizer interface {
	Authorize(ctx context.Context, claims security.Claims) (*tenantdomain.Tenant, error)
}

// Presence folds accepted heartbeats into the live presence view.
type Presence interface {
	Apply(ctx context.Context, hb domain.Heartbeat) (presencedomain.Record, presencedomain.Aggregated)
}

// DeviceTracker records device last-seen timestamps. Best-effort.
type DeviceTracker interface {
	UpdateLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

type dedupeEntry struct {
	fingerprint [sha256.Size]byte
	at          time.Time
}

// Service is the heartbeat ingestion pipeline.
type Service struct {
	guard    Authorizer
	limiter  *ratelimit.Limiter
	presence Presence
	exporter telemetry.EventEmitter
	devices  DeviceTracker
	nowF     func() time.Time

	mu     sync.Mutex
	recent map[string]dedupeEntry // deviceID -> last accepted heartbeat
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowF = now }
}

// NewService wires the ingestion pipeline. exporter and devices may be nil.
func NewService(guard Authorizer, limiter *ratelimit.Limiter, presence Presence, exporter telemetry.EventEmitter, devices DeviceTracker, opts ...Option) *Service {
	s := &Service{
		guard:    guard,
		limiter:  limiter,
		presence: presence,
		exporter: exporter,
		devices:  devices,
		nowF:     time.Now,
		recent:   make(map[string]dedupeEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest runs one heartbeat through the pipeline.
//
// Order matters: the tenant guard runs first so a disabled tenant never
// consumes rate-limit budget, then the limiter, so an over-ceiling request
// is dropped with no side effects at all. Only then does the heartbeat
// touch presence or the export pipeline.
func (s *Service) Ingest(ctx context.Context, claims security.Claims, hb domain.Heartbeat) (Result, presencedomain.Aggregated, error) {
	if _, err := s.guard.Authorize(ctx, claims); err != nil {
		return 0, presencedomain.Aggregated{}, err
	}

	hb.TenantID = claims.TenantID
	hb.DeviceID = claims.DeviceID
	hb.PersonID = claims.PersonID
	hb.ArrivedAt = s.nowF()

	if s.limiter != nil {
		if err := s.limiter.Allow(hb.TenantID, hb.DeviceID); err != nil {
			return 0, presencedomain.Aggregated{}, err
		}
	}

	result := s.dedupe(hb)

	_, agg := s.presence.Apply(ctx, hb)

	if result == ResultAccepted {
		s.export(ctx, claims, hb)
		s.touchDevice(hb)
	}
	return result, agg, nil
}

// dedupe collapses identical rapid repeats from one device. Returns
// ResultDeduplicated when the heartbeat's content matches the previous one
// within the window.
func (s *Service) dedupe(hb domain.Heartbeat) Result {
	fp := fingerprint(hb)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.recent[hb.DeviceID]
	if ok && prev.fingerprint == fp && hb.ArrivedAt.Sub(prev.at) < DedupeWindow {
		return ResultDeduplicated
	}
	s.recent[hb.DeviceID] = dedupeEntry{fingerprint: fp, at: hb.ArrivedAt}
	return ResultAccepted
}

// fingerprint hashes the content fields of a heartbeat, excluding arrival
// time so rapid repeats compare equal.
func fingerprint(hb domain.Heartbeat) [sha256.Size]byte {
	hb.ArrivedAt = time.Time{}
	payload, _ := json.Marshal(hb)
	return sha256.Sum256(payload)
}

func (s *Service) export(ctx context.Context, claims security.Claims, hb domain.Heartbeat) {
	if s.exporter == nil {
		return
	}
	metadata, err := json.Marshal(hb)
	if err != nil {
		log.Printf("heartbeat: marshal for export: %v", err)
		return
	}
	telemetry.EmitAsync(s.exporter, ctx, &telemetrydomain.Event{
		TenantID:  hb.TenantID,
		PersonID:  hb.PersonID,
		DeviceID:  hb.DeviceID,
		SessionID: claims.SessionID,
		EventType: telemetrydomain.EventHeartbeat,
		Source:    "agent",
		Metadata:  metadata,
		CreatedAt: hb.ArrivedAt,
	})
}

func (s *Service) touchDevice(hb domain.Heartbeat) {
	if s.devices == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.devices.UpdateLastSeen(ctx, hb.DeviceID, hb.ArrivedAt); err != nil {
			log.Printf("heartbeat: device last-seen update failed: %v", err)
		}
	}()
}
