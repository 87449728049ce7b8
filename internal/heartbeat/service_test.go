package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"classwatch/backend/internal/heartbeat/domain"
	presencedomain "classwatch/backend/internal/presence/domain"
	"classwatch/backend/internal/ratelimit"
	"classwatch/backend/internal/security"
	telemetrydomain "classwatch/backend/internal/telemetry/domain"
	"classwatch/backend/internal/tenant/guard"
	tenantdomain "classwatch/backend/internal/tenant/domain"
)

// mockGuard implements Authorizer for tests.
type mockGuard struct {
	err error
}

func (m *mockGuard) Authorize(ctx context.Context, claims security.Claims) (*tenantdomain.Tenant, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &tenantdomain.Tenant{ID: claims.TenantID, Status: tenantdomain.TenantStatusActive}, nil
}

// mockPresence implements Presence for tests.
type mockPresence struct {
	mu      sync.Mutex
	applied []domain.Heartbeat
}

func (m *mockPresence) Apply(ctx context.Context, hb domain.Heartbeat) (presencedomain.Record, presencedomain.Aggregated) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, hb)
	return presencedomain.Record{}, presencedomain.Aggregated{PersonID: hb.PersonID, Status: presencedomain.StatusOnline}
}

func (m *mockPresence) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

// mockExporter implements telemetry.EventEmitter for tests.
type mockExporter struct {
	mu     sync.Mutex
	events []*telemetrydomain.Event
}

func (m *mockExporter) Emit(ctx context.Context, ev *telemetrydomain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockExporter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func testClaims() security.Claims {
	return security.Claims{TenantID: "t1", DeviceID: "d1", PersonID: "p1", SessionID: "s1"}
}

func ping() domain.Heartbeat {
	return domain.Heartbeat{TabTitle: "Math quiz", TabURL: "https://app.ixl.com/quiz"}
}

func TestIngest_Accepted(t *testing.T) {
	pres := &mockPresence{}
	exp := &mockExporter{}
	svc := NewService(&mockGuard{}, nil, pres, exp, nil)

	result, agg, err := svc.Ingest(context.Background(), testClaims(), ping())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result != ResultAccepted {
		t.Errorf("result = %v, want accepted", result)
	}
	if agg.Status != presencedomain.StatusOnline {
		t.Errorf("aggregated status = %q", agg.Status)
	}
	if pres.count() != 1 {
		t.Errorf("presence applies = %d, want 1", pres.count())
	}

	// The export runs async.
	deadline := time.After(time.Second)
	for exp.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("heartbeat was never exported")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestIngest_IdentityComesFromToken(t *testing.T) {
	pres := &mockPresence{}
	svc := NewService(&mockGuard{}, nil, pres, nil, nil)

	hb := ping()
	hb.TenantID = "spoofed"
	hb.DeviceID = "spoofed"
	if _, _, err := svc.Ingest(context.Background(), testClaims(), hb); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	got := pres.applied[0]
	if got.TenantID != "t1" || got.DeviceID != "d1" || got.PersonID != "p1" {
		t.Errorf("identity = %s/%s/%s, want t1/d1/p1", got.TenantID, got.DeviceID, got.PersonID)
	}
}

func TestIngest_RapidRepeatsDeduplicated(t *testing.T) {
	// Four rapid identical heartbeats: one durable write, three dedupes.
	pres := &mockPresence{}
	exp := &mockExporter{}
	svc := NewService(&mockGuard{}, nil, pres, exp, nil)

	results := make([]Result, 0, 4)
	for i := 0; i < 4; i++ {
		r, _, err := svc.Ingest(context.Background(), testClaims(), ping())
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		results = append(results, r)
	}

	if results[0] != ResultAccepted {
		t.Errorf("first result = %v, want accepted", results[0])
	}
	for i, r := range results[1:] {
		if r != ResultDeduplicated {
			t.Errorf("repeat %d result = %v, want deduplicated", i+1, r)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if exp.count() != 1 {
		t.Errorf("durable writes = %d, want exactly 1", exp.count())
	}
	// Dedup still refreshes presence liveness.
	if pres.count() != 4 {
		t.Errorf("presence applies = %d, want 4", pres.count())
	}
}

func TestIngest_ChangedContentNotDeduplicated(t *testing.T) {
	svc := NewService(&mockGuard{}, nil, &mockPresence{}, nil, nil)

	if r, _, _ := svc.Ingest(context.Background(), testClaims(), ping()); r != ResultAccepted {
		t.Fatalf("first result = %v", r)
	}
	changed := ping()
	changed.TabURL = "https://docs.example.com"
	if r, _, _ := svc.Ingest(context.Background(), testClaims(), changed); r != ResultAccepted {
		t.Errorf("changed content result = %v, want accepted", r)
	}
}

func TestIngest_DedupeWindowExpires(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := NewService(&mockGuard{}, nil, &mockPresence{}, nil, nil, WithClock(func() time.Time { return now }))

	if r, _, _ := svc.Ingest(context.Background(), testClaims(), ping()); r != ResultAccepted {
		t.Fatalf("first result = %v", r)
	}
	now = now.Add(DedupeWindow + time.Second)
	if r, _, _ := svc.Ingest(context.Background(), testClaims(), ping()); r != ResultAccepted {
		t.Errorf("post-window result = %v, want accepted", r)
	}
}

func TestIngest_RateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.WithCeilings(2, 100))
	pres := &mockPresence{}
	exp := &mockExporter{}
	svc := NewService(&mockGuard{}, limiter, pres, exp, nil)

	// Vary content so dedupe does not mask the limiter.
	for i := 0; i < 2; i++ {
		hb := ping()
		hb.TabTitle = string(rune('a' + i))
		if _, _, err := svc.Ingest(context.Background(), testClaims(), hb); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	hb := ping()
	hb.TabTitle = "over"
	_, _, err := svc.Ingest(context.Background(), testClaims(), hb)
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Dropped with no side effects.
	time.Sleep(50 * time.Millisecond)
	if pres.count() != 2 || exp.count() != 2 {
		t.Errorf("presence=%d exports=%d, want 2/2", pres.count(), exp.count())
	}
}

func TestIngest_GuardFailureShortCircuits(t *testing.T) {
	pres := &mockPresence{}
	svc := NewService(&mockGuard{err: guard.ErrNotEntitled}, nil, pres, nil, nil)

	_, _, err := svc.Ingest(context.Background(), testClaims(), ping())
	if !errors.Is(err, guard.ErrNotEntitled) {
		t.Fatalf("err = %v, want ErrNotEntitled", err)
	}
	if pres.count() != 0 {
		t.Error("rejected heartbeat must not touch presence")
	}
}
