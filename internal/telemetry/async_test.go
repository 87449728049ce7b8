package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"classwatch/backend/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.Event
	emitErr error
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, context.Background(), &domain.Event{TenantID: "t1", EventType: "test"})
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}

	EmitAsync(emitter, context.Background(), nil)
	time.Sleep(10 * time.Millisecond)

	if got := emitter.getEvents(); len(got) != 0 {
		t.Errorf("expected 0 events, got %d", len(got))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := &domain.Event{
		TenantID:  "t1",
		PersonID:  "p1",
		EventType: domain.EventHeartbeat,
		Source:    "agent",
	}

	EmitAsync(emitter, context.Background(), event)
	time.Sleep(100 * time.Millisecond)

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].TenantID != "t1" || events[0].PersonID != "p1" || events[0].EventType != domain.EventHeartbeat {
		t.Errorf("event = %+v", events[0])
	}
}

func TestEmitAsync_UsesBackgroundContext(t *testing.T) {
	emitter := &mockEventEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // request context cancelled before the emit runs

	EmitAsync(emitter, ctx, &domain.Event{TenantID: "t1", EventType: "test"})
	time.Sleep(100 * time.Millisecond)

	if got := emitter.getEvents(); len(got) != 1 {
		t.Errorf("expected 1 event (context.Background used), got %d", len(got))
	}
}

func TestEmitAsync_ErrorHandling(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: context.DeadlineExceeded}

	// Errors are logged and never reach the caller.
	EmitAsync(emitter, context.Background(), &domain.Event{TenantID: "t1", EventType: "test"})
	time.Sleep(100 * time.Millisecond)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, context.Background(), &domain.Event{TenantID: "t1", EventType: "test"})
		}()
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	if got := emitter.getEvents(); len(got) != 10 {
		t.Errorf("expected 10 events, got %d", len(got))
	}
}
