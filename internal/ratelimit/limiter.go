// Package ratelimit provides fixed-window request counters keyed by device
// and by tenant. Windows are fixed, not sliding: a burst straddling a window
// boundary can briefly exceed the ceiling. That is a deliberate trade of
// precision for simplicity.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a counter exceeds its ceiling. Transient:
// the caller is expected to back off; no state is mutated beyond the count.
var ErrRateLimited = errors.New("rate limited")

// Default ceilings for one 60-second window.
const (
	DefaultWindow        = time.Minute
	DefaultDeviceCeiling = 12
	DefaultTenantCeiling = 3000
)

// Counter is one fixed-window counter.
type Counter struct {
	WindowStart time.Time
	Count       int
}

// Store holds counters by key. The in-memory implementation is process-local;
// a horizontally scaled deployment needs a shared store or sticky routing
// per device behind this same interface.
type Store interface {
	// Incr advances the counter for key: if the window starting at the
	// stored WindowStart has elapsed at now, the counter resets to 1;
	// otherwise it increments. Returns the count after the update.
	Incr(key string, now time.Time, window time.Duration) int
	// Reset clears the counter for key.
	Reset(key string)
}

// MemoryStore is an in-memory Store. Counters are partitioned by key so
// contention stays local to a device or tenant.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Counter
}

// NewMemoryStore returns an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]Counter)}
}

// Incr advances the counter for key as described by Store.
func (s *MemoryStore) Incr(key string, now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[key]
	if !ok || now.Sub(c.WindowStart) >= window {
		c = Counter{WindowStart: now, Count: 1}
	} else {
		c.Count++
	}
	s.m[key] = c
	return c.Count
}

// Reset clears the counter for key.
func (s *MemoryStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Limiter enforces two independent ceilings per request: a small per-device
// ceiling and a large per-tenant ceiling.
type Limiter struct {
	store         Store
	window        time.Duration
	deviceCeiling int
	tenantCeiling int
	nowF          func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the window length.
func WithWindow(w time.Duration) Option {
	return func(l *Limiter) { l.window = w }
}

// WithCeilings overrides the per-device and per-tenant ceilings.
func WithCeilings(device, tenant int) Option {
	return func(l *Limiter) {
		l.deviceCeiling = device
		l.tenantCeiling = tenant
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.nowF = now }
}

// NewLimiter returns a Limiter backed by store with default window and
// ceilings unless overridden by options.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:         store,
		window:        DefaultWindow,
		deviceCeiling: DefaultDeviceCeiling,
		tenantCeiling: DefaultTenantCeiling,
		nowF:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request against both the device and tenant windows.
// Returns ErrRateLimited when either ceiling is exceeded; the request must
// then be dropped without side effects.
func (l *Limiter) Allow(tenantID, deviceID string) error {
	now := l.nowF()
	if n := l.store.Incr("device:"+deviceID, now, l.window); n > l.deviceCeiling {
		return ErrRateLimited
	}
	if n := l.store.Incr("tenant:"+tenantID, now, l.window); n > l.tenantCeiling {
		return ErrRateLimited
	}
	return nil
}
