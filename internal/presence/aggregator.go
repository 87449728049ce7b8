// Package presence folds the heartbeat stream into per-device and
// per-person online/idle/offline state. All state is in memory, keyed by
// (person, device), and owned by an Aggregator instance injected as an
// explicit dependency so tests and tenants can run isolated instances.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	heartbeatdomain "classwatch/backend/internal/heartbeat/domain"
	policydomain "classwatch/backend/internal/policy/domain"
	"classwatch/backend/internal/policy/engine"
	"classwatch/backend/internal/presence/domain"
)

// sweepInterval is how often the background sweep re-derives statuses for
// devices that went silent. Demotions to idle or offline are announced to
// the listener from here; a silent device sends no heartbeat to announce
// its own crossing.
const sweepInterval = 30 * time.Second

// markTimeout bounds a single ended-session persistence call so a slow
// external store cannot back up the sweep.
const markTimeout = 5 * time.Second

// SessionMarker persists an "ended session" marker for a device that went
// offline. External collaborator; best-effort.
type SessionMarker interface {
	MarkEnded(ctx context.Context, tenantID, personID, deviceID string, lastSeen time.Time) error
}

// PolicySource returns the active flight-path policy for a device, or nil
// when none applies. Implemented by the policy repository.
type PolicySource interface {
	GetActive(ctx context.Context, tenantID, deviceID string) (*policydomain.Policy, error)
}

// Event is a presence-changed notification delivered to the listener.
type Event struct {
	TenantID   string            `json:"tenantId"`
	PersonID   string            `json:"personId"`
	DeviceID   string            `json:"deviceId"`
	Status     domain.Status     `json:"status"`
	Aggregated domain.Aggregated `json:"aggregated"`
}

// Listener receives presence-changed events. Called synchronously from the
// heartbeat path; implementations must not block.
type Listener interface {
	PresenceChanged(ev Event)
}

type key struct {
	personID string
	deviceID string
}

// Aggregator holds presence records and derives per-person views.
type Aggregator struct {
	policies PolicySource
	marker   SessionMarker
	listener Listener
	logger   *slog.Logger
	nowF     func() time.Time

	mu       sync.RWMutex
	records  map[key]*domain.Record
	byPerson map[string]map[string]struct{} // personID -> deviceID set
	// announced is the last status delivered to the listener per record, so
	// the heartbeat path and the sweep never double-announce a crossing.
	announced map[key]domain.Status
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.nowF = now }
}

// WithListener sets the presence-changed listener.
func WithListener(l Listener) Option {
	return func(a *Aggregator) { a.listener = l }
}

// New returns an empty Aggregator. policies and marker may be nil (no
// off-task evaluation, no ended-session markers).
func New(policies PolicySource, marker SessionMarker, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		policies:  policies,
		marker:    marker,
		logger:    logger.With("component", "presence"),
		nowF:      time.Now,
		records:   make(map[key]*domain.Record),
		byPerson:  make(map[string]map[string]struct{}),
		announced: make(map[key]domain.Status),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply folds one accepted heartbeat into presence state and returns the
// updated record and the person's aggregated view.
//
// The lock flag is server-authoritative: a heartbeat whose LockStateAt
// predates the record's LockedAt carries a stale lock observation and must
// not overwrite the flag. This keeps a just-issued lock-screen command from
// being silently undone by an in-flight client ping.
func (a *Aggregator) Apply(ctx context.Context, hb heartbeatdomain.Heartbeat) (domain.Record, domain.Aggregated) {
	offTask := a.evalOffTask(ctx, hb)

	a.mu.Lock()
	k := key{personID: hb.PersonID, deviceID: hb.DeviceID}
	rec, ok := a.records[k]
	if !ok {
		rec = &domain.Record{
			TenantID: hb.TenantID,
			PersonID: hb.PersonID,
			DeviceID: hb.DeviceID,
		}
		a.records[k] = rec
		devices := a.byPerson[hb.PersonID]
		if devices == nil {
			devices = make(map[string]struct{})
			a.byPerson[hb.PersonID] = devices
		}
		devices[hb.DeviceID] = struct{}{}
	}

	prevOffTask := rec.OffTask
	prevLocked := rec.Locked

	rec.LastSeen = hb.ArrivedAt
	rec.TabTitle = hb.TabTitle
	rec.TabURL = hb.TabURL
	rec.Sharing = hb.Sharing
	rec.CameraActive = hb.CameraActive
	rec.OffTask = offTask
	rec.SessionEnded = false
	if !hb.LockStateAt.Before(rec.LockedAt) {
		rec.Locked = hb.Locked
	}

	now := a.nowF()
	cur := rec.StatusAt(now)
	recCopy := *rec
	agg := a.foldLocked(hb.PersonID, now)
	// A change is worth announcing when the status crosses a threshold, the
	// record is new, or a viewer-visible flag flipped while staying online.
	changed := !ok || a.announced[k] != cur ||
		prevOffTask != rec.OffTask || prevLocked != rec.Locked
	a.announced[k] = cur
	a.mu.Unlock()

	if changed {
		a.notify(recCopy, agg)
	}
	return recCopy, agg
}

// SetLocked records a server-issued lock or unlock for every person active
// on the device. The timestamp becomes the guard against stale heartbeats.
func (a *Aggregator) SetLocked(tenantID, deviceID string, locked bool, at time.Time) {
	var notifications []struct {
		rec domain.Record
		agg domain.Aggregated
	}

	a.mu.Lock()
	for k, rec := range a.records {
		if k.deviceID != deviceID || rec.TenantID != tenantID {
			continue
		}
		rec.Locked = locked
		rec.LockedAt = at
		notifications = append(notifications, struct {
			rec domain.Record
			agg domain.Aggregated
		}{*rec, a.foldLocked(rec.PersonID, a.nowF())})
	}
	a.mu.Unlock()

	for _, n := range notifications {
		a.notify(n.rec, n.agg)
	}
}

// Person returns the aggregated view for one person.
func (a *Aggregator) Person(personID string) domain.Aggregated {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.foldLocked(personID, a.nowF())
}

// Tenant returns aggregated views for every person with presence state in
// the tenant, for a viewer's initial roster.
func (a *Aggregator) Tenant(tenantID string) []domain.Aggregated {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := a.nowF()
	seen := make(map[string]struct{})
	var out []domain.Aggregated
	for k, rec := range a.records {
		if rec.TenantID != tenantID {
			continue
		}
		if _, ok := seen[k.personID]; ok {
			continue
		}
		seen[k.personID] = struct{}{}
		out = append(out, a.foldLocked(k.personID, now))
	}
	return out
}

// DeviceOnline reports whether any person's record on the device is online,
// used by the signaling relay for reachability.
func (a *Aggregator) DeviceOnline(tenantID, deviceID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := a.nowF()
	for k, rec := range a.records {
		if k.deviceID == deviceID && rec.TenantID == tenantID && rec.StatusAt(now) == domain.StatusOnline {
			return true
		}
	}
	return false
}

// RunSweep periodically re-derives the status of every record: silent
// devices are demoted to idle/offline with a presence-changed event, and
// offline ones get a persisted ended-session marker. Markers are written in
// a goroutine so the heartbeat path and the sweep loop never block on the
// external store. Blocks until ctx is done.
func (a *Aggregator) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Aggregator) sweep() {
	now := a.nowF()

	type demotion struct {
		rec domain.Record
		agg domain.Aggregated
	}
	var demoted []demotion
	var ended []domain.Record

	a.mu.Lock()
	for k, rec := range a.records {
		cur := rec.StatusAt(now)
		if a.announced[k] != cur {
			a.announced[k] = cur
			demoted = append(demoted, demotion{*rec, a.foldLocked(k.personID, now)})
		}
		if a.marker != nil && cur == domain.StatusOffline && !rec.SessionEnded {
			rec.SessionEnded = true
			ended = append(ended, *rec)
		}
	}
	a.mu.Unlock()

	for _, d := range demoted {
		a.notify(d.rec, d.agg)
	}

	for _, rec := range ended {
		rec := rec
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
			defer cancel()
			if err := a.marker.MarkEnded(ctx, rec.TenantID, rec.PersonID, rec.DeviceID, rec.LastSeen); err != nil {
				a.logger.Warn("ended-session marker failed",
					"device_id", rec.DeviceID,
					"person_id", rec.PersonID,
					"error", err,
				)
			}
		}()
	}
}

// foldLocked computes the per-person aggregate. Caller holds a.mu.
func (a *Aggregator) foldLocked(personID string, now time.Time) domain.Aggregated {
	devices := a.byPerson[personID]
	records := make([]*domain.Record, 0, len(devices))
	for deviceID := range devices {
		if rec, ok := a.records[key{personID: personID, deviceID: deviceID}]; ok {
			records = append(records, rec)
		}
	}
	agg := domain.Fold(records, now)
	agg.PersonID = personID
	return agg
}

func (a *Aggregator) evalOffTask(ctx context.Context, hb heartbeatdomain.Heartbeat) bool {
	if a.policies == nil || hb.TabURL == "" {
		return false
	}
	pol, err := a.policies.GetActive(ctx, hb.TenantID, hb.DeviceID)
	if err != nil {
		a.logger.Warn("active policy lookup failed", "device_id", hb.DeviceID, "error", err)
		return false
	}
	if pol == nil {
		return false
	}
	return engine.OffTask(hb.TabURL, pol.Snapshot())
}

func (a *Aggregator) notify(rec domain.Record, agg domain.Aggregated) {
	if a.listener == nil {
		return
	}
	a.listener.PresenceChanged(Event{
		TenantID:   rec.TenantID,
		PersonID:   rec.PersonID,
		DeviceID:   rec.DeviceID,
		Status:     agg.Status,
		Aggregated: agg,
	})
}
