// Package relay routes WebRTC signaling between exactly one viewer and one
// agent per session. It is transport-agnostic about payloads: SDP and ICE
// bodies pass through opaque. What it owns is ordering — offers are retried
// until the agent is ready, duplicate offers are ignored once answered, and
// ICE candidates are queued until the side that needs them has its remote
// description.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"classwatch/backend/internal/hub"
	"classwatch/backend/internal/telemetry"
	telemetrydomain "classwatch/backend/internal/telemetry/domain"
)

// Offer retry schedule: agent readiness and viewer requests are not
// synchronized, so an offer that finds no agent connection is retried with
// linear backoff for a few hundred milliseconds before failing.
const (
	defaultRetryDelay  = 50 * time.Millisecond
	defaultMaxAttempts = 6
)

type phase int

const (
	// phaseOfferPending: offer accepted from the viewer, not yet delivered
	// to the agent.
	phaseOfferPending phase = iota
	// phaseOfferDelivered: the agent holds the remote description; viewer
	// ICE can flow.
	phaseOfferDelivered
	// phaseAnswered: the answer reached the viewer; both descriptions are
	// set and ICE flows freely.
	phaseAnswered
	phaseClosed
)

type sessionKey struct {
	tenantID string
	deviceID string
}

type session struct {
	tenantID string
	deviceID string
	viewerID string
	phase    phase
	attempts int
	// toAgent holds viewer ICE until the offer is delivered; toViewer holds
	// agent ICE until the answer is forwarded. Both flush in arrival order.
	toAgent  []hub.Envelope
	toViewer []hub.Envelope
}

// Transport delivers envelopes to connected peers. Implemented by the hub.
type Transport interface {
	SendToDevice(tenantID, deviceID string, env hub.Envelope) error
	SendToViewer(tenantID, connID string, env hub.Envelope) error
}

// Reachability reports whether a device has live presence. Implemented by
// the presence aggregator. Optional: when set, an offer that cannot be
// delivered to a device with no recent heartbeat fails immediately instead
// of burning the full retry schedule, which exists for agents that are
// connected but still bringing their capture pipeline up.
type Reachability interface {
	DeviceOnline(tenantID, deviceID string) bool
}

// Relay is the signaling session table.
type Relay struct {
	transport Transport
	reach     Reachability
	emitter   telemetry.EventEmitter
	logger    *slog.Logger

	retryDelay  time.Duration
	maxAttempts int

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// Option configures a Relay.
type Option func(*Relay)

// WithRetrySchedule overrides the offer retry delay and attempt ceiling,
// for tests.
func WithRetrySchedule(delay time.Duration, attempts int) Option {
	return func(r *Relay) {
		r.retryDelay = delay
		r.maxAttempts = attempts
	}
}

// WithReachability sets the presence check consulted when offer delivery
// fails.
func WithReachability(reach Reachability) Option {
	return func(r *Relay) { r.reach = reach }
}

// New returns a Relay. emitter may be nil.
func New(transport Transport, emitter telemetry.EventEmitter, logger *slog.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		transport:   transport,
		emitter:     emitter,
		logger:      logger.With("component", "relay"),
		retryDelay:  defaultRetryDelay,
		maxAttempts: defaultMaxAttempts,
		sessions:    make(map[sessionKey]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleSignal implements hub.SignalHandler. Viewer envelopes carry
// To=device id; agent envelopes carry From=device id. Tenant scope is
// enforced by the transport on every send, so a viewer cannot address an
// agent outside its tenant.
func (r *Relay) HandleSignal(ctx context.Context, from hub.Peer, env hub.Envelope) {
	switch {
	case from.Viewer && env.Type == hub.TypeOffer:
		r.handleOffer(from, env)
	case from.Viewer && env.Type == hub.TypeICECandidate:
		r.handleViewerICE(from, env)
	case !from.Viewer && env.Type == hub.TypeAnswer:
		r.handleAnswer(from, env)
	case !from.Viewer && env.Type == hub.TypeICECandidate:
		r.handleAgentICE(from, env)
	default:
		r.logger.Warn("unexpected signal", "type", env.Type, "viewer", from.Viewer)
	}
}

func (r *Relay) handleOffer(from hub.Peer, env hub.Envelope) {
	key := sessionKey{tenantID: from.TenantID, deviceID: env.To}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok && s.viewerID == from.ConnID && s.phase == phaseAnswered {
		// Retry racing a just-processed offer: the remote description is
		// already set, so this duplicate must be ignored, not re-answered.
		r.mu.Unlock()
		r.logger.Debug("duplicate offer ignored", "device_id", env.To)
		return
	}
	if ok && s.viewerID != from.ConnID {
		// One viewer per device: a new viewer supersedes the old session.
		s.phase = phaseClosed
	}
	s = &session{
		tenantID: from.TenantID,
		deviceID: env.To,
		viewerID: from.ConnID,
		phase:    phaseOfferPending,
	}
	r.sessions[key] = s
	r.mu.Unlock()

	go r.deliverOffer(key, s, env)
}

// deliverOffer pushes the offer to the agent, retrying on a schedule while
// the agent's capture pipeline comes up.
func (r *Relay) deliverOffer(key sessionKey, s *session, env hub.Envelope) {
	for attempt := 1; ; attempt++ {
		r.mu.Lock()
		if s.phase == phaseClosed || r.sessions[key] != s {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		err := r.transport.SendToDevice(key.tenantID, key.deviceID, env)
		if err == nil {
			r.mu.Lock()
			var queued []hub.Envelope
			if s.phase == phaseOfferPending {
				s.phase = phaseOfferDelivered
				queued = s.toAgent
				s.toAgent = nil
			}
			r.mu.Unlock()
			r.flushToDevice(key, s, queued)
			return
		}

		if attempt >= r.maxAttempts || (r.reach != nil && !r.reach.DeviceOnline(key.tenantID, key.deviceID)) {
			r.logger.Warn("offer delivery failed", "device_id", key.deviceID, "attempts", attempt, "error", err)
			r.fail(key, s, "agent_unreachable")
			return
		}
		time.Sleep(time.Duration(attempt) * r.retryDelay)
	}
}

func (r *Relay) handleViewerICE(from hub.Peer, env hub.Envelope) {
	key := sessionKey{tenantID: from.TenantID, deviceID: env.To}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok || s.viewerID != from.ConnID || s.phase == phaseClosed {
		r.mu.Unlock()
		r.swallowLate(from.TenantID, env.To, "no active session")
		return
	}
	if s.phase == phaseOfferPending {
		// The agent has no remote description yet; hold in arrival order.
		s.toAgent = append(s.toAgent, env)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.transport.SendToDevice(key.tenantID, key.deviceID, env); err != nil {
		r.swallowLate(from.TenantID, env.To, err.Error())
	}
}

func (r *Relay) handleAnswer(from hub.Peer, env hub.Envelope) {
	key := sessionKey{tenantID: from.TenantID, deviceID: from.DeviceID}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok || s.phase == phaseClosed {
		r.mu.Unlock()
		r.swallowLate(from.TenantID, from.DeviceID, "answer without session")
		return
	}
	if s.phase == phaseAnswered {
		// The agent must not double-answer; drop rather than confuse the
		// viewer's already-set remote description.
		r.mu.Unlock()
		r.logger.Debug("duplicate answer dropped", "device_id", from.DeviceID)
		return
	}
	viewerID := s.viewerID
	r.mu.Unlock()

	env.To = viewerID
	if err := r.transport.SendToViewer(key.tenantID, viewerID, env); err != nil {
		r.logger.Warn("answer delivery failed", "device_id", from.DeviceID, "error", err)
		r.fail(key, s, "viewer_unreachable")
		return
	}

	r.mu.Lock()
	s.phase = phaseAnswered
	queued := s.toViewer
	s.toViewer = nil
	r.mu.Unlock()

	telemetry.EmitAsync(r.emitter, context.Background(), &telemetrydomain.Event{
		TenantID:  key.tenantID,
		DeviceID:  key.deviceID,
		EventType: telemetrydomain.EventCaptureStarted,
		Source:    "relay",
		CreatedAt: time.Now().UTC(),
	})

	for _, ice := range queued {
		ice.To = viewerID
		if err := r.transport.SendToViewer(key.tenantID, viewerID, ice); err != nil {
			r.swallowLate(key.tenantID, key.deviceID, err.Error())
		}
	}
}

func (r *Relay) handleAgentICE(from hub.Peer, env hub.Envelope) {
	key := sessionKey{tenantID: from.TenantID, deviceID: from.DeviceID}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok || s.phase == phaseClosed {
		r.mu.Unlock()
		r.swallowLate(from.TenantID, from.DeviceID, "ice without session")
		return
	}
	if s.phase != phaseAnswered {
		// The viewer has no remote description until the answer lands.
		s.toViewer = append(s.toViewer, env)
		r.mu.Unlock()
		return
	}
	viewerID := s.viewerID
	r.mu.Unlock()

	env.To = viewerID
	if err := r.transport.SendToViewer(key.tenantID, viewerID, env); err != nil {
		r.swallowLate(from.TenantID, from.DeviceID, err.Error())
	}
}

// EndSession tears down the signaling session for a device and frees its
// slot. Called on explicit stop and on disconnected/failed transitions
// reported by the agent. Idempotent.
func (r *Relay) EndSession(tenantID, deviceID string) {
	key := sessionKey{tenantID: tenantID, deviceID: deviceID}
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		s.phase = phaseClosed
		s.toAgent = nil
		s.toViewer = nil
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("signaling session ended", "device_id", deviceID)
		r.emitEnded(tenantID, deviceID)
	}
}

// ViewerGone closes every session owned by a viewer connection.
func (r *Relay) ViewerGone(tenantID, viewerID string) {
	r.mu.Lock()
	var ended []string
	for key, s := range r.sessions {
		if key.tenantID == tenantID && s.viewerID == viewerID {
			s.phase = phaseClosed
			delete(r.sessions, key)
			ended = append(ended, key.deviceID)
		}
	}
	r.mu.Unlock()
	for _, deviceID := range ended {
		r.logger.Info("signaling session ended", "device_id", deviceID, "reason", "viewer disconnected")
		r.emitEnded(tenantID, deviceID)
	}
}

func (r *Relay) emitEnded(tenantID, deviceID string) {
	telemetry.EmitAsync(r.emitter, context.Background(), &telemetrydomain.Event{
		TenantID:  tenantID,
		DeviceID:  deviceID,
		EventType: telemetrydomain.EventCaptureEnded,
		Source:    "relay",
		CreatedAt: time.Now().UTC(),
	})
}

func (r *Relay) flushToDevice(key sessionKey, s *session, queued []hub.Envelope) {
	for _, ice := range queued {
		if err := r.transport.SendToDevice(key.tenantID, key.deviceID, ice); err != nil {
			r.swallowLate(key.tenantID, key.deviceID, err.Error())
		}
	}
}

// fail closes the session and tells the viewer.
func (r *Relay) fail(key sessionKey, s *session, code string) {
	r.mu.Lock()
	viewerID := s.viewerID
	s.phase = phaseClosed
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	payload := fmt.Sprintf(`{"code":%q,"message":"signaling failed"}`, code)
	if err := r.transport.SendToViewer(key.tenantID, viewerID, hub.Envelope{
		Type:    hub.TypeError,
		From:    key.deviceID,
		Payload: []byte(payload),
	}); err != nil {
		r.logger.Debug("failure notice undeliverable", "viewer", viewerID, "error", err)
	}
	telemetry.EmitAsync(r.emitter, context.Background(), &telemetrydomain.Event{
		TenantID:  key.tenantID,
		DeviceID:  key.deviceID,
		EventType: telemetrydomain.EventSignalingFailed,
		Source:    "relay",
		Metadata:  []byte(fmt.Sprintf(`{"code":%q}`, code)),
		CreatedAt: time.Now().UTC(),
	})
}

// swallowLate records a late or orphaned signal at low severity. Candidates
// that miss a finalized connection are expected WebRTC behavior, not
// errors.
func (r *Relay) swallowLate(tenantID, deviceID, reason string) {
	r.logger.Debug("late signal swallowed", "device_id", deviceID, "reason", reason)
	telemetry.EmitAsync(r.emitter, context.Background(), &telemetrydomain.Event{
		TenantID:  tenantID,
		DeviceID:  deviceID,
		EventType: telemetrydomain.EventLateSignal,
		Source:    "relay",
		CreatedAt: time.Now().UTC(),
	})
}
