// Package hub manages the long-lived WebSocket connections for agents and
// supervisor viewers and routes realtime messages between them. One
// goroutine per connection; fan-out goes through the hub's registry rather
// than shared state in the consumers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"classwatch/backend/internal/presence"
	presencedomain "classwatch/backend/internal/presence/domain"
	"classwatch/backend/internal/security"
	tenantdomain "classwatch/backend/internal/tenant/domain"
)

const defaultMaxMessageBytes = 64 * 1024

// Peer identifies the sender of an inbound envelope.
type Peer struct {
	ConnID   string
	TenantID string
	DeviceID string
	PersonID string
	// Viewer is true for supervisor connections, false for agents.
	Viewer bool
}

// SignalHandler consumes offer/answer/ice-candidate envelopes. Wired to the
// signaling relay.
type SignalHandler interface {
	HandleSignal(ctx context.Context, from Peer, env Envelope)
}

// CommandHandler consumes remote-control command envelopes from viewers.
// Wired to the dispatcher.
type CommandHandler interface {
	HandleCommand(ctx context.Context, from Peer, env Envelope)
}

// Authorizer validates the caller's tenant before the upgrade completes.
type Authorizer interface {
	Authorize(ctx context.Context, claims security.Claims) (*tenantdomain.Tenant, error)
}

// TokenValidator parses and verifies a bearer token.
type TokenValidator interface {
	Validate(token string) (security.Claims, error)
}

// RosterSource supplies the current per-person presence views of a tenant,
// sent to a viewer right after it connects so the dashboard starts from the
// live state instead of waiting for the next transition. Implemented by the
// presence aggregator.
type RosterSource interface {
	Tenant(tenantID string) []presencedomain.Aggregated
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

type agentConn struct {
	deviceID string
	tenantID string
	personID string
	conn     *websocket.Conn
	mu       sync.Mutex
}

type viewerConn struct {
	id       string
	tenantID string
	personID string
	conn     *websocket.Conn
	mu       sync.Mutex
}

// Options configures the Hub.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
}

// Hub is the realtime connection registry.
type Hub struct {
	tokens   TokenValidator
	guard    Authorizer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxMessageBytes int64

	signals  SignalHandler
	commands CommandHandler
	roster   RosterSource

	onAgentGone  func(tenantID, deviceID string)
	onViewerGone func(tenantID, connID string)

	mu      sync.RWMutex
	agents  map[string]*agentConn             // deviceID -> conn
	viewers map[string]map[string]*viewerConn // tenantID -> connID -> conn
}

// New creates a Hub. Route must be called before serving connections.
func New(tokens TokenValidator, guard Authorizer, logger *slog.Logger, opts Options) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Hub{
		tokens:          tokens,
		guard:           guard,
		logger:          logger.With("component", "hub"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: maxBytes,
		agents:          make(map[string]*agentConn),
		viewers:         make(map[string]map[string]*viewerConn),
	}
}

// Route wires the inbound message consumers. Either may be nil; envelopes
// for a nil consumer are dropped with a log line.
func (h *Hub) Route(signals SignalHandler, commands CommandHandler) {
	h.signals = signals
	h.commands = commands
}

// OnAgentGone registers a callback fired after an agent connection is
// removed from the registry. The relay uses it to free signaling sessions.
func (h *Hub) OnAgentGone(fn func(tenantID, deviceID string)) { h.onAgentGone = fn }

// OnViewerGone registers a callback fired after a viewer connection is
// removed from the registry.
func (h *Hub) OnViewerGone(fn func(tenantID, connID string)) { h.onViewerGone = fn }

// SetRoster wires the initial-roster source. May be nil; viewers then start
// from an empty feed.
func (h *Hub) SetRoster(r RosterSource) { h.roster = r }

// authenticate validates the bearer token (query param or Authorization
// header; browsers cannot set custom headers during the WebSocket
// handshake) and the tenant's standing.
func (h *Hub) authenticate(r *http.Request) (security.Claims, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = r.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}
	claims, err := h.tokens.Validate(tokenStr)
	if err != nil {
		return security.Claims{}, err
	}
	if _, err := h.guard.Authorize(r.Context(), claims); err != nil {
		return security.Claims{}, err
	}
	return claims, nil
}

// HandleAgentWS serves a monitored device's realtime connection.
func (h *Hub) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if claims.DeviceID == "" {
		http.Error(w, "device token required", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(h.maxMessageBytes)

	ac := &agentConn{
		deviceID: claims.DeviceID,
		tenantID: claims.TenantID,
		personID: claims.PersonID,
		conn:     conn,
	}

	h.mu.Lock()
	if existing, ok := h.agents[claims.DeviceID]; ok {
		h.logger.Warn("agent reconnect: closing previous connection", "device_id", claims.DeviceID)
		_ = existing.conn.Close()
	}
	h.agents[claims.DeviceID] = ac
	h.mu.Unlock()

	h.logger.Info("agent connected", "device_id", claims.DeviceID, "tenant_id", claims.TenantID)

	defer func() {
		h.mu.Lock()
		// A newer reconnection may have already replaced this entry.
		removed := false
		if current, ok := h.agents[claims.DeviceID]; ok && current == ac {
			delete(h.agents, claims.DeviceID)
			removed = true
		}
		h.mu.Unlock()
		if removed && h.onAgentGone != nil {
			h.onAgentGone(claims.TenantID, claims.DeviceID)
		}
		h.logger.Info("agent disconnected", "device_id", claims.DeviceID)
	}()

	peer := Peer{
		ConnID:   claims.DeviceID,
		TenantID: claims.TenantID,
		DeviceID: claims.DeviceID,
		PersonID: claims.PersonID,
	}
	h.readLoop(r.Context(), conn, peer, func(env Envelope) {
		h.dispatchAgent(r.Context(), peer, env)
	})
}

// HandleViewerWS serves a supervisor's realtime connection. On connect the
// viewer receives only events scoped to its own tenant.
func (h *Hub) HandleViewerWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("viewer websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(h.maxMessageBytes)

	vc := &viewerConn{
		id:       uuid.New().String(),
		tenantID: claims.TenantID,
		personID: claims.PersonID,
		conn:     conn,
	}

	h.mu.Lock()
	if h.viewers[claims.TenantID] == nil {
		h.viewers[claims.TenantID] = make(map[string]*viewerConn)
	}
	h.viewers[claims.TenantID][vc.id] = vc
	h.mu.Unlock()

	h.logger.Info("viewer connected", "conn_id", vc.id, "tenant_id", claims.TenantID)

	h.sendRoster(vc)

	defer func() {
		h.mu.Lock()
		if conns, ok := h.viewers[claims.TenantID]; ok {
			delete(conns, vc.id)
			if len(conns) == 0 {
				delete(h.viewers, claims.TenantID)
			}
		}
		h.mu.Unlock()
		if h.onViewerGone != nil {
			h.onViewerGone(claims.TenantID, vc.id)
		}
		h.logger.Info("viewer disconnected", "conn_id", vc.id)
	}()

	peer := Peer{
		ConnID:   vc.id,
		TenantID: claims.TenantID,
		PersonID: claims.PersonID,
		Viewer:   true,
	}
	h.readLoop(r.Context(), conn, peer, func(env Envelope) {
		h.dispatchViewer(r.Context(), peer, env)
	})
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, peer Peer, handle func(Envelope)) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("read error", "conn_id", peer.ConnID, "error", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid envelope", "conn_id", peer.ConnID, "error", err)
			continue
		}
		handle(env)
	}
}

func (h *Hub) dispatchAgent(ctx context.Context, peer Peer, env Envelope) {
	// Agents cannot speak for another device.
	env.From = peer.DeviceID
	switch env.Type {
	case TypeAnswer, TypeICECandidate:
		if h.signals == nil {
			h.logger.Warn("no signal handler wired", "type", env.Type)
			return
		}
		h.signals.HandleSignal(ctx, peer, env)
	case TypeCheckIn:
		h.BroadcastToTenant(peer.TenantID, env)
	default:
		h.logger.Warn("unknown agent message type", "type", env.Type, "device_id", peer.DeviceID)
	}
}

func (h *Hub) dispatchViewer(ctx context.Context, peer Peer, env Envelope) {
	env.From = peer.ConnID
	switch env.Type {
	case TypeOffer, TypeICECandidate:
		if h.signals == nil {
			h.logger.Warn("no signal handler wired", "type", env.Type)
			return
		}
		h.signals.HandleSignal(ctx, peer, env)
	case TypeCommand:
		if h.commands == nil {
			h.logger.Warn("no command handler wired", "type", env.Type)
			return
		}
		h.commands.HandleCommand(ctx, peer, env)
	case TypeChat:
		h.BroadcastToTenant(peer.TenantID, env)
	default:
		h.logger.Warn("unknown viewer message type", "type", env.Type, "conn_id", peer.ConnID)
	}
}

// SendToDevice delivers an envelope to one connected agent. The tenant
// check keeps a viewer from addressing a device outside its tenant even if
// it learns the device id.
func (h *Hub) SendToDevice(tenantID, deviceID string, env Envelope) error {
	h.mu.RLock()
	ac, ok := h.agents[deviceID]
	h.mu.RUnlock()
	if !ok || ac.tenantID != tenantID {
		return fmt.Errorf("device %s not connected", deviceID)
	}
	return writeEnvelope(ac.conn, &ac.mu, env)
}

// SendToViewer delivers an envelope to one viewer connection.
func (h *Hub) SendToViewer(tenantID, connID string, env Envelope) error {
	h.mu.RLock()
	vc := h.viewers[tenantID][connID]
	h.mu.RUnlock()
	if vc == nil {
		return fmt.Errorf("viewer %s not connected", connID)
	}
	return writeEnvelope(vc.conn, &vc.mu, env)
}

// BroadcastToTenant fans an envelope out to every viewer of one tenant.
// Best-effort: a slow or dead connection is logged and skipped.
func (h *Hub) BroadcastToTenant(tenantID string, env Envelope) {
	h.mu.RLock()
	conns := make([]*viewerConn, 0, len(h.viewers[tenantID]))
	for _, vc := range h.viewers[tenantID] {
		conns = append(conns, vc)
	}
	h.mu.RUnlock()

	for _, vc := range conns {
		if err := writeEnvelope(vc.conn, &vc.mu, env); err != nil {
			h.logger.Debug("broadcast write failed", "conn_id", vc.id, "error", err)
		}
	}
}

// AgentInfo describes one connected agent.
type AgentInfo struct {
	DeviceID string
	PersonID string
}

// ConnectedAgents lists the tenant's live agent connections, for audience
// resolution in the dispatcher.
func (h *Hub) ConnectedAgents(tenantID string) []AgentInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []AgentInfo
	for _, ac := range h.agents {
		if ac.tenantID == tenantID {
			out = append(out, AgentInfo{DeviceID: ac.deviceID, PersonID: ac.personID})
		}
	}
	return out
}

// DeviceConnected reports whether an agent connection exists for the device
// within the tenant. Used by the relay for reachability.
func (h *Hub) DeviceConnected(tenantID, deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ac, ok := h.agents[deviceID]
	return ok && ac.tenantID == tenantID
}

// sendRoster pushes one presence frame per person to a just-connected
// viewer, in the same shape as live presence-changed events.
func (h *Hub) sendRoster(vc *viewerConn) {
	if h.roster == nil {
		return
	}
	for _, agg := range h.roster.Tenant(vc.tenantID) {
		payload, err := json.Marshal(presence.Event{
			TenantID:   vc.tenantID,
			PersonID:   agg.PersonID,
			DeviceID:   agg.PrimaryDeviceID,
			Status:     agg.Status,
			Aggregated: agg,
		})
		if err != nil {
			h.logger.Warn("marshal roster entry", "error", err)
			continue
		}
		if err := writeEnvelope(vc.conn, &vc.mu, Envelope{Type: TypePresence, Payload: payload}); err != nil {
			h.logger.Debug("roster write failed", "conn_id", vc.id, "error", err)
			return
		}
	}
}

// PresenceChanged implements presence.Listener: presence events fan out to
// the owning tenant's viewers only.
func (h *Hub) PresenceChanged(ev presence.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal presence event", "error", err)
		return
	}
	h.BroadcastToTenant(ev.TenantID, Envelope{
		Type:      TypePresence,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func writeEnvelope(conn *websocket.Conn, mu *sync.Mutex, env Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
