// Package agent implements the capture state machine that runs on each
// monitored device: it acquires a capture stream, answers signaling from
// the relay, and manages the peer connection's lifecycle. All operations on
// one machine are serialized by its mutex — capture setup, signaling, and
// teardown never run concurrently for a given agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// State of the capture machine.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StateSignaling State = "signaling"
	StateConnected State = "connected"
	StateStopped   State = "stopped"
)

// Signaler sends the machine's outbound signaling to the relay.
type Signaler interface {
	SendAnswer(sdp string) error
	SendICECandidate(candidate webrtc.ICECandidateInit) error
	// SessionEnded tells the relay the capture session is gone so it can
	// free the slot.
	SessionEnded()
}

// Machine is the per-device capture state machine.
type Machine struct {
	providers []CaptureProvider
	signaler  Signaler
	logger    *slog.Logger
	iceConfig webrtc.Configuration

	mu     sync.Mutex
	state  State
	stream Stream
	pc     *webrtc.PeerConnection
	// pendingICE queues remote candidates that arrive before the remote
	// description is set; flushed in arrival order.
	pendingICE []webrtc.ICECandidateInit
	// cancelCapture aborts a Capture call blocked on a permission prompt.
	cancelCapture context.CancelFunc

	newPeerConnection func(webrtc.Configuration) (*webrtc.PeerConnection, error)
}

// NewMachine returns an idle Machine. Providers are tried in order on
// StartCapture.
func NewMachine(providers []CaptureProvider, signaler Signaler, iceConfig webrtc.Configuration, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		providers:         providers,
		signaler:          signaler,
		logger:            logger.With("component", "agent"),
		iceConfig:         iceConfig,
		state:             StateIdle,
		newPeerConnection: defaultPeerConnection,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartCapture acquires a stream and brings the machine to the signaling
// state. Strategy order: managed capture first, interactive picker second.
// Returns ErrUserDenied if the operator declines, ErrCaptureUnavailable if
// every strategy fails otherwise. The peer connection is created only after
// a stream exists, so the relay's offer-retry loop has something to land
// on.
func (m *Machine) StartCapture(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateStopped {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("capture already active in state %s", state)
	}
	m.state = StateCapturing
	captureCtx, cancel := context.WithCancel(ctx)
	m.cancelCapture = cancel
	providers := m.providers
	m.mu.Unlock()

	stream, err := acquireStream(captureCtx, providers)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.cancelCapture = nil
		m.mu.Unlock()
		return err
	}

	pc, err := m.newPeerConnection(m.iceConfig)
	if err != nil {
		_ = stream.Close()
		m.mu.Lock()
		m.state = StateIdle
		m.cancelCapture = nil
		m.mu.Unlock()
		return fmt.Errorf("creating peer connection: %w", err)
	}
	if _, err := pc.AddTrack(stream.Track()); err != nil {
		_ = pc.Close()
		_ = stream.Close()
		m.mu.Lock()
		m.state = StateIdle
		m.cancelCapture = nil
		m.mu.Unlock()
		return fmt.Errorf("adding capture track: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := m.signaler.SendICECandidate(c.ToJSON()); err != nil {
			m.logger.Debug("ice candidate send failed", "error", err)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.handleICEStateChange(state)
	})

	m.mu.Lock()
	m.stream = stream
	m.pc = pc
	m.state = StateSignaling
	m.cancelCapture = nil
	m.mu.Unlock()

	m.logger.Info("capture started, awaiting offer")
	return nil
}

// acquireStream tries each provider in order. A user denial stops the
// chain; any other failure falls through to the next strategy.
func acquireStream(ctx context.Context, providers []CaptureProvider) (Stream, error) {
	for _, p := range providers {
		stream, err := p.Capture(ctx)
		if err == nil {
			return stream, nil
		}
		if errors.Is(err, ErrUserDenied) {
			return nil, ErrUserDenied
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, ErrCaptureUnavailable
}

// HandleOffer sets the viewer's offer as the remote description and sends
// back an answer. Idempotent under relay retries: once a remote
// description is set, duplicate offers are ignored without producing a
// second answer. Queued ICE candidates flush, in arrival order, as soon as
// the remote description lands.
func (m *Machine) HandleOffer(sdp string) error {
	m.mu.Lock()
	if m.state != StateSignaling && m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("offer in state %s", state)
	}
	pc := m.pc
	if pc.RemoteDescription() != nil {
		m.mu.Unlock()
		m.logger.Debug("duplicate offer ignored")
		return nil
	}
	m.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := m.signaler.SendAnswer(pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("sending answer: %w", err)
	}

	m.mu.Lock()
	queued := m.pendingICE
	m.pendingICE = nil
	m.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			// Late candidates against a finalized connection are expected
			// WebRTC behavior, not errors.
			m.logger.Debug("queued ice candidate rejected", "error", err)
		}
	}
	return nil
}

// HandleRemoteICE applies a viewer candidate, queueing it if the remote
// description is not set yet. Candidates that fail against an
// already-finalized connection are swallowed.
func (m *Machine) HandleRemoteICE(candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	pc := m.pc
	if pc == nil || pc.RemoteDescription() == nil {
		m.pendingICE = append(m.pendingICE, candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		m.logger.Debug("late ice candidate swallowed", "error", err)
	}
}

// Stop releases the stream, closes the peer connection, and clears any
// queued candidates. Idempotent and safe from any state, including idle;
// it is the only cancellation path.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.cancelCapture != nil {
		m.cancelCapture()
		m.cancelCapture = nil
	}
	stream := m.stream
	pc := m.pc
	alreadyStopped := m.state == StateStopped
	m.stream = nil
	m.pc = nil
	m.pendingICE = nil
	m.state = StateStopped
	m.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			m.logger.Debug("stream close", "error", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.logger.Debug("peer connection close", "error", err)
		}
	}
	if !alreadyStopped {
		m.signaler.SessionEnded()
		m.logger.Info("capture stopped")
	}
}

func (m *Machine) handleICEStateChange(state webrtc.ICEConnectionState) {
	m.logger.Info("ice state change", "state", state.String())
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.mu.Lock()
		if m.state == StateSignaling {
			m.state = StateConnected
		}
		m.mu.Unlock()
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		// The viewer is gone or the path died; tear down and free the
		// relay's session slot.
		m.Stop()
	}
}

func defaultPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(config)
}
