package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"classwatch/backend/internal/hub"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// CommandFunc executes a remote-control command received from the hub.
type CommandFunc func(ctx context.Context, payload json.RawMessage)

// Client maintains the agent's realtime connection to the hub. It reads
// offers, candidates, and commands off the socket and feeds them to the
// capture machine; outbound signaling goes back over the same connection,
// which makes the Client the machine's Signaler.
type Client struct {
	wsURL     string
	token     string
	logger    *slog.Logger
	onCommand CommandFunc

	machine *Machine

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient returns a Client for the hub's agent endpoint. onCommand may be
// nil; commands are then dropped with a log line.
func NewClient(wsURL, token string, onCommand CommandFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		wsURL:     wsURL,
		token:     token,
		logger:    logger.With("component", "agent-client"),
		onCommand: onCommand,
	}
}

// Attach binds the capture machine. Must be called before Run; the machine
// is constructed after the client because it signals through it.
func (c *Client) Attach(m *Machine) { c.machine = m }

// Run connects to the hub and serves the read loop, reconnecting with
// exponential backoff until ctx is cancelled. The capture machine is
// stopped on every disconnect so a reconnect starts from a clean state.
func (c *Client) Run(ctx context.Context) error {
	if c.machine == nil {
		return errors.New("no capture machine attached")
	}
	backoff := reconnectBase
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("hub connection failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectBase

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("connected to hub")

		err = c.readPump(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.machine.Stop()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("hub connection lost", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{"Authorization": {"Bearer " + c.token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	return conn, nil
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage when the context dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env hub.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("invalid envelope from hub", "error", err)
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env hub.Envelope) {
	switch env.Type {
	case hub.TypeOffer:
		c.handleOffer(ctx, env)
	case hub.TypeICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &candidate); err != nil {
			c.logger.Warn("invalid ice payload", "error", err)
			return
		}
		c.machine.HandleRemoteICE(candidate)
	case hub.TypeCommand:
		if c.onCommand == nil {
			c.logger.Warn("command received but no executor configured")
			return
		}
		c.onCommand(ctx, env.Payload)
	case hub.TypeError:
		c.logger.Warn("hub reported error", "payload", string(env.Payload))
	default:
		c.logger.Debug("ignoring envelope", "type", env.Type)
	}
}

// handleOffer brings capture up if needed, then answers. Capture may block
// on a permission prompt; the relay's retry schedule covers the wait for
// the managed path, and an interactive grant arrives whenever the operator
// decides.
func (c *Client) handleOffer(ctx context.Context, env hub.Envelope) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		c.logger.Warn("invalid offer payload", "error", err)
		return
	}

	if state := c.machine.State(); state == StateIdle || state == StateStopped {
		if err := c.machine.StartCapture(ctx); err != nil {
			if errors.Is(err, ErrUserDenied) {
				c.logger.Info("capture declined by operator")
			} else {
				c.logger.Warn("capture failed", "error", err)
			}
			return
		}
	}
	if err := c.machine.HandleOffer(desc.SDP); err != nil {
		c.logger.Warn("offer rejected", "error", err)
	}
}

// SendAnswer implements Signaler.
func (c *Client) SendAnswer(sdp string) error {
	payload, err := json.Marshal(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return err
	}
	return c.send(hub.Envelope{Type: hub.TypeAnswer, Payload: payload})
}

// SendICECandidate implements Signaler.
func (c *Client) SendICECandidate(candidate webrtc.ICECandidateInit) error {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return c.send(hub.Envelope{Type: hub.TypeICECandidate, Payload: payload})
}

// SessionEnded implements Signaler: viewers learn the share stopped via a
// tenant broadcast.
func (c *Client) SessionEnded() {
	payload, _ := json.Marshal(hub.ChatPayload{Text: "screen share ended"})
	if err := c.send(hub.Envelope{Type: hub.TypeCheckIn, Payload: payload}); err != nil {
		c.logger.Debug("session-end notice undeliverable", "error", err)
	}
}

func (c *Client) send(env hub.Envelope) error {
	env.Timestamp = time.Now().UTC()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
