package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Snapshot is the agent's view of the device at one instant.
type Snapshot struct {
	TabTitle     string    `json:"tabTitle"`
	TabURL       string    `json:"tabUrl"`
	Sharing      bool      `json:"sharing"`
	Locked       bool      `json:"locked"`
	PolicyActive bool      `json:"policyActive"`
	CameraActive bool      `json:"cameraActive"`
	LockStateAt  time.Time `json:"-"`
}

// SnapshotSource produces the current device snapshot. Implemented by the
// platform layer (browser extension bridge or desktop shim).
type SnapshotSource interface {
	Snapshot() Snapshot
}

// defaultReportInterval keeps a device comfortably under the ingestion
// ceiling of 12 heartbeats per minute.
const defaultReportInterval = 10 * time.Second

// Reporter posts periodic heartbeats to the control plane.
type Reporter struct {
	endpoint string
	token    string
	source   SnapshotSource
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithReportInterval overrides the heartbeat interval.
func WithReportInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) { r.interval = d }
}

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(c *http.Client) ReporterOption {
	return func(r *Reporter) { r.client = c }
}

// NewReporter returns a Reporter posting to endpoint with the device token.
func NewReporter(endpoint, token string, source SnapshotSource, logger *slog.Logger, opts ...ReporterOption) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		endpoint: endpoint,
		token:    token,
		source:   source,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: defaultReportInterval,
		logger:   logger.With("component", "agent-reporter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run posts heartbeats on the configured interval until ctx is cancelled.
// Delivery failures are logged and skipped; the next tick tries again.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First beat immediately so the device shows up without waiting a full
	// interval.
	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	snap := r.source.Snapshot()
	body := map[string]any{
		"tabTitle":     snap.TabTitle,
		"tabUrl":       snap.TabURL,
		"sharing":      snap.Sharing,
		"locked":       snap.Locked,
		"policyActive": snap.PolicyActive,
		"cameraActive": snap.CameraActive,
	}
	if !snap.LockStateAt.IsZero() {
		body["lockStateAt"] = snap.LockStateAt.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		r.logger.Warn("heartbeat marshal failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		r.logger.Warn("heartbeat request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("heartbeat delivery failed", "error", err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
	case http.StatusTooManyRequests:
		r.logger.Warn("heartbeat rate limited; backing off one interval")
		select {
		case <-ctx.Done():
		case <-time.After(r.interval):
		}
	default:
		r.logger.Warn("heartbeat rejected", "status", fmt.Sprint(resp.StatusCode))
	}
}
