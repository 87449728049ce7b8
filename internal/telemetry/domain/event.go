package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted by the control plane.
const (
	EventHeartbeat       = "heartbeat"
	EventCommandIssued   = "command.issued"
	EventPolicyApplied   = "policy.applied"
	EventSessionRevoked  = "session.revoked"
	EventSignalingFailed = "signaling.failed"
	EventLateSignal      = "signaling.late"
	EventCaptureStarted  = "capture.started"
	EventCaptureEnded    = "capture.ended"
)

// Event is a tenant-scoped telemetry event. Person, device, and session are
// optional. Serialized as JSON on the wire (Kafka, Loki).
type Event struct {
	TenantID  string          `json:"tenantId"`
	PersonID  string          `json:"personId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	EventType string          `json:"eventType"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
