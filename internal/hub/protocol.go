package hub

import (
	"encoding/json"
	"time"
)

// Message types carried over the realtime channels.
const (
	// Signaling (viewer <-> agent, relayed).
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"

	// Remote control (viewer -> agents).
	TypeCommand = "command"

	// Tenant-scoped broadcasts.
	TypePresence = "presence"
	TypeChat     = "chat"
	TypeCheckIn  = "check-in"

	TypeError = "error"
)

// Envelope is the wire format for every realtime message. From and To are
// device ids for signaling messages; the relay never inspects Payload.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of a TypeError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatPayload is the payload of chat and check-in envelopes.
type ChatPayload struct {
	Text     string `json:"text"`
	PersonID string `json:"personId,omitempty"`
}
