package agent

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Capture outcomes. These are distinct on purpose: a declined picker is an
// acceptable business condition, while no strategy succeeding may warrant
// diagnostics.
var (
	// ErrUserDenied means the operator explicitly declined the interactive
	// picker.
	ErrUserDenied = errors.New("capture denied by user")
	// ErrCaptureUnavailable means no capture strategy could produce a
	// stream.
	ErrCaptureUnavailable = errors.New("capture unavailable")
)

// Stream is an active capture stream feeding a WebRTC track.
type Stream interface {
	Track() webrtc.TrackLocal
	Close() error
}

// CaptureProvider is one capture strategy. Providers are attempted in
// order: silent managed capture first, then the interactive picker.
//
// Capture blocks while a permission decision is pending; the reference
// behavior has no timeout there, so a picker the operator never answers
// holds the attempt open until Stop cancels the context.
type CaptureProvider interface {
	Capture(ctx context.Context) (Stream, error)
}
