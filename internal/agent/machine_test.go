package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
)

// fakeStream wraps a real local track so AddTrack works.
type fakeStream struct {
	track  webrtc.TrackLocal
	closed bool
}

func newFakeStream(t *testing.T) *fakeStream {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "capture")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return &fakeStream{track: track}
}

func (s *fakeStream) Track() webrtc.TrackLocal { return s.track }
func (s *fakeStream) Close() error             { s.closed = true; return nil }

// stubProvider implements CaptureProvider.
type stubProvider struct {
	stream Stream
	err    error
	calls  int
}

func (p *stubProvider) Capture(ctx context.Context) (Stream, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.stream, nil
}

// stubSignaler records signaling calls.
type stubSignaler struct {
	mu       sync.Mutex
	answers  []string
	ended    int
	iceSends int
}

func (s *stubSignaler) SendAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sdp)
	return nil
}

func (s *stubSignaler) SendICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iceSends++
	return nil
}

func (s *stubSignaler) SessionEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended++
}

func (s *stubSignaler) endedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func TestStartCapture_ManagedFirstThenPicker(t *testing.T) {
	managed := &stubProvider{err: errors.New("tab capture not granted")}
	picker := &stubProvider{stream: newFakeStream(t)}
	m := NewMachine([]CaptureProvider{managed, picker}, &stubSignaler{}, webrtc.Configuration{}, nil)
	defer m.Stop()

	if err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if managed.calls != 1 || picker.calls != 1 {
		t.Errorf("calls = %d/%d, want managed then picker", managed.calls, picker.calls)
	}
	if m.State() != StateSignaling {
		t.Errorf("state = %s, want signaling", m.State())
	}
}

func TestStartCapture_UserDeniedStopsChain(t *testing.T) {
	picker := &stubProvider{err: ErrUserDenied}
	fallback := &stubProvider{stream: newFakeStream(t)}
	m := NewMachine([]CaptureProvider{picker, fallback}, &stubSignaler{}, webrtc.Configuration{}, nil)

	err := m.StartCapture(context.Background())
	if !errors.Is(err, ErrUserDenied) {
		t.Fatalf("err = %v, want ErrUserDenied", err)
	}
	if fallback.calls != 0 {
		t.Error("denial must not fall through to another strategy")
	}
	if m.State() != StateIdle {
		t.Errorf("state = %s, want idle", m.State())
	}
}

func TestStartCapture_AllStrategiesFail(t *testing.T) {
	a := &stubProvider{err: errors.New("no managed capture")}
	b := &stubProvider{err: errors.New("no display")}
	m := NewMachine([]CaptureProvider{a, b}, &stubSignaler{}, webrtc.Configuration{}, nil)

	err := m.StartCapture(context.Background())
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("err = %v, want ErrCaptureUnavailable", err)
	}
}

func TestStartCapture_RejectsConcurrentCapture(t *testing.T) {
	m := NewMachine([]CaptureProvider{&stubProvider{stream: newFakeStream(t)}}, &stubSignaler{}, webrtc.Configuration{}, nil)
	defer m.Stop()

	if err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := m.StartCapture(context.Background()); err == nil {
		t.Error("second StartCapture should fail while active")
	}
}

func TestHandleOffer_RequiresStream(t *testing.T) {
	m := NewMachine(nil, &stubSignaler{}, webrtc.Configuration{}, nil)
	// No capture stream yet: the peer connection does not exist and the
	// offer must be rejected so the relay keeps retrying.
	if err := m.HandleOffer("v=0"); err == nil {
		t.Error("offer before capture should fail")
	}
}

func TestHandleRemoteICE_QueuedBeforeRemoteDescription(t *testing.T) {
	m := NewMachine([]CaptureProvider{&stubProvider{stream: newFakeStream(t)}}, &stubSignaler{}, webrtc.Configuration{}, nil)
	defer m.Stop()
	if err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	m.HandleRemoteICE(webrtc.ICECandidateInit{Candidate: "a"})
	m.HandleRemoteICE(webrtc.ICECandidateInit{Candidate: "b"})

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pendingICE) != 2 {
		t.Fatalf("queued = %d, want 2", len(m.pendingICE))
	}
	if m.pendingICE[0].Candidate != "a" || m.pendingICE[1].Candidate != "b" {
		t.Error("queue must preserve arrival order")
	}
}

func TestStop_IdempotentFromAnyState(t *testing.T) {
	sig := &stubSignaler{}
	m := NewMachine(nil, sig, webrtc.Configuration{}, nil)

	// Safe from idle.
	m.Stop()
	m.Stop()
	if m.State() != StateStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
	if sig.endedCount() != 1 {
		t.Errorf("session-ended notices = %d, want 1", sig.endedCount())
	}
}

func TestStop_ReleasesResourcesAndAllowsRestart(t *testing.T) {
	stream := newFakeStream(t)
	sig := &stubSignaler{}
	m := NewMachine([]CaptureProvider{&stubProvider{stream: stream}}, sig, webrtc.Configuration{}, nil)

	if err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	m.HandleRemoteICE(webrtc.ICECandidateInit{Candidate: "pending"})
	m.Stop()

	if !stream.closed {
		t.Error("stream not released")
	}
	m.mu.Lock()
	if m.pendingICE != nil || m.pc != nil {
		t.Error("queued candidates or peer connection survived Stop")
	}
	m.mu.Unlock()

	// Stopped machines can capture again.
	second := newFakeStream(t)
	m.providers = []CaptureProvider{&stubProvider{stream: second}}
	if err := m.StartCapture(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if m.State() != StateSignaling {
		t.Errorf("state = %s, want signaling", m.State())
	}
	m.Stop()
}
