package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type staticSource struct{ snap Snapshot }

func (s *staticSource) Snapshot() Snapshot { return s.snap }

func TestReporter_PostsSnapshotWithToken(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
		auths  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, body)
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	source := &staticSource{snap: Snapshot{
		TabTitle: "Fractions quiz",
		TabURL:   "https://quiz.example.com/5b",
		Sharing:  true,
	}}
	rep := NewReporter(srv.URL, "device-token", source, nil, WithReportInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { rep.Run(ctx); close(done) }()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(bodies)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeat posted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if auths[0] != "Bearer device-token" {
		t.Errorf("auth = %q", auths[0])
	}
	if bodies[0]["tabUrl"] != "https://quiz.example.com/5b" {
		t.Errorf("tabUrl = %v", bodies[0]["tabUrl"])
	}
	if bodies[0]["sharing"] != true {
		t.Error("sharing flag lost")
	}
	if _, ok := bodies[0]["lockStateAt"]; ok {
		t.Error("zero lock timestamp must be omitted")
	}
}

func TestReporter_IncludesLockTimestampWhenSet(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		select {
		case got <- body:
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	at := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)
	rep := NewReporter(srv.URL, "tok", &staticSource{snap: Snapshot{Locked: true, LockStateAt: at}}, nil,
		WithReportInterval(time.Hour))
	rep.report(context.Background())

	select {
	case body := <-got:
		if body["lockStateAt"] != "2026-03-09T14:30:00Z" {
			t.Errorf("lockStateAt = %v", body["lockStateAt"])
		}
		if body["locked"] != true {
			t.Error("locked flag lost")
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat posted")
	}
}
