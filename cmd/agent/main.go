// Agent is the device-side companion: it enrolls, reports heartbeats, and
// serves capture sessions over WebRTC. Platform capture integrations plug in
// as CaptureProviders; this binary ships a development provider that
// produces an empty video track so signaling can be exercised end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	flag "github.com/spf13/pflag"

	"classwatch/backend/internal/agent"
)

func main() {
	var (
		serverURL    = flag.String("server", "http://localhost:8080", "control plane base URL")
		token        = flag.String("token", "", "agent token; omit to enroll with --device-id and --enroll-secret")
		deviceID     = flag.String("device-id", "", "device id for enrollment")
		enrollSecret = flag.String("enroll-secret", "", "enrollment secret")
		stunServer   = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URL")
		hbInterval   = flag.Duration("heartbeat-interval", 10*time.Second, "heartbeat interval")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *token == "" {
		if *deviceID == "" || *enrollSecret == "" {
			log.Fatal("either --token or --device-id with --enroll-secret is required")
		}
		t, err := enroll(*serverURL, *deviceID, *enrollSecret)
		if err != nil {
			log.Fatalf("enroll: %v", err)
		}
		*token = t
		log.Println("enrolled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	iceConfig := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{*stunServer}}},
	}

	commands := agent.NewCommandRunner(logger)
	client := agent.NewClient(wsURL(*serverURL)+"/ws/agent", *token, commands.Run, logger)
	machine := agent.NewMachine(
		[]agent.CaptureProvider{&devTrackProvider{}},
		client, iceConfig, logger)
	client.Attach(machine)

	source := &machineSnapshot{machine: machine}
	reporter := agent.NewReporter(*serverURL+"/api/v1/heartbeats", *token, source, logger,
		agent.WithReportInterval(*hbInterval))

	go reporter.Run(ctx)
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("realtime client: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("stopping agent...")
	cancel()
	machine.Stop()
}

func enroll(serverURL, deviceID, secret string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"deviceId":     deviceID,
		"enrollSecret": secret,
	})
	resp, err := http.Post(serverURL+"/api/v1/auth/enroll", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func wsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	}
	return serverURL
}

// devTrackProvider is the development capture strategy: a VP8 track that
// carries no frames. Real capture comes from a platform provider.
type devTrackProvider struct{}

func (p *devTrackProvider) Capture(ctx context.Context) (agent.Stream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "classwatch-dev")
	if err != nil {
		return nil, err
	}
	return &devStream{track: track}, nil
}

type devStream struct {
	track webrtc.TrackLocal
}

func (s *devStream) Track() webrtc.TrackLocal { return s.track }
func (s *devStream) Close() error             { return nil }

// machineSnapshot reports the capture machine's state as the heartbeat
// snapshot. Tab fields stay empty; they belong to the extension's reports.
type machineSnapshot struct {
	machine *agent.Machine
}

func (m *machineSnapshot) Snapshot() agent.Snapshot {
	return agent.Snapshot{
		Sharing: m.machine.State() == agent.StateConnected,
	}
}
