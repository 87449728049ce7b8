package server

import (
	"net/http"
)

// Deps are the handlers the router mounts. Nil entries leave their routes
// unmounted (e.g. no auth handler in a test server).
type Deps struct {
	Tokens    TokenValidator
	Auth      *AuthHandler
	Heartbeat http.Handler
	AgentWS   http.HandlerFunc
	ViewerWS  http.HandlerFunc
	Health    http.Handler
}

// NewRouter builds the HTTP mux. The heartbeat route sits behind the auth
// middleware; the WebSocket endpoints authenticate during their own
// handshake (browsers cannot set headers there).
func NewRouter(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	if d.Health != nil {
		mux.Handle("/healthz", d.Health)
	}
	if d.Auth != nil {
		mux.HandleFunc("/api/v1/auth/enroll", d.Auth.Enroll)
		mux.Handle("/api/v1/auth/viewer-tokens", Authenticate(d.Tokens, http.HandlerFunc(d.Auth.IssueViewerToken)))
		mux.Handle("/api/v1/auth/logout", Authenticate(d.Tokens, http.HandlerFunc(d.Auth.Logout)))
	}
	if d.Heartbeat != nil {
		mux.Handle("/api/v1/heartbeats", Authenticate(d.Tokens, d.Heartbeat))
	}
	if d.AgentWS != nil {
		mux.HandleFunc("/ws/agent", d.AgentWS)
	}
	if d.ViewerWS != nil {
		mux.HandleFunc("/ws/viewer", d.ViewerWS)
	}
	return mux
}
