// Package server wires the HTTP surface: auth middleware, enrollment and
// token issuance, health, heartbeat ingestion, and the realtime WebSocket
// endpoints.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"classwatch/backend/internal/security"
)

// TokenValidator parses and verifies a bearer token.
type TokenValidator interface {
	Validate(token string) (security.Claims, error)
}

// Authenticate validates the Authorization header and stores the caller's
// claims on the request context. Requests without a valid token get 401;
// deeper checks (tenant standing, entitlement) happen in the guard.
func Authenticate(tokens TokenValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := tokens.Validate(raw)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(security.ContextWithClaims(r.Context(), claims)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ClientIP extracts the caller address for audit rows. Trusts the first
// X-Forwarded-For hop when present (the deployment terminates TLS at a
// proxy).
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
