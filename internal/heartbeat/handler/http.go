// Package handler exposes heartbeat ingestion over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"classwatch/backend/internal/heartbeat"
	"classwatch/backend/internal/heartbeat/domain"
	presencedomain "classwatch/backend/internal/presence/domain"
	"classwatch/backend/internal/ratelimit"
	"classwatch/backend/internal/security"
	"classwatch/backend/internal/tenant/guard"
)

// Ingester is the heartbeat pipeline consumed by the handler.
type Ingester interface {
	Ingest(ctx context.Context, claims security.Claims, hb domain.Heartbeat) (heartbeat.Result, presencedomain.Aggregated, error)
}

// Handler serves POST /api/v1/heartbeats.
type Handler struct {
	service Ingester
}

// NewHandler returns a heartbeat HTTP handler.
func NewHandler(service Ingester) *Handler {
	return &Handler{service: service}
}

// heartbeatRequest is the ingestion request body. Identity fields come from
// the token, not the body, so a device cannot report as another.
type heartbeatRequest struct {
	TabTitle     string `json:"tabTitle"`
	TabURL       string `json:"tabUrl"`
	Sharing      bool   `json:"sharing"`
	Locked       bool   `json:"locked"`
	PolicyActive bool   `json:"policyActive"`
	CameraActive bool   `json:"cameraActive"`
	LockStateAt  string `json:"lockStateAt"`
}

// ServeHTTP handles one heartbeat POST. Status codes: 200 first-accepted,
// 204 deduplicated repeat, 429 over a rate ceiling, 403 tenant not
// entitled, 401 invalid session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	hb := domain.Heartbeat{
		TabTitle:     req.TabTitle,
		TabURL:       req.TabURL,
		Sharing:      req.Sharing,
		Locked:       req.Locked,
		PolicyActive: req.PolicyActive,
		CameraActive: req.CameraActive,
	}
	if req.LockStateAt != "" {
		t, err := time.Parse(time.RFC3339, req.LockStateAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
		hb.LockStateAt = t
	}

	result, agg, err := h.service.Ingest(r.Context(), claims, hb)
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	case errors.Is(err, guard.ErrNotEntitled):
		writeError(w, http.StatusForbidden, "not_entitled")
		return
	case errors.Is(err, guard.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	case err != nil:
		log.Printf("heartbeat: ingest failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	if result == heartbeat.ResultDeduplicated {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(agg); err != nil {
		log.Printf("heartbeat: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
