package server

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// EngineChecker verifies the entitlement engine can compile its policy.
type EngineChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler serves GET /healthz for Kubernetes and load balancers.
// Either dependency may be nil and is then skipped.
type HealthHandler struct {
	db     Pinger
	engine EngineChecker
}

// NewHealthHandler returns a HealthHandler.
func NewHealthHandler(db Pinger, engine EngineChecker) *HealthHandler {
	return &HealthHandler{db: db, engine: engine}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	if h.engine != nil {
		if err := h.engine.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "entitlement": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
