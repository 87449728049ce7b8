package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"classwatch/backend/internal/audit"
	rosterdomain "classwatch/backend/internal/roster/domain"
	"classwatch/backend/internal/security"
	sessiondomain "classwatch/backend/internal/session/domain"
	tenantdomain "classwatch/backend/internal/tenant/domain"
)

// DeviceStore loads devices for enrollment.
type DeviceStore interface {
	GetByID(ctx context.Context, id string) (*rosterdomain.Device, error)
}

// TenantStore loads tenants for token issuance (current session epoch).
type TenantStore interface {
	GetByID(ctx context.Context, id string) (*tenantdomain.Tenant, error)
}

// SessionStore persists issued sessions and revokes them on logout.
type SessionStore interface {
	Create(ctx context.Context, s *sessiondomain.Session) error
	Revoke(ctx context.Context, id string) error
}

// TokenIssuer mints access tokens.
type TokenIssuer interface {
	Issue(c security.Claims) (token string, jti string, expiresAt time.Time, err error)
}

// SecretComparer verifies an enrollment secret against its stored hash.
type SecretComparer interface {
	Compare(hash string, secret []byte) error
}

// AuthHandler serves enrollment and token issuance. Devices enroll with a
// per-device secret; viewer tokens are minted by super-tenant operators.
type AuthHandler struct {
	devices  DeviceStore
	tenants  TenantStore
	sessions SessionStore
	tokens   TokenIssuer
	hasher   SecretComparer
	auditor  audit.AuditLogger
}

// NewAuthHandler returns an AuthHandler. auditor may be nil.
func NewAuthHandler(devices DeviceStore, tenants TenantStore, sessions SessionStore, tokens TokenIssuer, hasher SecretComparer, auditor audit.AuditLogger) *AuthHandler {
	return &AuthHandler{
		devices:  devices,
		tenants:  tenants,
		sessions: sessions,
		tokens:   tokens,
		hasher:   hasher,
		auditor:  auditor,
	}
}

type enrollRequest struct {
	DeviceID     string `json:"deviceId"`
	EnrollSecret string `json:"enrollSecret"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Enroll handles POST /api/v1/auth/enroll: a device presents its enrollment
// secret and receives an agent token bound to its tenant's current session
// epoch. All failures return 401 with the same code so callers cannot probe
// which device ids exist.
func (h *AuthHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" || req.EnrollSecret == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	device, err := h.devices.GetByID(r.Context(), req.DeviceID)
	if err != nil {
		log.Printf("auth: device lookup failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}
	if device == nil || device.EnrollSecretHash == "" ||
		h.hasher.Compare(device.EnrollSecretHash, []byte(req.EnrollSecret)) != nil {
		h.logAudit(r, "", "", "enroll_failure", "device:"+req.DeviceID, "")
		writeJSONError(w, http.StatusUnauthorized, "invalid_enrollment")
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), device.TenantID)
	if err != nil {
		log.Printf("auth: tenant lookup failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}
	if tenant == nil || tenant.Status != tenantdomain.TenantStatusActive {
		h.logAudit(r, device.TenantID, "", "enroll_failure", "device:"+req.DeviceID, `{"reason":"tenant"}`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_enrollment")
		return
	}

	resp, err := h.issue(r.Context(), security.Claims{
		TenantID:     tenant.ID,
		DeviceID:     device.ID,
		SessionEpoch: tenant.SessionEpoch,
	})
	if err != nil {
		log.Printf("auth: enroll token issue failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}

	h.logAudit(r, tenant.ID, "", "device_enrolled", "device:"+device.ID, "")
	writeJSON(w, http.StatusOK, resp)
}

type viewerTokenRequest struct {
	TenantID string `json:"tenantId"`
	PersonID string `json:"personId"`
}

// IssueViewerToken handles POST /api/v1/auth/viewer-tokens: super-tenant
// operators mint supervisor tokens for a tenant. Requires an authenticated
// super-tenant caller.
func (h *AuthHandler) IssueViewerToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.TenantID != tenantdomain.SuperTenantID {
		writeJSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req viewerTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	tenant, err := h.tenants.GetByID(r.Context(), req.TenantID)
	if err != nil {
		log.Printf("auth: tenant lookup failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}
	if tenant == nil || tenant.Status != tenantdomain.TenantStatusActive {
		writeJSONError(w, http.StatusNotFound, "tenant_not_found")
		return
	}

	resp, err := h.issue(r.Context(), security.Claims{
		TenantID:     tenant.ID,
		PersonID:     req.PersonID,
		SessionEpoch: tenant.SessionEpoch,
	})
	if err != nil {
		log.Printf("auth: viewer token issue failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal")
		return
	}

	h.logAudit(r, tenant.ID, req.PersonID, "viewer_token_issued", "tenant:"+tenant.ID, "")
	writeJSON(w, http.StatusOK, resp)
}

// Logout handles POST /api/v1/auth/logout: revokes the caller's session so
// the token dies before its exp.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.SessionID != "" {
		if err := h.sessions.Revoke(r.Context(), claims.SessionID); err != nil {
			log.Printf("auth: session revoke failed: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "internal")
			return
		}
	}
	h.logAudit(r, claims.TenantID, claims.PersonID, "logout", "session:"+claims.SessionID, "")
	w.WriteHeader(http.StatusNoContent)
}

// issue creates the session row and mints the token carrying its id.
func (h *AuthHandler) issue(ctx context.Context, claims security.Claims) (*tokenResponse, error) {
	claims.SessionID = uuid.New().String()
	token, _, expiresAt, err := h.tokens.Issue(claims)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := h.sessions.Create(ctx, &sessiondomain.Session{
		ID:        claims.SessionID,
		TenantID:  claims.TenantID,
		DeviceID:  claims.DeviceID,
		PersonID:  claims.PersonID,
		Epoch:     claims.SessionEpoch,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return &tokenResponse{Token: token, ExpiresAt: expiresAt}, nil
}

func (h *AuthHandler) logAudit(r *http.Request, tenantID, personID, action, resource, metadata string) {
	if h.auditor == nil {
		return
	}
	h.auditor.LogEvent(r.Context(), tenantID, personID, action, resource, metadata)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
