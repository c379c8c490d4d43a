package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tenantbridge/internal/credential"
	"tenantbridge/internal/devicecode"
	"tenantbridge/internal/tenant"
)

type handlers struct {
	service CredentialService
}

// slotRequest is the body of the two state-changing endpoints.
type slotRequest struct {
	Slot string `json:"slot"`
}

// startResponse mirrors the device-code session minus the device code, which
// never leaves the process.
type startResponse struct {
	Session             string `json:"session"`
	UserCode            string `json:"user_code"`
	VerificationURI     string `json:"verification_uri"`
	ExpiresInSeconds    int64  `json:"expires_in_seconds"`
	PollIntervalSeconds int64  `json:"poll_interval_seconds"`
}

type pollResponse struct {
	Status    string     `json:"status"`
	User      string     `json:"user,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Message   string     `json:"message,omitempty"`

	// PollIntervalSeconds is present on pending statuses. It can grow after
	// a provider slow_down; clients must poll no faster than this.
	PollIntervalSeconds int64 `json:"poll_interval_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      string    `json:"user"`
	TenantID  string    `json:"tenant_id"`
}

type signOutResponse struct {
	Success bool `json:"success"`
}

type slotStatusResponse struct {
	State     string     `json:"state"`
	User      string     `json:"user,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	ExpiresIn int64      `json:"expires_in_seconds,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// decodeSlotBody parses and validates the {slot} request body.
func decodeSlotBody(r *http.Request) (tenant.Slot, error) {
	var req slotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", errors.New("invalid request body")
	}
	return tenant.ParseSlot(req.Slot)
}

func (h *handlers) startDeviceCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slot, err := decodeSlotBody(r)
	if err != nil {
		writeJSONError(ctx, w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.service.SignIn(ctx, slot)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, startResponse{
		Session:             session.ID,
		UserCode:            session.UserCode,
		VerificationURI:     session.VerificationURI,
		ExpiresInSeconds:    int64(time.Until(session.ExpiresAt) / time.Second),
		PollIntervalSeconds: int64(session.Interval / time.Second),
	}, http.StatusOK)
}

func (h *handlers) deviceCodeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slot, err := tenant.ParseSlot(r.URL.Query().Get("slot"))
	if err != nil {
		writeJSONError(ctx, w, err.Error(), http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeJSONError(ctx, w, "missing session parameter", http.StatusBadRequest)
		return
	}

	status, err := h.service.CheckStatus(ctx, slot, sessionID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := pollResponse{
		Status:              status.Status,
		User:                status.User,
		TenantID:            status.TenantID,
		Message:             status.Message,
		PollIntervalSeconds: int64(status.Interval / time.Second),
	}
	if !status.ExpiresAt.IsZero() {
		resp.ExpiresAt = &status.ExpiresAt
	}
	writeJSON(ctx, w, resp, http.StatusOK)
}

func (h *handlers) signOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slot, err := decodeSlotBody(r)
	if err != nil {
		writeJSONError(ctx, w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.service.SignOut(ctx, slot); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, signOutResponse{Success: true}, http.StatusOK)
}

func (h *handlers) token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slot, err := tenant.ParseSlot(r.URL.Query().Get("slot"))
	if err != nil {
		writeJSONError(ctx, w, err.Error(), http.StatusBadRequest)
		return
	}

	record, err := h.service.GetToken(ctx, slot)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, tokenResponse{
		Token:     record.AccessToken,
		ExpiresAt: record.ExpiresAt,
		User:      record.User,
		TenantID:  record.TenantID,
	}, http.StatusOK)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	statuses, err := h.service.StatusAll(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := make(map[string]slotStatusResponse, len(statuses))
	for slot, status := range statuses {
		s := slotStatusResponse{
			State:     string(status.State),
			User:      status.User,
			TenantID:  status.TenantID,
			ExpiresIn: status.ExpiresIn,
			Message:   status.Message,
		}
		if !status.ExpiresAt.IsZero() {
			s.ExpiresAt = &status.ExpiresAt
		}
		resp[string(slot)] = s
	}
	writeJSON(ctx, w, resp, http.StatusOK)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
}

// writeServiceError maps manager errors onto HTTP statuses. Messages are the
// stable sentinel texts; raw provider payloads are never forwarded.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credential.ErrAlreadyAuthenticating):
		writeJSONError(ctx, w, "sign-in already in progress for slot", http.StatusConflict)
	case errors.Is(err, credential.ErrUnknownSession):
		writeJSONError(ctx, w, "unknown device-code session", http.StatusNotFound)
	case errors.Is(err, credential.ErrNotAuthenticated):
		writeJSONError(ctx, w, "slot not authenticated", http.StatusUnauthorized)
	case errors.Is(err, devicecode.ErrRefreshFailed):
		writeJSONError(ctx, w, "token expired; sign-in required", http.StatusUnauthorized)
	case errors.Is(err, devicecode.ErrProviderUnreachable):
		writeJSONError(ctx, w, "identity provider unreachable", http.StatusBadGateway)
	default:
		writeJSONError(ctx, w, "internal error", http.StatusInternalServerError)
	}
}
