package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"botfleet/pkg/broadcast"
	"botfleet/pkg/dispatch"
	"botfleet/pkg/platform"
)

// APIKeyHeader carries the operational credential for the broadcast API.
const APIKeyHeader = "X-API-Key"

type webhookResponse struct {
	Status string `json:"status"`
	dispatch.Outcome
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "")
		return
	}

	outcome, err := s.dispatcher.Dispatch(r.Context(), r.URL.Path, body, signature(r))
	if err != nil {
		var derr *dispatch.Error
		if errors.As(err, &derr) {
			writeError(w, r, derr.HTTPStatus(), string(derr.Kind), "")
			return
		}
		s.log.Error("Webhook dispatch failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", Outcome: outcome})
}

func signature(r *http.Request) string {
	for _, header := range platform.SignatureHeaders {
		if v := r.Header.Get(header); v != "" {
			return v
		}
	}
	return ""
}

func (s *Service) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			writeError(w, r, http.StatusServiceUnavailable, "broadcast_api_disabled", "no API key is configured")
			return
		}
		got := r.Header.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// runRequest accepts both field spellings so existing cron jobs keep working.
type runRequest struct {
	TenantID          string   `json:"tenant_id"`
	BotID             string   `json:"bot_id"`
	DelaySeconds      *float64 `json:"delay_seconds"`
	DelayBetweenUsers *float64 `json:"delay_between_users"`
	Recipient         string   `json:"recipient_id"`
	TestUserID        string   `json:"test_user_id"`
}

func (req runRequest) tenant() string {
	return strings.TrimSpace(firstNonEmpty(req.TenantID, req.BotID))
}

func (req runRequest) recipient() string {
	return strings.TrimSpace(firstNonEmpty(req.Recipient, req.TestUserID))
}

// delay returns nil when the caller left the pause to the engine default.
func (req runRequest) delay() *time.Duration {
	secs := req.DelaySeconds
	if secs == nil {
		secs = req.DelayBetweenUsers
	}
	if secs == nil {
		return nil
	}
	return broadcast.Delay(time.Duration(max(*secs, 0) * float64(time.Second)))
}

func (s *Service) handleBroadcastRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}
	result, err := s.broadcaster.Run(r.Context(), req.tenant(), broadcast.Options{Delay: req.delay()})
	if err != nil {
		s.writeBroadcastError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleBroadcastTest(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}
	recipient := req.recipient()
	if recipient == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "recipient_id is required")
		return
	}
	result, err := s.broadcaster.Run(r.Context(), req.tenant(), broadcast.Options{TestRecipient: recipient})
	if err != nil {
		s.writeBroadcastError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleBroadcastStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.broadcaster.Status(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeBroadcastError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func decodeRunRequest(w http.ResponseWriter, r *http.Request) (runRequest, bool) {
	var req runRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return req, false
	}
	if req.tenant() == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "tenant_id is required")
		return req, false
	}
	return req, true
}

func (s *Service) writeBroadcastError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, broadcast.ErrUnknownTenant):
		writeError(w, r, http.StatusNotFound, "unknown_tenant", err.Error())
	case errors.Is(err, broadcast.ErrNotBroadcastable):
		writeError(w, r, http.StatusUnprocessableEntity, "not_broadcastable", err.Error())
	case errors.Is(err, broadcast.ErrRunInProgress):
		writeError(w, r, http.StatusConflict, "run_in_progress", err.Error())
	default:
		s.log.Error("Broadcast request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
