package api

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/metrics"
	"github.com/snarg/whisper-server/internal/push"
)

// APNSHandler runs the secret-rotation surface: token POSTs from launching
// clients and the acknowledgment that closes a rotation.
type APNSHandler struct {
	clients *clients.Registry
	pusher  *push.Client
	log     zerolog.Logger
}

func NewAPNSHandler(c *clients.Registry, p *push.Client, log zerolog.Logger) *APNSHandler {
	return &APNSHandler{clients: c, pusher: p, log: log.With().Str("handler", "apns").Logger()}
}

func (h *APNSHandler) Routes(r chi.Router) {
	r.Post("/apnsToken", h.Token)
	r.Post("/apnsReceivedNotification", h.ReceivedNotification)
}

type apnsTokenRequest struct {
	ClientID          string `json:"clientId"`
	Token             string `json:"token"`      // base64
	LastSecret        string `json:"lastSecret"` // base64
	UserName          string `json:"userName"`
	AppInfo           string `json:"appInfo"`
	IsPresenceLogging bool   `json:"isPresenceLogging"`
}

// Token handles POST /apnsToken: the launch report that drives the rotation
// state machine. Always 204 on well-formed input; push failures are recorded
// server-side and never surface here, because the client's next launch
// re-triggers delivery.
func (h *APNSHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req apnsTokenRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" || req.Token == "" {
		WriteError(w, http.StatusBadRequest, "clientId and token are required")
		return
	}
	deviceToken, err := decodeToHex(req.Token)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "token must be base64")
		return
	}
	lastSecret, err := decodeToHex(req.LastSecret)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "lastSecret must be base64")
		return
	}

	ctx := r.Context()
	seenEarlier, err := h.clients.SuppressDuplicate(ctx, req.ClientID, deviceToken)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if seenEarlier {
		w.Header().Set("X-Received-Earlier", "1")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rotated, c, err := h.clients.ObserveLaunch(ctx, clients.Launch{
		ClientID:        req.ClientID,
		DeviceToken:     deviceToken,
		LastSecret:      lastSecret,
		AppInfo:         req.AppInfo,
		UserName:        req.UserName,
		PresenceLogging: req.IsPresenceLogging,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if rotated {
		if err := h.pusher.PushSecret(ctx, c); err != nil {
			// Recorded under the push request id; the rotation stands.
			metrics.SecretsPushedTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.SecretsPushedTotal.WithLabelValues("ok").Inc()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type apnsReceivedRequest struct {
	ClientID   string `json:"clientId"`
	LastSecret string `json:"lastSecret"` // base64
}

// ReceivedNotification handles POST /apnsReceivedNotification: the client
// proved receipt of the pushed secret.
func (h *APNSHandler) ReceivedNotification(w http.ResponseWriter, r *http.Request) {
	var req apnsReceivedRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" || req.LastSecret == "" {
		WriteError(w, http.StatusBadRequest, "clientId and lastSecret are required")
		return
	}
	lastSecret, err := decodeToHex(req.LastSecret)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "lastSecret must be base64")
		return
	}

	if err := h.clients.Acknowledge(r.Context(), req.ClientID, lastSecret); err != nil {
		WriteDomainError(w, err)
		return
	}
	h.log.Info().Str("client_id", req.ClientID).Msg("secret acknowledged")
	w.WriteHeader(http.StatusNoContent)
}

// decodeToHex converts the wire base64 form to the stored hex form. Empty
// input stays empty (a fresh install has no prior secret).
func decodeToHex(b64 string) (string, error) {
	if b64 == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
