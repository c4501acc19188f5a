package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/broker"
	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/conversations"
	"github.com/snarg/whisper-server/internal/metrics"
	"github.com/snarg/whisper-server/internal/profiles"
	"github.com/snarg/whisper-server/internal/transcription"
)

// PubSubHandler issues broker capability tokens and runs the first-publisher
// side effects that bracket a whisper session.
type PubSubHandler struct {
	clients       *clients.Registry
	profiles      *profiles.Registry
	conversations *conversations.Registry
	minter        *broker.Minter
	engine        *transcription.Engine
	sessions      *Sessions
	log           zerolog.Logger
}

func NewPubSubHandler(c *clients.Registry, p *profiles.Registry, conv *conversations.Registry,
	m *broker.Minter, e *transcription.Engine, sess *Sessions, log zerolog.Logger) *PubSubHandler {
	return &PubSubHandler{
		clients:       c,
		profiles:      p,
		conversations: conv,
		minter:        m,
		engine:        e,
		sessions:      sess,
		log:           log.With().Str("handler", "pubsub").Logger(),
	}
}

func (h *PubSubHandler) Routes(r chi.Router) {
	r.Post("/pubSubTokenRequest", h.TokenRequest)
	r.Get("/listenTokenRequest", h.ListenTokenRequest)
}

type tokenRequestBody struct {
	ClientID         string `json:"clientId"`
	Activity         string `json:"activity"`
	ConversationID   string `json:"conversationId"`
	ProfileID        string `json:"profileId"`
	ConversationName string `json:"conversationName"`
	ContentID        string `json:"contentId"`
	Username         string `json:"username"`
	Transcribe       string `json:"transcribe"`
	TimeZoneID       string `json:"tzId"`
}

type tokenResponse struct {
	Status       string `json:"status"`
	TokenRequest string `json:"tokenRequest"`
}

// TokenRequest handles POST /pubSubTokenRequest for authenticated mobile
// clients. A publisher's first claim on a (client, conversation, content)
// triple creates the conversation, records the whisperer's profile name, ends
// any prior session by the same whisperer, and optionally starts
// transcription; claims within the mark's lifetime are renewals with no side
// effects.
func (h *PubSubHandler) TokenRequest(w http.ResponseWriter, r *http.Request) {
	var req tokenRequestBody
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" || req.ConversationID == "" {
		WriteError(w, http.StatusBadRequest, "clientId and conversationId are required")
		return
	}

	ctx := r.Context()
	if err := authorizeClient(ctx, h.clients, r, req.ClientID); err != nil {
		WriteError(w, http.StatusForbidden, "unauthorized")
		return
	}

	switch req.Activity {
	case "publish":
		h.publish(w, r, req)
	case "subscribe":
		h.subscribe(w, r, req)
	default:
		WriteError(w, http.StatusBadRequest, "activity must be publish or subscribe")
	}
}

func (h *PubSubHandler) publish(w http.ResponseWriter, r *http.Request, req tokenRequestBody) {
	if req.ContentID == "" || req.ProfileID == "" {
		WriteError(w, http.StatusBadRequest, "contentId and profileId are required to publish")
		return
	}
	ctx := r.Context()

	newSession, err := h.conversations.ClaimPublisher(ctx, req.ClientID, req.ConversationID, req.ContentID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if newSession {
		err := h.conversations.Upsert(ctx, conversations.Conversation{
			ID:             req.ConversationID,
			Name:           req.ConversationName,
			OwnerProfileID: req.ProfileID,
		})
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		if req.Username != "" {
			if err := h.profiles.UpsertName(ctx, req.ProfileID, req.Username); err != nil {
				WriteDomainError(w, err)
				return
			}
		}
		// Link the client to its profile before bracketing, so a prior
		// session from another of this profile's devices is found too.
		if err := h.clients.SetProfile(ctx, req.ClientID, req.ProfileID); err != nil {
			WriteDomainError(w, err)
			return
		}

		h.engine.TerminatePriorFor(ctx, req.ClientID)
		if req.Transcribe == "yes" {
			if _, err := h.engine.Start(ctx, req.ClientID, req.ConversationID, req.ContentID, req.TimeZoneID); err != nil {
				// Broker trouble must not block the whisperer; the session
				// simply goes untranscribed.
				h.log.Error().Err(err).
					Str("conversation_id", req.ConversationID).
					Msg("failed to start transcription")
			}
		}
	}

	tokenRequest, err := h.minter.MintPublisher(req.ClientID, req.ConversationID, req.ContentID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	metrics.TokenRequestsMintedTotal.WithLabelValues("publish").Inc()
	WriteJSON(w, http.StatusOK, tokenResponse{Status: "success", TokenRequest: tokenRequest})
}

func (h *PubSubHandler) subscribe(w http.ResponseWriter, r *http.Request, req tokenRequestBody) {
	ctx := r.Context()
	if err := h.conversations.MarkListener(ctx, req.ClientID, req.ConversationID); err != nil {
		WriteDomainError(w, err)
		return
	}
	tokenRequest, err := h.minter.MintListener(req.ClientID, req.ConversationID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	metrics.TokenRequestsMintedTotal.WithLabelValues("subscribe").Inc()
	WriteJSON(w, http.StatusOK, tokenResponse{Status: "success", TokenRequest: tokenRequest})
}

// ListenTokenRequest handles GET /listenTokenRequest for browser listeners.
// The signed session cookie from the listen landing page is the credential.
func (h *PubSubHandler) ListenTokenRequest(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Verify(r)
	if err != nil {
		WriteError(w, http.StatusForbidden, "missing or invalid session")
		return
	}

	ctx := r.Context()
	if err := h.conversations.MarkListener(ctx, sess.ClientID, sess.ConversationID); err != nil {
		WriteDomainError(w, err)
		return
	}
	tokenRequest, err := h.minter.MintListener(sess.ClientID, sess.ConversationID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	metrics.TokenRequestsMintedTotal.WithLabelValues("listen").Inc()
	WriteJSON(w, http.StatusOK, tokenResponse{Status: "success", TokenRequest: tokenRequest})
}
