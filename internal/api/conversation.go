package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/conversations"
)

type ConversationHandler struct {
	conversations *conversations.Registry
	log           zerolog.Logger
}

func NewConversationHandler(c *conversations.Registry, log zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: c, log: log.With().Str("handler", "conversation").Logger()}
}

func (h *ConversationHandler) Routes(r chi.Router) {
	r.Post("/conversation", h.Upsert)
}

type conversationBody struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

// Upsert handles POST /conversation. Renames pass through; a different owner
// than the stored one is a conflict and writes nothing.
func (h *ConversationHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req conversationBody
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.OwnerID == "" {
		WriteError(w, http.StatusBadRequest, "id and ownerId are required")
		return
	}
	err := h.conversations.Upsert(r.Context(), conversations.Conversation{
		ID:             req.ID,
		Name:           req.Name,
		OwnerProfileID: req.OwnerID,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
