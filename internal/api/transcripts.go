package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/conversations"
	"github.com/snarg/whisper-server/internal/store"
	"github.com/snarg/whisper-server/internal/transcription"
)

// TranscriptsHandler serves transcript listings to the owning whisperer and
// the public per-transcript HTML page.
type TranscriptsHandler struct {
	engine        *transcription.Engine
	conversations *conversations.Registry
	clients       *clients.Registry
	log           zerolog.Logger
}

func NewTranscriptsHandler(e *transcription.Engine, conv *conversations.Registry,
	c *clients.Registry, log zerolog.Logger) *TranscriptsHandler {
	return &TranscriptsHandler{
		engine:        e,
		conversations: conv,
		clients:       c,
		log:           log.With().Str("handler", "transcripts").Logger(),
	}
}

func (h *TranscriptsHandler) Routes(r chi.Router) {
	r.Get("/listTranscripts/{clientId}/{conversationId}", h.List)
}

// PublicRoutes registers the unauthenticated HTML page.
func (h *TranscriptsHandler) PublicRoutes(r chi.Router) {
	r.Get("/transcript/{conversationId}/{transcriptId}", h.Page)
}

type transcriptSummary struct {
	ID        string `json:"id"`
	StartTime int64  `json:"startTime"`
	Duration  int64  `json:"duration"`
	Length    int    `json:"length"`
}

// List handles GET /listTranscripts/{clientId}/{conversationId}. The caller
// must authenticate as the client and that client's profile must own the
// conversation.
func (h *TranscriptsHandler) List(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	conversationID := chi.URLParam(r, "conversationId")
	ctx := r.Context()

	if err := authorizeClient(ctx, h.clients, r, clientID); err != nil {
		WriteError(w, http.StatusForbidden, "unauthorized")
		return
	}
	c, err := h.clients.Get(ctx, clientID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	conv, err := h.conversations.Get(ctx, conversationID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if c.ProfileID == "" || c.ProfileID != conv.OwnerProfileID {
		WriteError(w, http.StatusForbidden, "not the conversation owner")
		return
	}

	ts, err := h.engine.ListForConversation(ctx, conversationID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	out := make([]transcriptSummary, 0, len(ts))
	for _, t := range ts {
		out = append(out, transcriptSummary{
			ID:        t.ID,
			StartTime: t.StartTime,
			Duration:  t.Duration,
			Length:    len(t.Transcription),
		})
	}
	WriteJSON(w, http.StatusOK, out)
}

// Page handles GET /transcript/{conversationId}/{transcriptId}: the public
// standalone rendering. A transcript reached through the wrong conversation
// is not found, so transcript ids cannot be probed across conversations.
func (h *TranscriptsHandler) Page(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	transcriptID := chi.URLParam(r, "transcriptId")
	ctx := r.Context()

	t, err := h.engine.LoadTranscript(ctx, transcriptID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && t.ConversationID != conversationID) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if !t.Finalized {
		http.NotFound(w, r)
		return
	}

	name := conversationID
	if conv, err := h.conversations.Get(ctx, conversationID); err == nil && conv.Name != "" {
		name = conv.Name
	}

	page, err := transcription.RenderHTML(t, name)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to render transcript")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(page))
}
