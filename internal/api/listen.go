package api

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/conversations"
	"github.com/snarg/whisper-server/internal/profiles"
	"github.com/snarg/whisper-server/internal/store"
)

// ListenHandler is the browser listener's entry point: it assigns the browser
// a client id, issues the signed session the token endpoint trusts, and
// hands the display values to the listener app through plain cookies.
type ListenHandler struct {
	conversations *conversations.Registry
	profiles      *profiles.Registry
	clients       *clients.Registry
	sessions      *Sessions
	log           zerolog.Logger
}

func NewListenHandler(conv *conversations.Registry, p *profiles.Registry,
	c *clients.Registry, sess *Sessions, log zerolog.Logger) *ListenHandler {
	return &ListenHandler{
		conversations: conv,
		profiles:      p,
		clients:       c,
		sessions:      sess,
		log:           log.With().Str("handler", "listen").Logger(),
	}
}

func (h *ListenHandler) Routes(r chi.Router) {
	r.Get("/listen/{conversationId}", h.Landing)
	r.Get("/listen/{conversationId}/*", h.Landing)
}

var listenPage = template.Must(template.New("listen").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="0; url=/">
<title>Listening to {{.Name}}</title>
</head>
<body>
<p>Joining &ldquo;{{.Name}}&rdquo;&hellip; <a href="/">Continue</a></p>
</body>
</html>
`))

// Landing handles GET /listen/{conversationId}. A returning browser keeps its
// client id cookie; a new one gets a fresh id.
func (h *ListenHandler) Landing(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	ctx := r.Context()

	conv, err := h.conversations.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	clientID := ""
	if c, err := r.Cookie("clientId"); err == nil && c.Value != "" {
		clientID = c.Value
	} else {
		clientID = uuid.NewString()
	}

	whispererName := ""
	if p, err := h.profiles.Get(ctx, conv.OwnerProfileID); err == nil {
		whispererName = p.Name
	}
	logPresence, err := h.clients.PresenceLogging(ctx)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if err := h.sessions.Issue(w, ListenSession{
		ConversationID:   conversationID,
		ConversationName: conv.Name,
		ClientID:         clientID,
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	presence := "no"
	if logPresence {
		presence = "yes"
	}
	for name, value := range map[string]string{
		"conversationId":    conversationID,
		"conversationName":  conv.Name,
		"whispererName":     whispererName,
		"clientId":          clientID,
		"clientName":        "",
		"logPresenceChunks": presence,
	} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: cookieValue(value), Path: "/", SameSite: http.SameSiteLaxMode})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	listenPage.Execute(w, struct{ Name string }{Name: conv.Name})
}

// cookieValue escapes a display value the way the listener app decodes it
// (decodeURIComponent). Raw spaces or commas would otherwise be quoted or
// mangled by cookie sanitization.
func cookieValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
