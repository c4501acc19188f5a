package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// DiagnosticsHandler absorbs fire-and-forget client reports. Bodies are
// logged verbatim and never fail the request.
type DiagnosticsHandler struct {
	log zerolog.Logger
}

func NewDiagnosticsHandler(log zerolog.Logger) *DiagnosticsHandler {
	return &DiagnosticsHandler{log: log.With().Str("handler", "diagnostics").Logger()}
}

func (h *DiagnosticsHandler) Routes(r chi.Router) {
	r.Post("/logPresenceChunk", h.sink("presence chunk"))
	r.Post("/logAnomaly", h.sink("client anomaly"))
	r.Post("/logChannelEvent", h.sink("channel event"))
}

func (h *DiagnosticsHandler) sink(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.log.Warn().Str("kind", kind).Msg("undecodable diagnostic report")
		} else {
			h.log.Info().Str("kind", kind).Interface("report", body).Msg("client diagnostic")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
