package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/broker"
	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/config"
	"github.com/snarg/whisper-server/internal/conversations"
	"github.com/snarg/whisper-server/internal/metrics"
	"github.com/snarg/whisper-server/internal/profiles"
	"github.com/snarg/whisper-server/internal/push"
	"github.com/snarg/whisper-server/internal/store"
	"github.com/snarg/whisper-server/internal/transcription"
)

// Deps carries the subsystems the HTTP surface delegates to.
type Deps struct {
	Store         *store.Store
	Clients       *clients.Registry
	Profiles      *profiles.Registry
	Conversations *conversations.Registry
	Minter        *broker.Minter
	Pusher        *push.Client
	Engine        *transcription.Engine
	Sessions      *Sessions
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, d Deps, log zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Router(d, log),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Router assembles the full route tree; split out from NewServer so handler
// tests can serve it through httptest.
func Router(d Deps, log zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	apns := NewAPNSHandler(d.Clients, d.Pusher, log)
	pubsub := NewPubSubHandler(d.Clients, d.Profiles, d.Conversations, d.Minter, d.Engine, d.Sessions, log)
	prof := NewProfilesHandler(d.Profiles, d.Clients, log)
	conv := NewConversationHandler(d.Conversations, log)
	transcripts := NewTranscriptsHandler(d.Engine, d.Conversations, d.Clients, log)
	listen := NewListenHandler(d.Conversations, d.Profiles, d.Clients, d.Sessions, log)
	diag := NewDiagnosticsHandler(log)

	r.Route("/api/v2", func(r chi.Router) {
		apns.Routes(r)
		pubsub.Routes(r)
		prof.Routes(r)
		conv.Routes(r)
		transcripts.Routes(r)
	})

	listen.Routes(r)
	transcripts.PublicRoutes(r)
	diag.Routes(r)

	r.Get("/health", healthHandler(d.Store))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func healthHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.HealthCheck(r.Context()); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
