package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/api"
	"github.com/snarg/whisper-server/internal/auth"
	"github.com/snarg/whisper-server/internal/broker"
	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/config"
	"github.com/snarg/whisper-server/internal/conversations"
	"github.com/snarg/whisper-server/internal/profiles"
	"github.com/snarg/whisper-server/internal/push"
	"github.com/snarg/whisper-server/internal/store"
	"github.com/snarg/whisper-server/internal/transcription"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.IntVar(&overrides.Port, "port", 0, "listen port (overrides PORT)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.RedisURL, "redis-url", "", "store URL (overrides REDIS_URL)")
	flag.StringVar(&overrides.KeyPrefix, "key-prefix", "", "store key prefix (overrides DB_KEY_PREFIX)")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("environment", cfg.Environment).Msg("whisper-server starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	s, err := store.Connect(ctx, cfg.RedisURL, cfg.KeyPrefix, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer s.Close()

	// APNS
	tokens, err := auth.NewProviderTokens(cfg.APNSCredSecret, cfg.APNSCredID, cfg.APNSTeamID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load apns credentials")
	}
	pusher := push.New(cfg.APNSServer, cfg.APNSTopic, tokens, s, log)

	// Broker
	minter, err := broker.NewMinter(cfg.AblyPublishKey, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse broker key")
	}

	// Registries
	clientReg := clients.NewRegistry(s, log)
	profileReg := profiles.NewRegistry(s, log)
	conversationReg := conversations.NewRegistry(s, log)

	// Transcription engine; Resume adopts sessions suspended by a prior
	// process and then serves the handoff queue.
	engine := transcription.NewEngine(transcription.Options{
		Store:    s,
		Dialer:   broker.NewAblyDialer(cfg.AblyPublishKey, log),
		Profiles: clientReg,
		Overlap:  cfg.TranscriptOverlap,
		TTL:      cfg.TranscriptTTL(),
		Log:      log,
	})
	go engine.Resume(ctx)

	// Browser listener sessions
	sessions, err := api.LoadSessions(ctx, s)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load session keys")
	}

	// HTTP Server
	srv := api.NewServer(cfg, api.Deps{
		Store:         s,
		Clients:       clientReg,
		Profiles:      profileReg,
		Conversations: conversationReg,
		Minter:        minter,
		Pusher:        pusher,
		Engine:        engine,
		Sessions:      sessions,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Hand live transcriptions to a peer before draining HTTP, so a rolling
	// restart never drops a session.
	suspendCtx, cancelSuspend := context.WithTimeout(context.Background(), cfg.TranscriptOverlap+30*time.Second)
	engine.Suspend(suspendCtx)
	cancelSuspend()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("whisper-server stopped")
}
