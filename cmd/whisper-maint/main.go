package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/broker"
	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/maintenance"
	"github.com/snarg/whisper-server/internal/profiles"
	"github.com/snarg/whisper-server/internal/store"
	"github.com/snarg/whisper-server/internal/transcription"
)

const usage = `usage: whisper-maint [command]

  presence-logging on|off      flip the server-wide presence logging flag
  idle-clients [apply]         count (or delete) clients idle past their lifetime
  orphan-profiles [apply]      count (or delete) profiles no client references
  transcripts <conversationId> list a conversation's live transcripts
  ensure-ttls [apply]          count (or restore) transcript records missing expiry
  reassign-transcripts [apply] count (or repair) transcripts missing from listings

With no command, prints record counts per kind. Jobs are dry runs unless
given "apply".`

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	ctx := context.Background()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = os.Getenv("REDISCLOUD_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	prefix := os.Getenv("DB_KEY_PREFIX")
	if prefix == "" {
		prefix = "w:"
	}

	s, err := store.Connect(ctx, redisURL, prefix, log)
	if err != nil {
		die("connect store: %v", err)
	}
	defer s.Close()

	// The engine is used read-only here; its dialer is never exercised.
	engine := transcription.NewEngine(transcription.Options{
		Store:  s,
		Dialer: broker.NewAblyDialer(os.Getenv("ABLY_PUBLISH_KEY"), log),
		TTL:    30 * 24 * time.Hour,
		Log:    log,
	})
	jobs := maintenance.New(s, clients.NewRegistry(s, log), profiles.NewRegistry(s, log), engine, log)

	if len(os.Args) < 2 {
		keyCounts(ctx, jobs)
		return
	}

	switch os.Args[1] {
	case "presence-logging":
		if len(os.Args) < 3 || (os.Args[2] != "on" && os.Args[2] != "off") {
			die(usage)
		}
		if err := jobs.SetPresenceLogging(ctx, os.Args[2] == "on"); err != nil {
			die("presence-logging: %v", err)
		}
		fmt.Printf("presence logging %s\n", os.Args[2])

	case "idle-clients":
		report(jobs.IdleClients(ctx, applyFlag()))

	case "orphan-profiles":
		report(jobs.OrphanProfiles(ctx, applyFlag()))

	case "transcripts":
		if len(os.Args) < 3 {
			die(usage)
		}
		ts, err := jobs.Transcripts(ctx, os.Args[2])
		if err != nil {
			die("transcripts: %v", err)
		}
		fmt.Printf("%d live transcript(s)\n", len(ts))
		for _, t := range ts {
			start := time.UnixMilli(t.StartTime).Format(time.RFC3339)
			fmt.Printf("  %s  start=%s duration=%s chars=%d errors=%d\n",
				t.ID, start, time.Duration(t.Duration)*time.Millisecond, len(t.Transcription), t.ErrorCount)
		}

	case "ensure-ttls":
		report(jobs.EnsureTTLs(ctx, applyFlag()))

	case "reassign-transcripts":
		report(jobs.ReassignTranscripts(ctx, applyFlag()))

	default:
		die(usage)
	}
}

func applyFlag() bool {
	return len(os.Args) > 2 && os.Args[2] == "apply"
}

func report(rep maintenance.Report, err error) {
	if err != nil {
		die("job failed: %v", err)
	}
	verb := "would affect"
	if rep.Applied {
		verb = "affected"
	}
	fmt.Printf("examined %d, %s %d\n", rep.Examined, verb, rep.Affected)
	if !rep.Applied && rep.Affected > 0 {
		fmt.Println(`re-run with "apply" to make changes`)
	}
}

func keyCounts(ctx context.Context, jobs *maintenance.Jobs) {
	counts, err := jobs.KeyCounts(ctx)
	if err != nil {
		die("key counts: %v", err)
	}
	fmt.Println("Kind      Count")
	fmt.Println("───────────────")
	for _, kind := range []string{"cli", "pro", "con", "tra", "cts", "tcp"} {
		fmt.Printf("%-9s %d\n", kind, counts[kind])
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
