// Package maintenance holds the out-of-band jobs the whisper-maint CLI runs
// against a live store: bookkeeping that is too expensive or too dangerous for
// the request path. Every destructive job is a dry run unless told to apply.
package maintenance

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/profiles"
	"github.com/snarg/whisper-server/internal/store"
	"github.com/snarg/whisper-server/internal/transcription"
)

// fallbackTTL is applied to transcript records found without an expiry when
// their own record does not carry one.
const fallbackTTL = 30 * 24 * time.Hour

type Jobs struct {
	store    *store.Store
	clients  *clients.Registry
	profiles *profiles.Registry
	engine   *transcription.Engine
	log      zerolog.Logger
}

func New(s *store.Store, c *clients.Registry, p *profiles.Registry,
	e *transcription.Engine, log zerolog.Logger) *Jobs {
	return &Jobs{
		store:    s,
		clients:  c,
		profiles: p,
		engine:   e,
		log:      log.With().Str("component", "maintenance").Logger(),
	}
}

// Report summarizes one job run. Affected counts deletions or repairs when
// applying, and candidates when dry-running.
type Report struct {
	Examined int
	Affected int
	Applied  bool
}

// SetPresenceLogging flips the server-wide presence logging flag.
func (j *Jobs) SetPresenceLogging(ctx context.Context, on bool) error {
	j.log.Info().Bool("on", on).Msg("setting presence logging")
	return j.clients.SetPresenceLogging(ctx, on)
}

// idsOfKind scans the store for keys of one kind and strips them back to ids.
func (j *Jobs) idsOfKind(ctx context.Context, kind string) ([]string, error) {
	keys, err := j.store.ScanKeys(ctx, j.store.Key(kind, "*"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, j.store.Prefix()+kind)
	}
	return ids, nil
}

// IdleClients deletes clients that have not launched within the idle
// lifetime. A record with no launch timestamp at all is left alone; it is
// mid-onboarding, not idle.
func (j *Jobs) IdleClients(ctx context.Context, apply bool) (Report, error) {
	ids, err := j.idsOfKind(ctx, "cli:")
	if err != nil {
		return Report{}, err
	}
	rep := Report{Examined: len(ids), Applied: apply}
	cutoff := time.Now().Add(-clients.IdleLifetime).UnixMilli()
	for _, id := range ids {
		c, err := j.clients.Get(ctx, id)
		if err != nil {
			return rep, err
		}
		if c.LastLaunch == 0 || c.LastLaunch >= cutoff {
			continue
		}
		rep.Affected++
		if !apply {
			continue
		}
		j.log.Info().Str("clientId", id).Int64("lastLaunch", c.LastLaunch).Msg("deleting idle client")
		if err := j.clients.Delete(ctx, id); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// OrphanProfiles deletes profiles no client references.
func (j *Jobs) OrphanProfiles(ctx context.Context, apply bool) (Report, error) {
	ids, err := j.idsOfKind(ctx, "pro:")
	if err != nil {
		return Report{}, err
	}
	rep := Report{Examined: len(ids), Applied: apply}
	for _, id := range ids {
		n, err := j.profiles.ClientCount(ctx, id)
		if err != nil {
			return rep, err
		}
		if n > 0 {
			continue
		}
		rep.Affected++
		if !apply {
			continue
		}
		j.log.Info().Str("profileId", id).Msg("deleting orphan profile")
		if err := j.profiles.Delete(ctx, id); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// Transcripts lists a conversation's live transcripts. Listing is itself the
// prune: the engine drops expired ids and rewrites the stored list.
func (j *Jobs) Transcripts(ctx context.Context, conversationID string) ([]transcription.Transcript, error) {
	return j.engine.ListForConversation(ctx, conversationID)
}

// EnsureTTLs stamps an expiry onto transcript records that lost theirs, which
// happens when a hash write recreates a key after expiry raced a handoff.
func (j *Jobs) EnsureTTLs(ctx context.Context, apply bool) (Report, error) {
	ids, err := j.idsOfKind(ctx, "tra:")
	if err != nil {
		return Report{}, err
	}
	rep := Report{Examined: len(ids), Applied: apply}
	for _, id := range ids {
		key := j.store.Key("tra:", id)
		ttl, err := j.store.TTL(ctx, key)
		if err != nil {
			return rep, err
		}
		if ttl >= 0 {
			continue
		}
		rep.Affected++
		if !apply {
			continue
		}
		want := fallbackTTL
		if t, err := j.engine.LoadTranscript(ctx, id); err == nil && t.TTLSeconds > 0 {
			want = time.Duration(t.TTLSeconds) * time.Second
		}
		j.log.Info().Str("transcriptId", id).Dur("ttl", want).Msg("restoring transcript expiry")
		if err := j.store.Expire(ctx, key, want); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// ReassignTranscripts scans every transcript record and re-links any that are
// missing from their conversation's listing.
func (j *Jobs) ReassignTranscripts(ctx context.Context, apply bool) (Report, error) {
	ids, err := j.idsOfKind(ctx, "tra:")
	if err != nil {
		return Report{}, err
	}
	rep := Report{Examined: len(ids), Applied: apply}
	listed := map[string]map[string]bool{}
	for _, id := range ids {
		t, err := j.engine.LoadTranscript(ctx, id)
		if err != nil {
			return rep, err
		}
		if t.ConversationID == "" {
			continue
		}
		members, ok := listed[t.ConversationID]
		if !ok {
			listKey := j.store.Key("cts:", t.ConversationID)
			have, err := j.store.LRange(ctx, listKey, 0, -1)
			if err != nil {
				return rep, err
			}
			members = make(map[string]bool, len(have))
			for _, m := range have {
				members[m] = true
			}
			listed[t.ConversationID] = members
		}
		if members[id] {
			continue
		}
		rep.Affected++
		members[id] = true
		if !apply {
			continue
		}
		j.log.Info().Str("transcriptId", id).Str("conversationId", t.ConversationID).
			Msg("re-linking transcript to conversation")
		if err := j.store.RPush(ctx, j.store.Key("cts:", t.ConversationID), id); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// KeyCounts reports how many records of each kind the store holds.
func (j *Jobs) KeyCounts(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	for _, kind := range []string{"cli:", "pro:", "con:", "tra:", "cts:", "tcp:"} {
		ids, err := j.idsOfKind(ctx, kind)
		if err != nil {
			return nil, err
		}
		counts[strings.TrimSuffix(kind, ":")] = len(ids)
	}
	return counts, nil
}
