// Package transcription attaches server-side workers to active conversations:
// each worker subscribes to the realtime content stream, persists the chunks,
// and folds them into a final transcript when the whisperer leaves. Sessions
// survive server restarts by handing off to a peer process through shared
// store queues.
package transcription

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/snarg/whisper-server/internal/store"
)

// Cross-process handoff queues. These are deliberately outside the key
// namespace: every process of a deployment shares them.
const (
	serversKey   = "servers-doing-transcription"
	suspendedKey = "suspended-transcript-ids"
)

// listLookback is how far back transcript listings reach.
const listLookback = 30 * 24 * time.Hour

// Transcript is the stored record of one whisperer session.
type Transcript struct {
	ID             string
	WhispererID    string // client id of the whisperer
	ConversationID string
	ContentID      string
	ContentKey     string // uuid naming the tcp: content list
	TimeZoneID     string // IANA zone for rendering
	StartTime      int64  // epoch ms
	Duration       int64  // ms; set at finalize
	Transcription  string
	ErrorCount     int
	TTLSeconds     int

	// Finalized is true once transcription and errorCount have been written.
	// Both are unset while the session is live.
	Finalized bool
}

func (t *Transcript) toMap() map[string]string {
	m := map[string]string{
		"id":             t.ID,
		"clientId":       t.WhispererID,
		"conversationId": t.ConversationID,
		"contentId":      t.ContentID,
		"contentKey":     t.ContentKey,
		"tzId":           t.TimeZoneID,
		"startTime":      strconv.FormatInt(t.StartTime, 10),
		"ttlSeconds":     strconv.Itoa(t.TTLSeconds),
	}
	if t.Finalized {
		m["duration"] = strconv.FormatInt(t.Duration, 10)
		m["transcription"] = t.Transcription
		m["errorCount"] = strconv.Itoa(t.ErrorCount)
	}
	return m
}

func transcriptFromMap(id string, m map[string]string) Transcript {
	t := Transcript{
		ID:             id,
		WhispererID:    m["clientId"],
		ConversationID: m["conversationId"],
		ContentID:      m["contentId"],
		ContentKey:     m["contentKey"],
		TimeZoneID:     m["tzId"],
		Transcription:  m["transcription"],
	}
	t.StartTime, _ = strconv.ParseInt(m["startTime"], 10, 64)
	t.Duration, _ = strconv.ParseInt(m["duration"], 10, 64)
	t.TTLSeconds, _ = strconv.Atoi(m["ttlSeconds"])
	if _, ok := m["errorCount"]; ok {
		t.ErrorCount, _ = strconv.Atoi(m["errorCount"])
		t.Finalized = true
	}
	return t
}

func (e *Engine) transcriptKey(id string) string { return e.store.Key("tra:", id) }
func (e *Engine) contentListKey(t *Transcript) string {
	return e.store.Key("tcp:", t.ContentKey)
}
func (e *Engine) conversationListKey(conversationID string) string {
	return e.store.Key("cts:", conversationID)
}

// newTranscript seeds a record for a session starting now.
func (e *Engine) newTranscript(whispererID, conversationID, contentID, tzID string) Transcript {
	return Transcript{
		ID:             uuid.NewString(),
		WhispererID:    whispererID,
		ConversationID: conversationID,
		ContentID:      contentID,
		ContentKey:     uuid.NewString(),
		TimeZoneID:     tzID,
		StartTime:      time.Now().UnixMilli(),
		TTLSeconds:     int(e.ttl.Seconds()),
	}
}

func (e *Engine) saveTranscript(ctx context.Context, t *Transcript) error {
	key := e.transcriptKey(t.ID)
	if err := e.store.HSet(ctx, key, t.toMap()); err != nil {
		return err
	}
	return e.store.Expire(ctx, key, e.ttl)
}

// LoadTranscript reads a transcript record; store.ErrNotFound when expired
// or never created.
func (e *Engine) LoadTranscript(ctx context.Context, id string) (Transcript, error) {
	m, err := e.store.HGetAll(ctx, e.transcriptKey(id))
	if err != nil {
		return Transcript{}, err
	}
	return transcriptFromMap(id, m), nil
}

// ListForConversation returns the conversation's live transcripts, newest
// first. Ids whose records have expired are dropped and the stored list is
// rewritten to the live entries, so it never retains dangling ids. Entries
// older than the lookback window end the scan.
func (e *Engine) ListForConversation(ctx context.Context, conversationID string) ([]Transcript, error) {
	listKey := e.conversationListKey(conversationID)
	ids, err := e.store.LRange(ctx, listKey, 0, -1)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-listLookback).UnixMilli()
	var live []Transcript
	for _, id := range ids {
		t, err := e.LoadTranscript(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.StartTime < cutoff {
			// List is newest first; everything beyond here is older still.
			break
		}
		live = append(live, t)
	}

	// Newest first by start time.
	sort.Slice(live, func(i, j int) bool { return live[i].StartTime > live[j].StartTime })

	keep := make([]string, len(live))
	for i, t := range live {
		keep[i] = t.ID
	}
	if err := e.store.LRewrite(ctx, listKey, keep); err != nil {
		return nil, err
	}
	return live, nil
}
