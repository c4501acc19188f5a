package transcription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/broker"
	"github.com/snarg/whisper-server/internal/metrics"
	"github.com/snarg/whisper-server/internal/protocol"
	"github.com/snarg/whisper-server/internal/store"
)

// ProfileResolver maps a client id to the profile it is linked to, empty
// when unlinked. Satisfied by the clients registry.
type ProfileResolver interface {
	ProfileOf(ctx context.Context, clientID string) (string, error)
}

// Engine owns this process's transcription workers. All externally visible
// state lives in the store; the activeWorkers map only tracks which broker
// connections this process is currently driving.
type Engine struct {
	store    *store.Store
	dialer   broker.Dialer
	profiles ProfileResolver
	log      zerolog.Logger
	serverID string
	overlap  time.Duration
	ttl      time.Duration

	mu     sync.Mutex
	active map[string]*worker

	suspending atomic.Bool
	resumeDone chan struct{}
}

type Options struct {
	Store    *store.Store
	Dialer   broker.Dialer
	Profiles ProfileResolver // optional; enables profile-wide session bracketing
	Overlap  time.Duration   // id-marker window during attach and suspend
	TTL      time.Duration   // transcript record lifetime
	Log      zerolog.Logger
}

func NewEngine(opts Options) *Engine {
	return &Engine{
		store:      opts.Store,
		dialer:     opts.Dialer,
		profiles:   opts.Profiles,
		log:        opts.Log.With().Str("component", "transcription").Logger(),
		serverID:   uuid.NewString(),
		overlap:    opts.Overlap,
		ttl:        opts.TTL,
		active:     map[string]*worker{},
		resumeDone: make(chan struct{}),
	}
}

// ServerID returns this process's id on the shared server queue.
func (e *Engine) ServerID() string { return e.serverID }

// worker drives one transcript: a broker connection subscribed to the
// session's content and control channels.
type worker struct {
	engine     *Engine
	transcript Transcript
	conn       broker.Connection
	attachedAt time.Time

	// subscribed guards the dropping handler so duplicate leave messages
	// terminate at most once.
	subscribed atomic.Bool
}

// Start creates a transcript record for a new whisperer session and attaches
// a local worker to its channels.
func (e *Engine) Start(ctx context.Context, whispererID, conversationID, contentID, tzID string) (Transcript, error) {
	t := e.newTranscript(whispererID, conversationID, contentID, tzID)
	if err := e.saveTranscript(ctx, &t); err != nil {
		return Transcript{}, err
	}
	if err := e.attach(ctx, t); err != nil {
		return t, err
	}
	e.log.Info().
		Str("transcript_id", t.ID).
		Str("conversation_id", conversationID).
		Msg("transcription started")
	return t, nil
}

// attach subscribes a worker to the transcript's channels. On subscribe
// failure the worker is abandoned and the transcript finalized with whatever
// chunks arrived.
func (e *Engine) attach(ctx context.Context, t Transcript) error {
	conn, err := e.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	w := &worker{engine: e, transcript: t, conn: conn, attachedAt: time.Now()}
	w.subscribed.Store(true)

	contentCh := broker.ContentChannel(t.ConversationID, t.ContentID)
	if err := conn.Subscribe(ctx, contentCh, w.onContent); err != nil {
		conn.Close()
		e.finalize(ctx, t.ID)
		return err
	}
	controlCh := broker.ControlChannel(t.ConversationID)
	if err := conn.Subscribe(ctx, controlCh, w.onControl); err != nil {
		conn.Close()
		e.finalize(ctx, t.ID)
		return err
	}

	e.mu.Lock()
	e.active[t.ID] = w
	metrics.ActiveWorkers.Set(float64(len(e.active)))
	e.mu.Unlock()
	return nil
}

// onContent persists a content chunk. Inside the overlap window after attach,
// and whenever a suspend is in progress, each chunk is stored as an id-marker
// pair so the fold can de-duplicate across the handoff; elsewhere the bare
// payload is enough.
func (w *worker) onContent(msg broker.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e := w.engine
	key := e.contentListKey(&w.transcript)
	paired := time.Since(w.attachedAt) < e.overlap || e.suspending.Load()

	var err error
	if paired {
		err = e.store.LPush(ctx, key, idMarker+msg.ID, msg.Data)
	} else {
		err = e.store.LPush(ctx, key, msg.Data)
	}
	if err != nil {
		// Not fatal: the missing chunk surfaces as an error at finalize.
		e.log.Warn().Err(err).Str("transcript_id", w.transcript.ID).Msg("failed to persist chunk")
		return
	}
	_ = e.store.Expire(ctx, key, e.ttl)
	metrics.ChunksRecordedTotal.Inc()
}

// onControl watches for the whisperer leaving the conversation.
func (w *worker) onControl(msg broker.Message) {
	chunk, err := protocol.ParseControl(msg.Data)
	if err != nil {
		w.engine.log.Warn().Err(err).Str("transcript_id", w.transcript.ID).Msg("malformed control chunk")
		return
	}
	if chunk.Offset != protocol.OffsetDropping || chunk.ClientID != w.transcript.WhispererID {
		return
	}
	if !w.subscribed.CompareAndSwap(true, false) {
		// Duplicate leave message.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	w.engine.Terminate(ctx, w.transcript.ID)
}

// Terminate detaches the worker for a transcript, closes its broker
// connection, and finalizes.
func (e *Engine) Terminate(ctx context.Context, transcriptID string) {
	e.mu.Lock()
	w, ok := e.active[transcriptID]
	delete(e.active, transcriptID)
	metrics.ActiveWorkers.Set(float64(len(e.active)))
	e.mu.Unlock()

	if ok {
		w.conn.Close()
	}
	e.finalize(ctx, transcriptID)
}

// TerminatePriorFor ends any still-running transcript left by the same
// whisperer before a new session starts: the same client id, or another
// client linked to the same profile (the whisperer switching devices).
// Locally-driven workers terminate; orphaned records (no live worker
// anywhere, e.g. after a crash) are force-finalized.
func (e *Engine) TerminatePriorFor(ctx context.Context, whispererID string) {
	sameWhisperer := e.whispererMatcher(ctx, whispererID)

	type candidate struct{ id, whisperer string }
	e.mu.Lock()
	cands := make([]candidate, 0, len(e.active))
	for id, w := range e.active {
		cands = append(cands, candidate{id, w.transcript.WhispererID})
	}
	e.mu.Unlock()
	for _, c := range cands {
		if !sameWhisperer(c.whisperer) {
			continue
		}
		e.log.Info().Str("transcript_id", c.id).Msg("terminating prior transcript for whisperer")
		e.Terminate(ctx, c.id)
	}

	keys, err := e.store.ScanKeys(ctx, e.store.Key("tra:", "*"))
	if err != nil {
		e.log.Warn().Err(err).Msg("orphan scan failed")
		return
	}
	for _, key := range keys {
		id := key[strings.LastIndex(key, ":")+1:]
		t, err := e.LoadTranscript(ctx, id)
		if err != nil || t.Finalized || !sameWhisperer(t.WhispererID) {
			continue
		}
		if e.ownsWorker(id) {
			continue
		}
		e.log.Info().Str("transcript_id", id).Msg("force-ending orphaned transcript")
		e.finalize(ctx, id)
	}
}

// whispererMatcher reports whether a candidate client id names the same
// whisperer as whispererID: the id itself, or any client sharing its linked
// profile. Lookups are memoized for the duration of one bracketing pass.
func (e *Engine) whispererMatcher(ctx context.Context, whispererID string) func(string) bool {
	profileID := ""
	if e.profiles != nil {
		p, err := e.profiles.ProfileOf(ctx, whispererID)
		if err != nil {
			e.log.Warn().Err(err).Str("client_id", whispererID).Msg("profile lookup failed")
		} else {
			profileID = p
		}
	}
	known := map[string]bool{whispererID: true}
	return func(candidate string) bool {
		if match, ok := known[candidate]; ok {
			return match
		}
		match := false
		if profileID != "" {
			p, err := e.profiles.ProfileOf(ctx, candidate)
			match = err == nil && p == profileID
		}
		known[candidate] = match
		return match
	}
}

func (e *Engine) ownsWorker(transcriptID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[transcriptID]
	return ok
}

// ActiveCount returns how many workers this process is driving.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// finalize folds the content list into the transcript's final text and error
// count. Clean folds delete the content list; errored folds retain it for
// debugging. An empty, error-free transcript is deleted outright instead of
// being listed.
func (e *Engine) finalize(ctx context.Context, transcriptID string) {
	t, err := e.LoadTranscript(ctx, transcriptID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Warn().Str("transcript_id", transcriptID).Msg("finalize: transcript expired")
		return
	}
	if err != nil {
		e.log.Error().Err(err).Str("transcript_id", transcriptID).Msg("finalize: load failed")
		return
	}
	if t.Finalized {
		return
	}

	contentKey := e.contentListKey(&t)
	newestFirst, err := e.store.LRange(ctx, contentKey, 0, -1)
	if err != nil {
		e.log.Error().Err(err).Str("transcript_id", transcriptID).Msg("finalize: content read failed")
		return
	}
	chronological := make([]string, len(newestFirst))
	for i, v := range newestFirst {
		chronological[len(newestFirst)-1-i] = v
	}

	text, errorCount := Fold(chronological)
	t.Duration = time.Now().UnixMilli() - t.StartTime
	t.Transcription = text
	t.ErrorCount = errorCount
	t.Finalized = true

	if errorCount == 0 {
		_ = e.store.Del(ctx, contentKey)
	}

	if text == "" && errorCount == 0 {
		_ = e.store.Del(ctx, e.transcriptKey(t.ID))
		e.log.Info().Str("transcript_id", t.ID).Msg("empty transcript discarded")
		return
	}

	if err := e.saveTranscript(ctx, &t); err != nil {
		e.log.Error().Err(err).Str("transcript_id", t.ID).Msg("finalize: save failed")
		return
	}
	listKey := e.conversationListKey(t.ConversationID)
	if err := e.store.LPush(ctx, listKey, t.ID); err != nil {
		e.log.Error().Err(err).Str("transcript_id", t.ID).Msg("finalize: list push failed")
	}
	_ = e.store.Expire(ctx, listKey, e.ttl)

	metrics.TranscriptsFinalizedTotal.Inc()
	e.log.Info().
		Str("transcript_id", t.ID).
		Int("error_count", errorCount).
		Int("length", len(text)).
		Str("duration", (time.Duration(t.Duration) * time.Millisecond).String()).
		Msg("transcript finalized")
}
