package transcription

import (
	"context"
	"errors"
	"time"

	"github.com/snarg/whisper-server/internal/metrics"
	"github.com/snarg/whisper-server/internal/store"
)

const (
	// resumePollTimeout bounds each blocking pop on the suspended queue, so
	// shutdown is prompt.
	resumePollTimeout = 10 * time.Second
	// peerWaitTimeout bounds the wait for a live peer during suspend.
	peerWaitTimeout = 20 * time.Second
)

// Resume advertises this server on the shared queue and loops picking up
// transcripts suspended by shutting-down peers. Runs until Suspend is called
// or ctx is cancelled. The blocking pop uses the store's dedicated blocking
// connection, so regular request traffic is unaffected.
func (e *Engine) Resume(ctx context.Context) {
	defer close(e.resumeDone)

	if err := e.store.LPush(ctx, serversKey, e.serverID); err != nil {
		e.log.Error().Err(err).Msg("failed to advertise on server queue")
		return
	}
	e.log.Info().Str("server_id", e.serverID).Msg("resume loop started")

	for {
		if e.suspending.Load() || ctx.Err() != nil {
			return
		}

		id, err := e.store.BRPop(ctx, suspendedKey, resumePollTimeout)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn().Err(err).Msg("suspended queue pop failed")
			time.Sleep(time.Second)
			continue
		}

		if e.suspending.Load() {
			// Hand the in-flight pop back for a live peer.
			_ = e.store.RPush(ctx, suspendedKey, id)
			return
		}

		t, err := e.LoadTranscript(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			e.log.Info().Str("transcript_id", id).Msg("suspended transcript expired before pickup")
			continue
		}
		if err != nil {
			e.log.Warn().Err(err).Str("transcript_id", id).Msg("suspended transcript load failed")
			continue
		}
		if t.Finalized {
			e.log.Info().Str("transcript_id", id).Msg("suspended transcript already finalized")
			continue
		}

		if err := e.attach(ctx, t); err != nil {
			e.log.Error().Err(err).Str("transcript_id", id).Msg("failed to resume transcript")
			continue
		}
		metrics.HandoffsTotal.WithLabelValues("resumed").Inc()
		e.log.Info().Str("transcript_id", id).Msg("transcript resumed from peer")
	}
}

// Suspend hands this process's active transcripts to a peer and stops the
// resume loop. For each still-active transcript the id is queued for pickup,
// then writes continue in id-marker form for one overlap window so the
// resuming peer's subscription and ours cover every message, then the workers
// detach without finalizing.
//
// If no peer is advertising within the wait bound, the transcripts are
// finalized locally instead of being queued: an unclaimed handoff would
// silently drop the rest of the session.
func (e *Engine) Suspend(ctx context.Context) {
	e.suspending.Store(true)
	_ = e.store.LRem(ctx, serversKey, e.serverID)
	_ = e.store.WakeBlockedReader(ctx, suspendedKey)

	select {
	case <-e.resumeDone:
	case <-time.After(2 * resumePollTimeout):
		e.log.Warn().Msg("resume loop did not stop in time")
	}

	e.mu.Lock()
	workers := make([]*worker, 0, len(e.active))
	for _, w := range e.active {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	if len(workers) == 0 {
		e.log.Info().Msg("suspend: no active transcripts")
		return
	}

	peer, err := e.store.BLMoveHead(ctx, serversKey, peerWaitTimeout)
	if err != nil {
		e.log.Warn().Err(err).Int("transcripts", len(workers)).
			Msg("no peer advertising; finalizing locally")
		for _, w := range workers {
			e.Terminate(ctx, w.transcript.ID)
		}
		return
	}
	e.log.Info().Str("peer", peer).Int("transcripts", len(workers)).Msg("suspending to peer")

	queued := 0
	for _, w := range workers {
		t, err := e.LoadTranscript(ctx, w.transcript.ID)
		if err != nil || t.Finalized {
			continue
		}
		if err := e.store.LPush(ctx, suspendedKey, t.ID); err != nil {
			e.log.Error().Err(err).Str("transcript_id", t.ID).Msg("failed to queue suspended transcript")
			continue
		}
		queued++
		metrics.HandoffsTotal.WithLabelValues("suspended").Inc()
	}

	if queued > 0 {
		// suspending is set, so every chunk written in this window carries an
		// id marker for the fold to de-duplicate against the peer's copies.
		time.Sleep(e.overlap)
	}

	e.mu.Lock()
	for id, w := range e.active {
		w.conn.Close()
		delete(e.active, id)
	}
	metrics.ActiveWorkers.Set(0)
	e.mu.Unlock()
	e.log.Info().Int("queued", queued).Msg("suspend complete")
}
