// Package conversations holds conversation metadata and the short-lived
// authorization marks that make the first publisher the owner of a session.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/store"
)

// ErrOwnerMismatch means an update named a different owner than the stored
// conversation; owners are immutable once set.
var ErrOwnerMismatch = errors.New("conversations: owner mismatch")

const (
	// WhisperMarkTTL bounds how long a publisher claim suppresses new-session
	// side effects.
	WhisperMarkTTL = 48 * time.Hour
	// ListenMarkTTL marks listener activity; purely informational.
	ListenMarkTTL = 61 * time.Minute
)

// Conversation is the stored record for one named session.
type Conversation struct {
	ID             string
	Name           string
	OwnerProfileID string
}

type Registry struct {
	store *store.Store
	log   zerolog.Logger
}

func NewRegistry(s *store.Store, log zerolog.Logger) *Registry {
	return &Registry{store: s, log: log.With().Str("component", "conversations").Logger()}
}

func (r *Registry) key(id string) string { return r.store.Key("con:", id) }

func (r *Registry) Get(ctx context.Context, id string) (Conversation, error) {
	m, err := r.store.HGetAll(ctx, r.key(id))
	if err != nil {
		return Conversation{}, err
	}
	return Conversation{ID: id, Name: m["name"], OwnerProfileID: m["ownerProfileId"]}, nil
}

// Upsert creates or updates a conversation. The name may change freely; the
// owner profile is immutable once set and a mismatch writes nothing.
func (r *Registry) Upsert(ctx context.Context, c Conversation) error {
	existing, err := r.Get(ctx, c.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		if existing.OwnerProfileID != "" && existing.OwnerProfileID != c.OwnerProfileID {
			return fmt.Errorf("%w: conversation %s owned by %s", ErrOwnerMismatch, c.ID, existing.OwnerProfileID)
		}
	}
	return r.store.HSet(ctx, r.key(c.ID), map[string]string{
		"id":             c.ID,
		"name":           c.Name,
		"ownerProfileId": c.OwnerProfileID,
	})
}

// ClaimPublisher performs the first-publisher-wins get-and-set for a
// (client, conversation, content) triple. Exactly one of any set of
// concurrent callers observes newSession == true within the mark's TTL.
func (r *Registry) ClaimPublisher(ctx context.Context, clientID, conversationID, contentID string) (newSession bool, err error) {
	key := r.store.Key("ccc:", clientID, "|", conversationID, "|", contentID)
	_, existed, err := r.store.GetSet(ctx, key, "whisper", WhisperMarkTTL)
	if err != nil {
		return false, err
	}
	return !existed, nil
}

// MarkListener records listener activity for a (client, conversation) pair.
func (r *Registry) MarkListener(ctx context.Context, clientID, conversationID string) error {
	key := r.store.Key("ccc:", clientID, "|", conversationID)
	_, _, err := r.store.GetSet(ctx, key, "listen", ListenMarkTTL)
	return err
}
