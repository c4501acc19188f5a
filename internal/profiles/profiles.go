// Package profiles stores per-user preference profiles: the whisper, listen,
// settings, and favorites sub-profiles that clients synchronize across
// devices, with timestamp or version concurrency control.
package profiles

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/store"
)

var (
	// ErrConflict covers stale timestamps, stale settings versions, and
	// duplicate share attempts.
	ErrConflict = errors.New("profiles: conflict")
	// ErrWrongPassword means a shared profile was accessed with the wrong
	// opaque password string.
	ErrWrongPassword = errors.New("profiles: wrong password")
	// ErrNotShared means an unshared profile was accessed as shared.
	ErrNotShared = errors.New("profiles: profile not shared")
)

// Part identifies a timestamped sub-profile.
type Part string

const (
	PartWhisper   Part = "whisper"
	PartListen    Part = "listen"
	PartFavorites Part = "favorites"
)

// Profile is the stored record for one user profile.
type Profile struct {
	ID       string
	Name     string
	Password string // opaque; presence means the profile is shared
	LastUsed int64  // epoch ms

	WhisperTimestamp   int64
	WhisperBody        string
	ListenTimestamp    int64
	ListenBody         string
	FavoritesTimestamp int64
	FavoritesBody      string

	SettingsVersion int64
	SettingsETag    string
	SettingsBody    string
}

// Shared reports whether the profile carries a password.
func (p *Profile) Shared() bool { return p.Password != "" }

type Registry struct {
	store *store.Store
	log   zerolog.Logger
}

func NewRegistry(s *store.Store, log zerolog.Logger) *Registry {
	return &Registry{store: s, log: log.With().Str("component", "profiles").Logger()}
}

func (r *Registry) key(id string) string { return r.store.Key("pro:", id) }

func (r *Registry) Get(ctx context.Context, id string) (Profile, error) {
	m, err := r.store.HGetAll(ctx, r.key(id))
	if err != nil {
		return Profile{}, err
	}
	p := Profile{ID: id, Name: m["name"], Password: m["password"]}
	p.LastUsed, _ = strconv.ParseInt(m["lastUsed"], 10, 64)
	p.WhisperTimestamp, _ = strconv.ParseInt(m["whisperTimestamp"], 10, 64)
	p.WhisperBody = m["whisperBody"]
	p.ListenTimestamp, _ = strconv.ParseInt(m["listenTimestamp"], 10, 64)
	p.ListenBody = m["listenBody"]
	p.FavoritesTimestamp, _ = strconv.ParseInt(m["favoritesTimestamp"], 10, 64)
	p.FavoritesBody = m["favoritesBody"]
	p.SettingsVersion, _ = strconv.ParseInt(m["settingsVersion"], 10, 64)
	p.SettingsETag = m["settingsETag"]
	p.SettingsBody = m["settingsBody"]
	return p, nil
}

// UpsertName creates the profile if needed and sets its display name.
func (r *Registry) UpsertName(ctx context.Context, id, name string) error {
	return r.store.HSet(ctx, r.key(id), map[string]string{
		"id":       id,
		"name":     name,
		"lastUsed": nowMsStr(),
	})
}

// Share marks the profile shared by attaching its opaque password. Sharing an
// already-shared profile is a conflict; the stored password never changes
// through this path.
func (r *Registry) Share(ctx context.Context, id, password string) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Shared() {
		return fmt.Errorf("%w: profile %s already shared", ErrConflict, id)
	}
	return r.store.HSet(ctx, r.key(id), map[string]string{"password": password})
}

// CheckPassword authorizes access to a shared profile. An unshared profile
// accessed through the shared path is reported as not found, not as a
// password failure, so probing cannot distinguish the two states it claims.
func (r *Registry) CheckPassword(ctx context.Context, id, password string) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !p.Shared() {
		return ErrNotShared
	}
	if subtle.ConstantTimeCompare([]byte(p.Password), []byte(password)) != 1 {
		return ErrWrongPassword
	}
	return nil
}

// GetPart returns the timestamp and body of a timestamped sub-profile.
func (r *Registry) GetPart(ctx context.Context, id string, part Part) (int64, string, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return 0, "", err
	}
	ts, body := p.part(part)
	return ts, body, nil
}

func (p *Profile) part(part Part) (int64, string) {
	switch part {
	case PartWhisper:
		return p.WhisperTimestamp, p.WhisperBody
	case PartListen:
		return p.ListenTimestamp, p.ListenBody
	case PartFavorites:
		return p.FavoritesTimestamp, p.FavoritesBody
	}
	return 0, ""
}

// PutPart writes a sub-profile body if the incoming timestamp is not older
// than the stored one. A stale timestamp is a conflict and writes nothing;
// an equal timestamp is an idempotent repeat. A first write creates the
// profile.
func (r *Registry) PutPart(ctx context.Context, id string, part Part, timestamp int64, body string) error {
	p, err := r.getOrEmpty(ctx, id)
	if err != nil {
		return err
	}
	stored, _ := p.part(part)
	if timestamp < stored {
		return fmt.Errorf("%w: stale %s timestamp %d < %d", ErrConflict, part, timestamp, stored)
	}
	return r.store.HSet(ctx, r.key(id), map[string]string{
		"id":                       id,
		string(part) + "Timestamp": strconv.FormatInt(timestamp, 10),
		string(part) + "Body":      body,
		"lastUsed":                 nowMsStr(),
	})
}

// PutSettings writes the settings body if version is not older than the
// stored one, and returns the resulting ETag. A first write creates the
// profile.
func (r *Registry) PutSettings(ctx context.Context, id string, version int64, body string) (string, error) {
	p, err := r.getOrEmpty(ctx, id)
	if err != nil {
		return "", err
	}
	if version < p.SettingsVersion {
		return "", fmt.Errorf("%w: stale settings version %d < %d", ErrConflict, version, p.SettingsVersion)
	}
	etag := settingsETag(version, body)
	err = r.store.HSet(ctx, r.key(id), map[string]string{
		"id":              id,
		"settingsVersion": strconv.FormatInt(version, 10),
		"settingsETag":    etag,
		"settingsBody":    body,
		"lastUsed":        nowMsStr(),
	})
	return etag, err
}

// getOrEmpty reads a profile, treating a missing record as a fresh one so
// sub-profile writes can create the profile.
func (r *Registry) getOrEmpty(ctx context.Context, id string) (Profile, error) {
	p, err := r.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Profile{ID: id}, nil
	}
	return p, err
}

// TouchLastUsed stamps the profile as in use.
func (r *Registry) TouchLastUsed(ctx context.Context, id string) error {
	return r.store.HSet(ctx, r.key(id), map[string]string{"lastUsed": nowMsStr()})
}

// Delete removes a profile and its client membership set.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.Del(ctx, r.key(id), r.store.Key("pro-clients:", id))
}

// ClientCount returns how many clients reference the profile.
func (r *Registry) ClientCount(ctx context.Context, id string) (int64, error) {
	return r.store.SCard(ctx, r.store.Key("pro-clients:", id))
}

func settingsETag(version int64, body string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(version, 10) + "|" + body))
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}

func nowMsStr() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
