// Package clients tracks the mobile devices that talk to the server: device
// push tokens, the rotating shared secrets they authenticate with, and launch
// bookkeeping.
package clients

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/store"
)

// ErrNoDeviceToken means rotation was requested before the client ever
// reported a push token, so there is no way to deliver a new secret.
var ErrNoDeviceToken = errors.New("clients: no device token on record")

// DuplicateWindow bounds how long identical token POSTs are absorbed, so
// APNS re-delivery cannot double-trigger rotation side effects.
const DuplicateWindow = 250 * time.Millisecond

// IdleLifetime is how long a client may go unlaunched before maintenance
// deletes it.
const IdleLifetime = 30 * 24 * time.Hour

// Client is the stored record for one installed app instance.
type Client struct {
	ID              string
	DeviceToken     string // hex
	Secret          string // hex, current
	LastSecret      string // hex, prior; verification fallback
	SecretIssuedAt  int64  // epoch ms; 0 = minted but not yet acknowledged
	PushRequestID   string
	AppInfo         string
	UserName        string
	ProfileID       string
	LastLaunch      int64 // epoch ms
	PresenceLogging bool
}

func (c *Client) toMap() map[string]string {
	return map[string]string{
		"id":              c.ID,
		"deviceToken":     c.DeviceToken,
		"secret":          c.Secret,
		"lastSecret":      c.LastSecret,
		"secretIssuedAt":  strconv.FormatInt(c.SecretIssuedAt, 10),
		"pushRequestId":   c.PushRequestID,
		"appInfo":         c.AppInfo,
		"userName":        c.UserName,
		"profileId":       c.ProfileID,
		"lastLaunch":      strconv.FormatInt(c.LastLaunch, 10),
		"presenceLogging": strconv.FormatBool(c.PresenceLogging),
	}
}

func clientFromMap(id string, m map[string]string) Client {
	issuedAt, _ := strconv.ParseInt(m["secretIssuedAt"], 10, 64)
	lastLaunch, _ := strconv.ParseInt(m["lastLaunch"], 10, 64)
	presence, _ := strconv.ParseBool(m["presenceLogging"])
	return Client{
		ID:              id,
		DeviceToken:     m["deviceToken"],
		Secret:          m["secret"],
		LastSecret:      m["lastSecret"],
		SecretIssuedAt:  issuedAt,
		PushRequestID:   m["pushRequestId"],
		AppInfo:         m["appInfo"],
		UserName:        m["userName"],
		ProfileID:       m["profileId"],
		LastLaunch:      lastLaunch,
		PresenceLogging: presence,
	}
}

// Launch is what a client reports on each app start.
type Launch struct {
	ClientID        string
	DeviceToken     string // hex
	LastSecret      string // hex
	AppInfo         string
	UserName        string
	PresenceLogging bool
}

type Registry struct {
	store *store.Store
	log   zerolog.Logger
}

func NewRegistry(s *store.Store, log zerolog.Logger) *Registry {
	return &Registry{store: s, log: log.With().Str("component", "clients").Logger()}
}

func (r *Registry) key(clientID string) string { return r.store.Key("cli:", clientID) }

func (r *Registry) Get(ctx context.Context, clientID string) (Client, error) {
	m, err := r.store.HGetAll(ctx, r.key(clientID))
	if err != nil {
		return Client{}, err
	}
	return clientFromMap(clientID, m), nil
}

func (r *Registry) save(ctx context.Context, c *Client) error {
	return r.store.HSet(ctx, r.key(c.ID), c.toMap())
}

// SuppressDuplicate records the (clientID, deviceToken) pair with a short
// expiry and reports whether the same pair was seen within the window.
// Repeated token POSTs inside the window are acknowledged but must not
// re-trigger rotation or push.
func (r *Registry) SuppressDuplicate(ctx context.Context, clientID, deviceToken string) (bool, error) {
	key := r.store.Key("apns:", clientID, "|", deviceToken)
	_, existed, err := r.store.GetSet(ctx, key, "1", DuplicateWindow)
	return existed, err
}

// ObserveLaunch runs the rotation state machine for one token POST. The
// client's record looks "changed" when there is no prior record or when the
// reported lastSecret, device token, app info, or the server-side presence
// logging flag differ from what is stored. A changed record persists the
// reported fields and forces a rotation.
//
// Returns the post-rotation client; rotated reports whether a fresh (or
// re-deliverable) secret needs pushing.
func (r *Registry) ObserveLaunch(ctx context.Context, launch Launch) (rotated bool, c Client, err error) {
	now := nowMs()
	presenceLogging, err := r.PresenceLogging(ctx)
	if err != nil {
		return false, Client{}, err
	}

	existing, err := r.Get(ctx, launch.ClientID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c = Client{ID: launch.ClientID}
	case err != nil:
		return false, Client{}, err
	default:
		c = existing
	}

	changed := errors.Is(err, store.ErrNotFound) ||
		launch.LastSecret != c.LastSecret ||
		launch.DeviceToken != c.DeviceToken ||
		launch.AppInfo != c.AppInfo ||
		presenceLogging != c.PresenceLogging

	c.DeviceToken = launch.DeviceToken
	c.LastSecret = launch.LastSecret
	c.AppInfo = launch.AppInfo
	if launch.UserName != "" {
		c.UserName = launch.UserName
	}
	c.PresenceLogging = presenceLogging
	c.LastLaunch = now

	if !changed {
		return false, c, r.save(ctx, &c)
	}

	rotated, err = r.rotate(&c, true)
	if err != nil {
		return false, c, err
	}
	if err := r.save(ctx, &c); err != nil {
		return false, c, err
	}
	r.log.Info().
		Str("client_id", c.ID).
		Bool("rotated", rotated).
		Msg("client launch observed")
	return rotated, c, nil
}

// rotate implements the rotation rule: with force, no current secret, or an
// unacknowledged secret, a secret must go out. An unacknowledged secret is
// reused together with its push request id, because APNS may have dropped or
// duplicated the original notification and the client must converge on one
// value.
func (r *Registry) rotate(c *Client, force bool) (bool, error) {
	if c.DeviceToken == "" {
		return false, ErrNoDeviceToken
	}
	if !force && c.Secret != "" && c.SecretIssuedAt != 0 {
		return false, nil
	}
	if c.Secret != "" && c.SecretIssuedAt == 0 {
		// Minted but never acknowledged: resend the same secret.
		return true, nil
	}
	c.Secret = mintSecret()
	c.SecretIssuedAt = 0
	c.PushRequestID = uuid.NewString()
	return true, nil
}

// Acknowledge closes the unacknowledged window: the client proved receipt of
// the pushed secret, so stamp the issue time and record the secret it now
// holds as prior.
func (r *Registry) Acknowledge(ctx context.Context, clientID, lastSecret string) error {
	if _, err := r.Get(ctx, clientID); err != nil {
		return err
	}
	return r.store.HSet(ctx, r.key(clientID), map[string]string{
		"secretIssuedAt": strconv.FormatInt(nowMs(), 10),
		"lastSecret":     lastSecret,
	})
}

// SetProfile links the client to a profile and tracks the membership set used
// by orphan-profile maintenance.
func (r *Registry) SetProfile(ctx context.Context, clientID, profileID string) error {
	if err := r.store.HSet(ctx, r.key(clientID), map[string]string{"profileId": profileID}); err != nil {
		return err
	}
	return r.store.SAdd(ctx, r.store.Key("pro-clients:", profileID), clientID)
}

// Delete removes a client record and its profile membership.
func (r *Registry) Delete(ctx context.Context, clientID string) error {
	c, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if c.ProfileID != "" {
		if err := r.store.SRem(ctx, r.store.Key("pro-clients:", c.ProfileID), clientID); err != nil {
			return err
		}
	}
	return r.store.Del(ctx, r.key(clientID))
}

// ProfileOf returns the profile a client is linked to, empty when the client
// is unknown or unlinked.
func (r *Registry) ProfileOf(ctx context.Context, clientID string) (string, error) {
	c, err := r.Get(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.ProfileID, nil
}

// PresenceLogging reads the server-wide presence logging flag.
func (r *Registry) PresenceLogging(ctx context.Context) (bool, error) {
	v, err := r.store.Get(ctx, r.store.Key("presenceLogging"))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetPresenceLogging flips the server-wide flag; every client sees a changed
// record on its next launch and gets rotated onto the new behavior.
func (r *Registry) SetPresenceLogging(ctx context.Context, on bool) error {
	return r.store.Set(ctx, r.store.Key("presenceLogging"), strconv.FormatBool(on), 0)
}

// mintSecret produces a fresh 32-byte secret as 64 hex characters.
func mintSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func nowMs() int64 { return time.Now().UnixMilli() }
