package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/snarg/whisper-server/internal/store"
)

const (
	sessionCookie   = "whisperSession"
	sessionLifetime = time.Hour
)

// ListenSession is the signed browser session issued by the listen landing
// page and trusted by listenTokenRequest. Browser listeners have no rotating
// secret, so the signature on this cookie is their whole credential.
type ListenSession struct {
	ConversationID   string
	ConversationName string
	ClientID         string
}

// Sessions signs and verifies browser session cookies. Signing keys are
// persisted in the store's sessionKeys list so every process of a deployment
// accepts every other's cookies; the head key signs, older keys still verify.
type Sessions struct {
	codecs []securecookie.Codec
}

func LoadSessions(ctx context.Context, s *store.Store) (*Sessions, error) {
	keyList := s.Key("sessionKeys")
	hexKeys, err := s.LRange(ctx, keyList, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read session keys: %w", err)
	}
	if len(hexKeys) == 0 {
		fresh := securecookie.GenerateRandomKey(32)
		if fresh == nil {
			return nil, fmt.Errorf("generate session key")
		}
		if err := s.LPush(ctx, keyList, hex.EncodeToString(fresh)); err != nil {
			return nil, fmt.Errorf("persist session key: %w", err)
		}
		hexKeys = []string{hex.EncodeToString(fresh)}
	}

	var codecs []securecookie.Codec
	for _, hk := range hexKeys {
		raw, err := hex.DecodeString(hk)
		if err != nil {
			return nil, fmt.Errorf("malformed session key: %w", err)
		}
		sc := securecookie.New(raw, nil)
		sc.MaxAge(int(sessionLifetime.Seconds()))
		codecs = append(codecs, sc)
	}
	return &Sessions{codecs: codecs}, nil
}

// Issue signs the session into a cookie on the response.
func (s *Sessions) Issue(w http.ResponseWriter, sess ListenSession) error {
	encoded, err := securecookie.EncodeMulti(sessionCookie, sess, s.codecs...)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Verify reads and verifies the session cookie from the request.
func (s *Sessions) Verify(r *http.Request) (ListenSession, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ListenSession{}, err
	}
	var sess ListenSession
	if err := securecookie.DecodeMulti(sessionCookie, c.Value, &sess, s.codecs...); err != nil {
		return ListenSession{}, err
	}
	return sess, nil
}
