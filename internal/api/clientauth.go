package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/snarg/whisper-server/internal/auth"
	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/store"
)

// authorizeClient verifies the request's bearer JWT against the named
// client's current and prior secrets. Unknown clients fail closed.
func authorizeClient(ctx context.Context, reg *clients.Registry, r *http.Request, clientID string) error {
	token := BearerToken(r)
	if token == "" || clientID == "" {
		return auth.ErrUnauthorized
	}
	c, err := reg.Get(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return auth.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	return auth.VerifyClientToken(token, clientID, c.Secret, c.LastSecret)
}
