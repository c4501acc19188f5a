package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ably/ably-go/ably"
	"github.com/rs/zerolog"
)

// tokenTTL bounds how long an issued capability token is usable.
const tokenTTL = time.Hour

// Minter signs Ably token requests scoped to exactly the channels a client
// may use. The broker trades the signed request for an access token, so the
// publish key never leaves the server.
type Minter struct {
	rest *ably.REST
	log  zerolog.Logger
}

func NewMinter(publishKey string, log zerolog.Logger) (*Minter, error) {
	rest, err := ably.NewREST(ably.WithKey(publishKey))
	if err != nil {
		return nil, fmt.Errorf("ably rest client: %w", err)
	}
	return &Minter{rest: rest, log: log.With().Str("component", "minter").Logger()}, nil
}

// MintPublisher issues a token request for a whisperer publishing to a
// conversation: full control-channel access plus publish on its own content
// channel.
func (m *Minter) MintPublisher(clientID, conversationID, contentID string) (string, error) {
	return m.mint(clientID, map[string][]string{
		ControlChannel(conversationID):            {"publish", "subscribe", "presence"},
		ContentChannel(conversationID, contentID): {"publish"},
	})
}

// MintListener issues a token request for a listener: full control-channel
// access plus subscribe on every content channel of the conversation.
func (m *Minter) MintListener(clientID, conversationID string) (string, error) {
	return m.mint(clientID, map[string][]string{
		ControlChannel(conversationID): {"publish", "subscribe", "presence"},
		conversationID + ":*":          {"subscribe"},
	})
}

// MintLegacyWhisper issues a token request for the pre-conversation protocol,
// scoped to a peer's whisper channel.
func (m *Minter) MintLegacyWhisper(clientID, peerID string) (string, error) {
	return m.mint(clientID, map[string][]string{
		peerID + ":whisper": {"publish", "subscribe", "presence"},
	})
}

func (m *Minter) mint(clientID string, capability map[string][]string) (string, error) {
	capJSON, err := json.Marshal(capability)
	if err != nil {
		return "", err
	}
	req, err := m.rest.Auth.CreateTokenRequest(&ably.TokenParams{
		ClientID:   clientID,
		Capability: string(capJSON),
		TTL:        tokenTTL.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	out, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	m.log.Debug().Str("client_id", clientID).Msg("token request minted")
	return string(out), nil
}
