// Package push delivers rotated client secrets out-of-band through APNS
// background notifications.
package push

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/auth"
	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/store"
)

type Client struct {
	http    *http.Client
	baseURL string
	topic   string
	tokens  *auth.ProviderTokens
	store   *store.Store
	log     zerolog.Logger
}

// New builds a push client for the given APNS server (host:port, or a full
// URL for tests). The default http.Client negotiates HTTP/2 over TLS, which
// is all APNS requires.
func New(server, topic string, tokens *auth.ProviderTokens, s *store.Store, log zerolog.Logger) *Client {
	baseURL := server
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		topic:   topic,
		tokens:  tokens,
		store:   s,
		log:     log.With().Str("component", "push").Logger(),
	}
}

type payload struct {
	APS    aps    `json:"aps"`
	Secret string `json:"secret"`
}

type aps struct {
	ContentAvailable int `json:"content-available"`
}

// PushSecret sends the client's current secret as a background notification
// and records the outcome under the push request id. Failures are recorded
// and logged but never propagate a rollback: the stored secret stands, and
// the next client launch re-triggers delivery.
func (p *Client) PushSecret(ctx context.Context, c clients.Client) error {
	raw, err := hex.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("decode secret for client %s: %w", c.ID, err)
	}

	body, err := json.Marshal(payload{
		APS:    aps{ContentAvailable: 1},
		Secret: base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return err
	}

	providerToken, err := p.tokens.Token()
	if err != nil {
		p.recordFailure(ctx, c.PushRequestID, "provider token: "+err.Error())
		return err
	}

	url := p.baseURL + "/3/device/" + c.DeviceToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "Bearer "+providerToken)
	req.Header.Set("apns-id", c.PushRequestID)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")
	req.Header.Set("apns-topic", p.topic)

	resp, err := p.http.Do(req)
	if err != nil {
		p.recordFailure(ctx, c.PushRequestID, err.Error())
		p.log.Error().Err(err).Str("client_id", c.ID).Msg("apns request failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.record(ctx, c.PushRequestID, map[string]string{
			"status":     strconv.Itoa(resp.StatusCode),
			"providerId": resp.Header.Get("apns-unique-id"),
			"timestamp":  strconv.FormatInt(time.Now().UnixMilli(), 10),
		})
		p.log.Info().
			Str("client_id", c.ID).
			Str("push_request_id", c.PushRequestID).
			Msg("secret pushed")
		return nil
	}

	reason := apnsReason(resp.Body)
	p.record(ctx, c.PushRequestID, map[string]string{
		"status":        strconv.Itoa(resp.StatusCode),
		"failureReason": reason,
		"timestamp":     strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
	p.log.Warn().
		Str("client_id", c.ID).
		Int("status", resp.StatusCode).
		Str("reason", reason).
		Msg("apns push rejected")
	return fmt.Errorf("apns push failed: %d %s", resp.StatusCode, reason)
}

func (p *Client) record(ctx context.Context, pushID string, fields map[string]string) {
	if pushID == "" {
		return
	}
	key := p.store.Key("req:", pushID)
	if err := p.store.HSet(ctx, key, fields); err != nil {
		p.log.Warn().Err(err).Str("push_request_id", pushID).Msg("failed to record push request")
		return
	}
	// Push records are short-lived diagnostics.
	_ = p.store.Expire(ctx, key, 24*time.Hour)
}

func (p *Client) recordFailure(ctx context.Context, pushID, reason string) {
	p.record(ctx, pushID, map[string]string{
		"status":        "0",
		"failureReason": reason,
		"timestamp":     strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
}

func apnsReason(body io.Reader) string {
	var parsed struct {
		Reason string `json:"reason"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Reason != "" {
		return parsed.Reason
	}
	return string(raw)
}
