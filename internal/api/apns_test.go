package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"testing"
)

func TestAPNSTokenFreshOnboarding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.do(http.MethodPost, "/api/v2/apnsToken", map[string]any{
		"clientId":   "C1",
		"token":      b64("T1"),
		"lastSecret": b64("S0"),
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	pushes := env.apns.pushes()
	if len(pushes) != 1 {
		t.Fatalf("apns pushes = %d, want 1", len(pushes))
	}
	c, err := env.clients.Get(ctx, "C1")
	if err != nil {
		t.Fatalf("client not stored: %v", err)
	}
	if c.DeviceToken != hex.EncodeToString([]byte("T1")) {
		t.Errorf("device token = %q, want hex of T1", c.DeviceToken)
	}
	if pushes[0].DeviceToken != c.DeviceToken {
		t.Errorf("push went to %q, want %q", pushes[0].DeviceToken, c.DeviceToken)
	}
	if pushes[0].PushID != c.PushRequestID {
		t.Errorf("apns-id = %q, want stored push request id %q", pushes[0].PushID, c.PushRequestID)
	}
	raw, err := base64.StdEncoding.DecodeString(pushes[0].SecretB64)
	if err != nil {
		t.Fatalf("pushed secret is not base64: %v", err)
	}
	if hex.EncodeToString(raw) != c.Secret {
		t.Error("pushed secret does not match stored secret")
	}
	if c.SecretIssuedAt != 0 {
		t.Errorf("secretIssuedAt = %d before acknowledgment, want 0", c.SecretIssuedAt)
	}

	t.Run("acknowledgment_closes_window", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v2/apnsReceivedNotification", map[string]any{
			"clientId":   "C1",
			"lastSecret": pushes[0].SecretB64,
		}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", resp.StatusCode)
		}
		c, _ := env.clients.Get(ctx, "C1")
		if c.SecretIssuedAt == 0 {
			t.Error("secretIssuedAt still 0 after acknowledgment")
		}
		if c.LastSecret != c.Secret {
			t.Errorf("lastSecret = %q, want acknowledged secret", c.LastSecret)
		}
	})
}

func TestAPNSTokenDuplicateAbsorbed(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{
		"clientId":   "C1",
		"token":      b64("T1"),
		"lastSecret": b64("S0"),
	}

	resp := env.do(http.MethodPost, "/api/v2/apnsToken", body, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("first status = %d, want 204", resp.StatusCode)
	}

	resp = env.do(http.MethodPost, "/api/v2/apnsToken", body, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("X-Received-Earlier") != "1" {
		t.Error("duplicate POST missing X-Received-Earlier marker")
	}
	if n := len(env.apns.pushes()); n != 1 {
		t.Errorf("apns pushes = %d, want duplicate absorbed", n)
	}
}

func TestAPNSTokenBadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing_client_id", map[string]any{"token": b64("T1")}},
		{"missing_token", map[string]any{"clientId": "C1"}},
		{"bad_base64_token", map[string]any{"clientId": "C1", "token": "not base64!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(http.MethodPost, "/api/v2/apnsToken", tt.body, nil)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if n := len(env.apns.pushes()); n != 0 {
		t.Errorf("apns pushes = %d after rejected input, want 0", n)
	}
}

func TestAPNSAcknowledgeUnknownClient(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/api/v2/apnsReceivedNotification", map[string]any{
		"clientId":   "ghost",
		"lastSecret": b64("x"),
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
