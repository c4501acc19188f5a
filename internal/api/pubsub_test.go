package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/snarg/whisper-server/internal/auth"
)

func TestPubSubTokenRequestPublish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, bearer := env.onboardClient("C1")

	body := map[string]any{
		"clientId":         "C1",
		"activity":         "publish",
		"conversationId":   "CONV",
		"contentId":        "CONTENT",
		"profileId":        "P1",
		"conversationName": "Morning chat",
		"username":         "Pat",
		"transcribe":       "yes",
		"tzId":             "America/Chicago",
	}
	hdr := map[string]string{"Authorization": "Bearer " + bearer}

	t.Run("requires_bearer", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v2/pubSubTokenRequest", body, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("first_claim_runs_side_effects", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v2/pubSubTokenRequest", body, hdr)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		out := decodeBody[tokenResponse](t, resp)
		if out.Status != "success" || out.TokenRequest == "" {
			t.Fatalf("response = %+v", out)
		}
		var req map[string]any
		if err := json.Unmarshal([]byte(out.TokenRequest), &req); err != nil {
			t.Fatalf("tokenRequest is not JSON: %v", err)
		}
		if req["clientId"] != "C1" {
			t.Errorf("token clientId = %v, want C1", req["clientId"])
		}

		conv, err := env.conversations.Get(ctx, "CONV")
		if err != nil {
			t.Fatalf("conversation not created: %v", err)
		}
		if conv.OwnerProfileID != "P1" || conv.Name != "Morning chat" {
			t.Errorf("conversation = %+v", conv)
		}
		p, err := env.profiles.Get(ctx, "P1")
		if err != nil || p.Name != "Pat" {
			t.Errorf("profile name = %q err = %v, want Pat", p.Name, err)
		}
		if env.engine.ActiveCount() != 1 {
			t.Errorf("ActiveCount = %d, want transcription started", env.engine.ActiveCount())
		}
	})

	t.Run("second_claim_is_renewal", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/api/v2/pubSubTokenRequest", body, hdr)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		resp.Body.Close()
		if env.engine.ActiveCount() != 1 {
			t.Errorf("ActiveCount = %d after renewal, want still 1", env.engine.ActiveCount())
		}
	})

	t.Run("second_device_ends_prior_session", func(t *testing.T) {
		_, bearer2 := env.onboardClient("C2")
		body2 := map[string]any{
			"clientId":       "C2",
			"activity":       "publish",
			"conversationId": "CONV2",
			"contentId":      "CONTENT2",
			"profileId":      "P1",
			"transcribe":     "yes",
			"tzId":           "America/Chicago",
		}
		resp := env.do(http.MethodPost, "/api/v2/pubSubTokenRequest", body2,
			map[string]string{"Authorization": "Bearer " + bearer2})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		// C1 and C2 share profile P1, so C1's transcription ends when C2's
		// session starts.
		if env.engine.ActiveCount() != 1 {
			t.Errorf("ActiveCount = %d, want prior device's worker gone", env.engine.ActiveCount())
		}
	})

	t.Run("invalid_activity", func(t *testing.T) {
		bad := map[string]any{}
		for k, v := range body {
			bad[k] = v
		}
		bad["activity"] = "broadcast"
		resp := env.do(http.MethodPost, "/api/v2/pubSubTokenRequest", bad, hdr)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestPubSubTokenRequestSubscribe(t *testing.T) {
	env := newTestEnv(t)
	_, bearer := env.onboardClient("L1")

	resp := env.do(http.MethodPost, "/api/v2/pubSubTokenRequest", map[string]any{
		"clientId":       "L1",
		"activity":       "subscribe",
		"conversationId": "CONV",
	}, map[string]string{"Authorization": "Bearer " + bearer})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody[tokenResponse](t, resp)
	if out.Status != "success" || out.TokenRequest == "" {
		t.Fatalf("response = %+v", out)
	}

	var req struct {
		Capability string `json:"capability"`
	}
	if err := json.Unmarshal([]byte(out.TokenRequest), &req); err != nil {
		t.Fatalf("tokenRequest is not JSON: %v", err)
	}
	var caps map[string][]string
	if err := json.Unmarshal([]byte(req.Capability), &caps); err != nil {
		t.Fatalf("capability is not JSON: %v", err)
	}
	if _, ok := caps["CONV:*"]; !ok {
		t.Errorf("capability = %v, want wildcard subscribe on CONV", caps)
	}
}

func TestPubSubTokenRequestWrongKey(t *testing.T) {
	env := newTestEnv(t)
	env.onboardClient("C1")

	// Token signed with a secret the server never issued.
	other := "6464646464646464646464646464646464646464646464646464646464646464"
	badBearer, err := auth.CreateClientToken("C1", other)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp := env.do(http.MethodPost, "/api/v2/pubSubTokenRequest", map[string]any{
		"clientId":       "C1",
		"activity":       "subscribe",
		"conversationId": "CONV",
	}, map[string]string{"Authorization": "Bearer " + badBearer})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}
