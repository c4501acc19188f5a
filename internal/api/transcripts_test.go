package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/snarg/whisper-server/internal/conversations"
	"github.com/snarg/whisper-server/internal/transcription"
)

// finalizeTranscript runs a short whisper session through the engine so the
// store holds a finalized transcript for CONV.
func finalizeTranscript(t *testing.T, env *testEnv, whispererID string) transcription.Transcript {
	t.Helper()
	ctx := context.Background()
	tr, err := env.engine.Start(ctx, whispererID, "CONV", "CONTENT", "UTC")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	contentKey := env.store.Key("tcp:", tr.ContentKey)
	for _, chunk := range []string{"0|Hello", "5| world"} {
		if err := env.store.LPush(ctx, contentKey, chunk); err != nil {
			t.Fatalf("LPush: %v", err)
		}
	}
	env.engine.Terminate(ctx, tr.ID)

	got, err := env.engine.LoadTranscript(ctx, tr.ID)
	if err != nil || !got.Finalized {
		t.Fatalf("transcript not finalized: %+v err=%v", got, err)
	}
	return got
}

func TestListTranscripts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, bearer := env.onboardClient("C1")

	if err := env.clients.SetProfile(ctx, "C1", "P1"); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	err := env.conversations.Upsert(ctx, conversations.Conversation{
		ID: "CONV", Name: "Chat", OwnerProfileID: "P1",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	tr := finalizeTranscript(t, env, "C1")

	t.Run("owner_lists", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/api/v2/listTranscripts/C1/CONV", nil,
			map[string]string{"Authorization": "Bearer " + bearer})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		out := decodeBody[[]transcriptSummary](t, resp)
		if len(out) != 1 || out[0].ID != tr.ID {
			t.Fatalf("list = %+v, want the finalized transcript", out)
		}
		if out[0].Length != len("Hello world") {
			t.Errorf("length = %d, want %d", out[0].Length, len("Hello world"))
		}
	})

	t.Run("non_owner_forbidden", func(t *testing.T) {
		_, otherBearer := env.onboardClient("C2")
		resp := env.do(http.MethodGet, "/api/v2/listTranscripts/C2/CONV", nil,
			map[string]string{"Authorization": "Bearer " + otherBearer})
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("unauthenticated_forbidden", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/api/v2/listTranscripts/C1/CONV", nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})
}

func TestTranscriptPage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.conversations.Upsert(ctx, conversations.Conversation{
		ID: "CONV", Name: "Town Hall", OwnerProfileID: "P1",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	tr := finalizeTranscript(t, env, "C1")

	t.Run("renders", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/transcript/CONV/"+tr.ID, nil, nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		page, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(page), "Hello world") {
			t.Error("page missing transcription text")
		}
		if !strings.Contains(string(page), "Town Hall") {
			t.Error("page missing conversation name")
		}
	})

	t.Run("wrong_conversation_404", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/transcript/OTHER/"+tr.ID, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("unknown_transcript_404", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/transcript/CONV/nope", nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestListenFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.conversations.Upsert(ctx, conversations.Conversation{
		ID: "CONV", Name: "Town Hall", OwnerProfileID: "P1",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := env.profiles.UpsertName(ctx, "P1", "Pat"); err != nil {
		t.Fatalf("UpsertName: %v", err)
	}

	resp := env.do(http.MethodGet, "/listen/CONV", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("landing status = %d, want 200", resp.StatusCode)
	}
	cookies := resp.Cookies()
	byName := map[string]string{}
	var session *http.Cookie
	for _, c := range cookies {
		byName[c.Name] = c.Value
		if c.Name == "whisperSession" {
			session = c
		}
	}
	if session == nil {
		t.Fatal("landing did not set the session cookie")
	}
	// Display values travel percent-encoded so the browser's
	// decodeURIComponent round-trips spaces and punctuation intact.
	if byName["conversationName"] != "Town%20Hall" || byName["whispererName"] != "Pat" {
		t.Errorf("display cookies = %v", byName)
	}
	if byName["clientId"] == "" {
		t.Error("landing did not assign a client id")
	}

	t.Run("token_request_with_session", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v2/listenTokenRequest", nil)
		req.AddCookie(session)
		resp, err := env.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		out := decodeBody[tokenResponse](t, resp)
		if out.Status != "success" || out.TokenRequest == "" {
			t.Errorf("response = %+v", out)
		}
	})

	t.Run("token_request_without_session", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/api/v2/listenTokenRequest", nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("unknown_conversation_404", func(t *testing.T) {
		resp := env.do(http.MethodGet, "/listen/nope", nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestHealthAndDiagnostics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody[map[string]string](t, resp)
	if out["status"] != "ok" {
		t.Errorf("health = %v", out)
	}

	for _, path := range []string{"/logPresenceChunk", "/logAnomaly", "/logChannelEvent"} {
		resp := env.do(http.MethodPost, path, map[string]any{"clientId": "C1", "detail": "x"}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("%s status = %d, want 204", path, resp.StatusCode)
		}
	}
}
