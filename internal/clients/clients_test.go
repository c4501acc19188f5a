package clients

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/store"
)

func testRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Connect(context.Background(), "redis://"+mr.Addr(), "t:", zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s, zerolog.Nop()), mr
}

func TestObserveLaunch(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh_onboarding", func(t *testing.T) {
		r, _ := testRegistry(t)
		rotated, c, err := r.ObserveLaunch(ctx, Launch{
			ClientID:    "C1",
			DeviceToken: "5431",
			LastSecret:  "5330",
			AppInfo:     "1.0 (100)",
		})
		if err != nil {
			t.Fatalf("ObserveLaunch: %v", err)
		}
		if !rotated {
			t.Fatal("fresh client must rotate")
		}
		if len(c.Secret) != 64 {
			t.Errorf("Secret = %q, want 64 hex chars", c.Secret)
		}
		if c.SecretIssuedAt != 0 {
			t.Errorf("SecretIssuedAt = %d, want 0 before acknowledgment", c.SecretIssuedAt)
		}
		if c.PushRequestID == "" {
			t.Error("missing push request id")
		}
		if c.LastSecret != "5330" {
			t.Errorf("LastSecret = %q, want received value", c.LastSecret)
		}

		// Acknowledgment closes the window.
		if err := r.Acknowledge(ctx, "C1", c.Secret); err != nil {
			t.Fatalf("Acknowledge: %v", err)
		}
		got, err := r.Get(ctx, "C1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.SecretIssuedAt == 0 {
			t.Error("SecretIssuedAt still 0 after acknowledgment")
		}
		if got.LastSecret != c.Secret {
			t.Errorf("LastSecret = %q, want the acknowledged secret", got.LastSecret)
		}
	})

	t.Run("unchanged_launch_does_not_rotate", func(t *testing.T) {
		r, _ := testRegistry(t)
		launch := Launch{ClientID: "C1", DeviceToken: "5431", LastSecret: "5330"}
		_, c1, err := r.ObserveLaunch(ctx, launch)
		if err != nil {
			t.Fatalf("ObserveLaunch: %v", err)
		}
		if err := r.Acknowledge(ctx, "C1", c1.Secret); err != nil {
			t.Fatalf("Acknowledge: %v", err)
		}

		// Same device token, same lastSecret as stored: no rotation.
		launch.LastSecret = c1.Secret
		rotated, c2, err := r.ObserveLaunch(ctx, launch)
		if err != nil {
			t.Fatalf("ObserveLaunch: %v", err)
		}
		// The stored lastSecret was already c1.Secret after ack, so nothing changed.
		if rotated {
			t.Error("unchanged launch rotated")
		}
		if c2.Secret != c1.Secret {
			t.Error("secret changed without rotation")
		}
		if c2.LastLaunch == 0 {
			t.Error("lastLaunch not stamped")
		}
	})

	t.Run("drift_self_corrects", func(t *testing.T) {
		r, _ := testRegistry(t)
		// Stored state: secret A acknowledged, lastSecret A.
		_, c, _ := r.ObserveLaunch(ctx, Launch{ClientID: "C1", DeviceToken: "01", LastSecret: "deadbeef"})
		r.Acknowledge(ctx, "C1", c.Secret)
		secretA := c.Secret

		// Client reinstalled into a different push environment: token differs.
		rotated, c, err := r.ObserveLaunch(ctx, Launch{ClientID: "C1", DeviceToken: "02", LastSecret: secretA})
		if err != nil {
			t.Fatalf("ObserveLaunch: %v", err)
		}
		if !rotated {
			t.Fatal("changed device token must rotate")
		}
		secretB := c.Secret
		if secretB == secretA {
			t.Fatal("rotation reused acknowledged secret")
		}
		if c.LastSecret != secretA {
			t.Errorf("LastSecret = %q, want prior secret", c.LastSecret)
		}
		r.Acknowledge(ctx, "C1", secretB)

		// Next launch posts the NEW secret as lastSecret; stored lastSecret
		// already matches after ack, so the state has stabilized.
		rotated, c, err = r.ObserveLaunch(ctx, Launch{ClientID: "C1", DeviceToken: "02", LastSecret: secretB})
		if err != nil {
			t.Fatalf("ObserveLaunch: %v", err)
		}
		if rotated {
			t.Error("stabilized state rotated again")
		}
		if c.Secret != secretB {
			t.Error("secret drifted after stabilization")
		}
	})

	t.Run("unacknowledged_secret_is_reused", func(t *testing.T) {
		r, _ := testRegistry(t)
		_, c1, _ := r.ObserveLaunch(ctx, Launch{ClientID: "C1", DeviceToken: "01", LastSecret: "00"})
		// No acknowledgment arrives; client relaunches with different lastSecret.
		rotated, c2, err := r.ObserveLaunch(ctx, Launch{ClientID: "C1", DeviceToken: "01", LastSecret: "ff"})
		if err != nil {
			t.Fatalf("ObserveLaunch: %v", err)
		}
		if !rotated {
			t.Fatal("changed record must report rotation")
		}
		if c2.Secret != c1.Secret {
			t.Error("unacknowledged secret should be reused, not reminted")
		}
		if c2.PushRequestID != c1.PushRequestID {
			t.Error("push request id should be reused for APNS de-duplication")
		}
	})

	t.Run("presence_flag_flip_forces_rotation", func(t *testing.T) {
		r, _ := testRegistry(t)
		launch := Launch{ClientID: "C1", DeviceToken: "01", LastSecret: "00"}
		_, c, _ := r.ObserveLaunch(ctx, launch)
		r.Acknowledge(ctx, "C1", c.Secret)
		launch.LastSecret = c.Secret

		if err := r.SetPresenceLogging(ctx, true); err != nil {
			t.Fatalf("SetPresenceLogging: %v", err)
		}
		rotated, c, err := r.ObserveLaunch(ctx, launch)
		if err != nil {
			t.Fatalf("ObserveLaunch: %v", err)
		}
		if !rotated {
			t.Error("server-side flag flip should look changed")
		}
		if !c.PresenceLogging {
			t.Error("presence flag not persisted on client")
		}
	})

	t.Run("missing_device_token_rejected", func(t *testing.T) {
		r, _ := testRegistry(t)
		_, _, err := r.ObserveLaunch(ctx, Launch{ClientID: "C1", LastSecret: "00"})
		if err != ErrNoDeviceToken {
			t.Errorf("err = %v, want ErrNoDeviceToken", err)
		}
	})
}

func TestSuppressDuplicate(t *testing.T) {
	ctx := context.Background()
	r, mr := testRegistry(t)

	dup, err := r.SuppressDuplicate(ctx, "C1", "5431")
	if err != nil {
		t.Fatalf("SuppressDuplicate: %v", err)
	}
	if dup {
		t.Error("first POST flagged as duplicate")
	}

	dup, err = r.SuppressDuplicate(ctx, "C1", "5431")
	if err != nil {
		t.Fatalf("SuppressDuplicate: %v", err)
	}
	if !dup {
		t.Error("second POST within window not flagged")
	}

	// A different token is a separate key.
	dup, _ = r.SuppressDuplicate(ctx, "C1", "9999")
	if dup {
		t.Error("different token flagged as duplicate")
	}

	// Window expires.
	mr.FastForward(time.Second)
	dup, _ = r.SuppressDuplicate(ctx, "C1", "5431")
	if dup {
		t.Error("expired window still flagged")
	}
}

func TestSetProfile(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	_, _, err := r.ObserveLaunch(ctx, Launch{ClientID: "C1", DeviceToken: "01", LastSecret: "00"})
	if err != nil {
		t.Fatalf("ObserveLaunch: %v", err)
	}
	if err := r.SetProfile(ctx, "C1", "P1"); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	c, _ := r.Get(ctx, "C1")
	if c.ProfileID != "P1" {
		t.Errorf("ProfileID = %q, want P1", c.ProfileID)
	}
}
