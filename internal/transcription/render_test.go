package transcription

import (
	"strings"
	"testing"
	"time"
)

func TestRenderHTML(t *testing.T) {
	tr := Transcript{
		TimeZoneID:    "America/Chicago",
		StartTime:     time.Date(2025, 3, 9, 18, 30, 0, 0, time.UTC).UnixMilli(),
		Duration:      (4*time.Minute + 12*time.Second).Milliseconds(),
		Transcription: "Hello everyone\nwelcome back\n\nLet's get started",
		Finalized:     true,
	}

	html, err := RenderHTML(tr, "Team <standup>")
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}

	if !strings.Contains(html, "Team &lt;standup&gt;") {
		t.Error("conversation name not escaped into page")
	}
	// 18:30 UTC on March 9 2025 is 1:30 PM CDT.
	if !strings.Contains(html, "March 9, 2025 at 1:30 PM CDT") {
		t.Errorf("start time not localized; page: %s", html)
	}
	if !strings.Contains(html, "4 minutes 12 seconds") {
		t.Error("duration not humanized")
	}
	if got := strings.Count(html, "<p>"); got != 2 {
		t.Errorf("paragraph count = %d, want 2", got)
	}
	if !strings.Contains(html, "Hello everyone<br>welcome back") {
		t.Error("lines within a paragraph not joined with breaks")
	}
}

func TestRenderHTMLUnknownZoneFallsBack(t *testing.T) {
	tr := Transcript{
		TimeZoneID:    "Not/AZone",
		StartTime:     time.Date(2025, 3, 9, 18, 30, 0, 0, time.UTC).UnixMilli(),
		Duration:      1500,
		Transcription: "hi",
		Finalized:     true,
	}
	html, err := RenderHTML(tr, "c")
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	if !strings.Contains(html, "6:30 PM UTC") {
		t.Error("unknown zone should fall back to UTC")
	}
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "less than a second"},
		{999 * time.Millisecond, "less than a second"},
		{time.Second, "1 second"},
		{90 * time.Second, "1 minute 30 seconds"},
		{time.Hour + 5*time.Minute, "1 hour 5 minutes"},
		{2 * time.Hour, "2 hours"},
	}
	for _, tt := range tests {
		if got := humanDuration(tt.d); got != tt.want {
			t.Errorf("humanDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
