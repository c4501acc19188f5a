package protocol

import "testing"

func TestParseContent(t *testing.T) {
	t.Run("diff_chunk", func(t *testing.T) {
		c, err := ParseContent("5| wor")
		if err != nil {
			t.Fatalf("ParseContent: %v", err)
		}
		if c.Offset != 5 || c.Text != " wor" {
			t.Errorf("chunk = %+v", c)
		}
		if !c.IsDiff() {
			t.Error("offset 5 should be a diff")
		}
	})

	t.Run("newline", func(t *testing.T) {
		c, err := ParseContent("-1|")
		if err != nil {
			t.Fatalf("ParseContent: %v", err)
		}
		if c.Offset != OffsetNewline || c.Text != "" {
			t.Errorf("chunk = %+v", c)
		}
		if !c.IsDiff() {
			t.Error("newline counts as a diff chunk")
		}
	})

	t.Run("text_with_pipes", func(t *testing.T) {
		c, err := ParseContent("0|a|b|c")
		if err != nil {
			t.Fatalf("ParseContent: %v", err)
		}
		if c.Text != "a|b|c" {
			t.Errorf("Text = %q, want a|b|c", c.Text)
		}
	})

	t.Run("reserved_offsets", func(t *testing.T) {
		for _, off := range []int{-2, -3, -4, -6, -7, -8} {
			c := ContentChunk{Offset: off, Text: "x"}
			got, err := ParseContent(c.Emit())
			if err != nil {
				t.Errorf("offset %d rejected: %v", off, err)
			}
			if got != c {
				t.Errorf("round-trip %d: got %+v", off, got)
			}
			if got.IsDiff() {
				t.Errorf("offset %d should not be a diff", off)
			}
		}
	})

	t.Run("rejects_unknown_negative", func(t *testing.T) {
		for _, frame := range []string{"-5|x", "-9|x", "-20|x", "-100|"} {
			if _, err := ParseContent(frame); err == nil {
				t.Errorf("expected rejection of %q", frame)
			}
		}
	})

	t.Run("rejects_malformed", func(t *testing.T) {
		for _, frame := range []string{"", "nope", "abc|x", "1.5|x"} {
			if _, err := ParseContent(frame); err == nil {
				t.Errorf("expected rejection of %q", frame)
			}
		}
	})
}

func TestContentRoundTrip(t *testing.T) {
	chunks := []ContentChunk{
		{Offset: 0, Text: "Hello"},
		{Offset: 42, Text: ""},
		{Offset: OffsetNewline, Text: ""},
		{Offset: OffsetPlaySound, Text: "chime"},
	}
	for _, c := range chunks {
		got, err := ParseContent(c.Emit())
		if err != nil {
			t.Errorf("round-trip %+v: %v", c, err)
			continue
		}
		if got != c {
			t.Errorf("round-trip %+v: got %+v", c, got)
		}
	}
}

func TestParseControl(t *testing.T) {
	t.Run("dropping", func(t *testing.T) {
		c, err := ParseControl("-25|conv1|Standup|cli1|pro1|Dana|cont1")
		if err != nil {
			t.Fatalf("ParseControl: %v", err)
		}
		want := ControlChunk{
			Offset:           OffsetDropping,
			ConversationID:   "conv1",
			ConversationName: "Standup",
			ClientID:         "cli1",
			ProfileID:        "pro1",
			Username:         "Dana",
			ContentID:        "cont1",
		}
		if c != want {
			t.Errorf("chunk = %+v, want %+v", c, want)
		}
	})

	t.Run("round_trip_all_offsets", func(t *testing.T) {
		for _, off := range []int{-20, -21, -22, -23, -24, -25, -26, -27, -40} {
			c := ControlChunk{Offset: off, ConversationID: "cv", ClientID: "cl"}
			got, err := ParseControl(c.Emit())
			if err != nil {
				t.Errorf("offset %d rejected: %v", off, err)
				continue
			}
			if got != c {
				t.Errorf("round-trip %d: got %+v", off, got)
			}
		}
	})

	t.Run("rejects_wrong_field_count", func(t *testing.T) {
		for _, frame := range []string{"-25|conv1", "-25|a|b|c|d|e|f|g", "-25||||||extra|"} {
			if _, err := ParseControl(frame); err == nil {
				t.Errorf("expected rejection of %q", frame)
			}
		}
	})

	t.Run("rejects_unknown_offset", func(t *testing.T) {
		for _, frame := range []string{"-1|a|b|c|d|e|f", "-28|a|b|c|d|e|f", "0|a|b|c|d|e|f", "x|a|b|c|d|e|f"} {
			if _, err := ParseControl(frame); err == nil {
				t.Errorf("expected rejection of %q", frame)
			}
		}
	})
}
