package transcription

import (
	"fmt"
	"html/template"
	"strings"
	"time"
)

var transcriptPage = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Transcript of {{.ConversationName}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; max-width: 40em; margin: 2em auto; padding: 0 1em; color: #222; }
h1 { font-size: 1.4em; }
.meta { color: #666; margin-bottom: 2em; }
p { line-height: 1.5; }
</style>
</head>
<body>
<h1>Transcript of &ldquo;{{.ConversationName}}&rdquo;</h1>
<div class="meta">{{.StartTime}} &middot; {{.Duration}}</div>
{{range .Paragraphs}}<p>{{range $i, $line := .}}{{if $i}}<br>{{end}}{{$line}}{{end}}</p>
{{end}}</body>
</html>
`))

type pageData struct {
	ConversationName string
	StartTime        string
	Duration         string
	Paragraphs       [][]string
}

// RenderHTML produces the standalone transcript page: start time localized to
// the session's IANA zone, a human-readable duration, and the transcription
// body with empty lines producing paragraph breaks.
func RenderHTML(t Transcript, conversationName string) (string, error) {
	loc, err := time.LoadLocation(t.TimeZoneID)
	if err != nil || t.TimeZoneID == "" {
		loc = time.UTC
	}
	start := time.UnixMilli(t.StartTime).In(loc)

	data := pageData{
		ConversationName: conversationName,
		StartTime:        start.Format("January 2, 2006 at 3:04 PM MST"),
		Duration:         humanDuration(time.Duration(t.Duration) * time.Millisecond),
		Paragraphs:       paragraphs(t.Transcription),
	}

	var b strings.Builder
	if err := transcriptPage.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// paragraphs splits the transcription into groups of lines separated by
// empty lines.
func paragraphs(text string) [][]string {
	var out [][]string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			if len(current) > 0 {
				out = append(out, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

func humanDuration(d time.Duration) string {
	if d < time.Second {
		return "less than a second"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	var parts []string
	if h > 0 {
		parts = append(parts, plural(h, "hour"))
	}
	if m > 0 {
		parts = append(parts, plural(m, "minute"))
	}
	if s > 0 && h == 0 {
		parts = append(parts, plural(s, "second"))
	}
	return strings.Join(parts, " ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
