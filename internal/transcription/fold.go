package transcription

import (
	"strings"

	"github.com/snarg/whisper-server/internal/metrics"
	"github.com/snarg/whisper-server/internal/protocol"
)

const idMarker = "id:"

// Fold replays a chronological content-chunk sequence into the final
// transcript text plus an error count. Items are either wire-form content
// chunks or "id:<messageId>" markers preceding a chunk written during a
// handoff overlap window.
//
// Chunks in a contiguous marked run are de-duplicated by message id, which
// collapses the double writes of a suspending and a resuming process into a
// single occurrence. The first unmarked chunk clears the seen set: markers
// only ever appear inside overlap windows, so ids cannot cause false
// de-duplication elsewhere.
func Fold(items []string) (string, int) {
	var past []string
	liveLine := ""
	errorCount := 0

	seen := map[string]bool{}
	pendingID := ""

	for _, item := range items {
		if strings.HasPrefix(item, idMarker) {
			pendingID = item[len(idMarker):]
			continue
		}

		if pendingID != "" {
			id := pendingID
			pendingID = ""
			if seen[id] {
				continue
			}
			seen[id] = true
		} else if len(seen) > 0 {
			seen = map[string]bool{}
		}

		chunk, err := protocol.ParseContent(item)
		if err != nil {
			errorCount++
			continue
		}

		switch {
		case chunk.Offset == protocol.OffsetPlaySound:
			// Not text.
		case chunk.Offset == protocol.OffsetNewline:
			past = append(past, liveLine)
			liveLine = ""
		case chunk.Offset == 0:
			liveLine = chunk.Text
		case chunk.Offset > 0:
			if chunk.Offset > len(liveLine) {
				liveLine += strings.Repeat("?", chunk.Offset-len(liveLine))
				errorCount++
			} else if chunk.Offset < len(liveLine) {
				liveLine = liveLine[:chunk.Offset]
			}
			liveLine += chunk.Text
		default:
			// Reserved non-diff offsets carry no transcript text.
			errorCount++
		}
	}

	if liveLine != "" {
		past = append(past, liveLine)
	}

	metrics.TranscriptFoldErrorsTotal.Add(float64(errorCount))
	return strings.Join(past, "\n"), errorCount
}
