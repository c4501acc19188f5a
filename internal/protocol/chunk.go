// Package protocol implements the pipe-delimited wire format shared with the
// mobile clients and the browser listener. Frames are plain strings: content
// chunks edit the whisperer's live line by character offset, control chunks
// carry presence and handshake traffic on the conversation's control channel.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Content chunk offsets. Non-negative offsets are text diffs applied at that
// character position in the live line.
const (
	OffsetNewline      = -1 // commit live line to past text
	OffsetPastText     = -2
	OffsetLiveText     = -3
	OffsetStartReread  = -4
	OffsetClearHistory = -6
	OffsetPlaySound    = -7
	OffsetPlaySpeech   = -8
)

// Control chunk offsets.
const (
	OffsetWhisperOffer  = -20
	OffsetListenRequest = -21
	OffsetListenAuthYes = -22
	OffsetListenAuthNo  = -23
	OffsetJoining       = -24
	OffsetDropping      = -25
	OffsetListenOffer   = -26
	OffsetRestart       = -27
	OffsetRequestReread = -40
)

var ErrMalformedChunk = errors.New("protocol: malformed chunk")

// ContentChunk is a single frame on a conversation's content channel.
type ContentChunk struct {
	Offset int
	Text   string
}

// IsDiff reports whether the chunk edits the live line (offset >= -1).
func (c ContentChunk) IsDiff() bool { return c.Offset >= OffsetNewline }

// Emit renders the chunk in wire form.
func (c ContentChunk) Emit() string {
	return strconv.Itoa(c.Offset) + "|" + c.Text
}

// ParseContent decodes a content chunk. Frames with an unrecognized negative
// offset or a non-numeric offset are rejected.
func ParseContent(frame string) (ContentChunk, error) {
	head, text, found := strings.Cut(frame, "|")
	if !found {
		return ContentChunk{}, fmt.Errorf("%w: no separator in %q", ErrMalformedChunk, frame)
	}
	offset, err := strconv.Atoi(head)
	if err != nil {
		return ContentChunk{}, fmt.Errorf("%w: bad offset in %q", ErrMalformedChunk, frame)
	}
	if offset < 0 && !knownContentOffset(offset) {
		return ContentChunk{}, fmt.Errorf("%w: unknown content offset %d", ErrMalformedChunk, offset)
	}
	return ContentChunk{Offset: offset, Text: text}, nil
}

func knownContentOffset(offset int) bool {
	switch offset {
	case OffsetNewline, OffsetPastText, OffsetLiveText, OffsetStartReread,
		OffsetClearHistory, OffsetPlaySound, OffsetPlaySpeech:
		return true
	}
	return false
}

// ControlChunk is a 7-field presence/handshake frame on the control channel.
type ControlChunk struct {
	Offset           int
	ConversationID   string
	ConversationName string
	ClientID         string
	ProfileID        string
	Username         string
	ContentID        string
}

const controlFieldCount = 7

// Emit renders the chunk in wire form. Field values must not contain pipes.
func (c ControlChunk) Emit() string {
	return strings.Join([]string{
		strconv.Itoa(c.Offset),
		c.ConversationID,
		c.ConversationName,
		c.ClientID,
		c.ProfileID,
		c.Username,
		c.ContentID,
	}, "|")
}

// ParseControl decodes a control chunk. Frames with the wrong field count or
// an unrecognized offset are rejected.
func ParseControl(frame string) (ControlChunk, error) {
	fields := strings.Split(frame, "|")
	if len(fields) != controlFieldCount {
		return ControlChunk{}, fmt.Errorf("%w: control chunk has %d fields, want %d", ErrMalformedChunk, len(fields), controlFieldCount)
	}
	offset, err := strconv.Atoi(fields[0])
	if err != nil {
		return ControlChunk{}, fmt.Errorf("%w: bad offset in %q", ErrMalformedChunk, frame)
	}
	if !knownControlOffset(offset) {
		return ControlChunk{}, fmt.Errorf("%w: unknown control offset %d", ErrMalformedChunk, offset)
	}
	return ControlChunk{
		Offset:           offset,
		ConversationID:   fields[1],
		ConversationName: fields[2],
		ClientID:         fields[3],
		ProfileID:        fields[4],
		Username:         fields[5],
		ContentID:        fields[6],
	}, nil
}

func knownControlOffset(offset int) bool {
	switch offset {
	case OffsetWhisperOffer, OffsetListenRequest, OffsetListenAuthYes,
		OffsetListenAuthNo, OffsetJoining, OffsetDropping,
		OffsetListenOffer, OffsetRestart, OffsetRequestReread:
		return true
	}
	return false
}
