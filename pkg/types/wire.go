package types

import (
	"fmt"
	"strings"
)

// ContinuationMarker is the leading ellipsis that denotes continuation of a
// previously interrupted utterance in the textual turn format.
const ContinuationMarker = "..."

// Turn is the serialized form of one finalized conversation segment:
//
//	speaker_id: text [EOI|INTERRUPTED|CONTINUE]
//
// A leading ellipsis on text denotes continuation. The markup is purely a
// serialization concern at the interface boundary — the state machine itself
// operates on [Chunk] and [Utterance] values.
type Turn struct {
	SpeakerID    string
	Text         string
	Boundary     Boundary
	Continuation bool
}

// FormatTurn renders t into the textual turn format consumed by the
// classifier and response generator.
func FormatTurn(t Turn) string {
	text := t.Text
	if t.Continuation && !strings.HasPrefix(text, ContinuationMarker) {
		text = ContinuationMarker + text
	}
	return fmt.Sprintf("%s: %s [%s]", t.SpeakerID, text, t.Boundary)
}

// ParseTurn parses a line in the textual turn format back into a [Turn].
// It is the inverse of [FormatTurn] for well-formed input.
func ParseTurn(line string) (Turn, error) {
	idx := strings.Index(line, ": ")
	if idx <= 0 {
		return Turn{}, fmt.Errorf("types: turn %q: missing speaker separator", line)
	}
	t := Turn{SpeakerID: line[:idx]}
	rest := line[idx+2:]

	open := strings.LastIndex(rest, " [")
	if open < 0 || !strings.HasSuffix(rest, "]") {
		return Turn{}, fmt.Errorf("types: turn %q: missing state tag", line)
	}
	tag := rest[open+2 : len(rest)-1]
	b, err := parseBoundaryTag(tag)
	if err != nil {
		return Turn{}, fmt.Errorf("types: turn %q: %w", line, err)
	}
	t.Boundary = b

	text := rest[:open]
	if strings.HasPrefix(text, ContinuationMarker) {
		t.Continuation = true
		text = strings.TrimPrefix(text, ContinuationMarker)
	}
	t.Text = text
	return t, nil
}

// parseBoundaryTag maps a wire state tag to its [Boundary].
func parseBoundaryTag(tag string) (Boundary, error) {
	switch tag {
	case "EOI":
		return BoundaryEndOfInput, nil
	case "INTERRUPTED":
		return BoundaryInterrupted, nil
	case "CONTINUE":
		return BoundaryContinue, nil
	case "NONE":
		return BoundaryNone, nil
	default:
		return BoundaryNone, fmt.Errorf("unknown state tag %q", tag)
	}
}
