package types

import (
	"strings"
	"time"
)

// Role classifies a participant's part in a conversation.
type Role string

const (
	// RolePlayer is a human speaker.
	RolePlayer Role = "player"

	// RoleAgent is an AI-driven conversational agent.
	RoleAgent Role = "agent"

	// RoleBystander is a participant within conversational range that is
	// neither the player nor an addressable agent.
	RoleBystander Role = "bystander"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RolePlayer, RoleAgent, RoleBystander:
		return true
	}
	return false
}

// Lifecycle is a participant's presence state. Only the session registry
// mutates it.
type Lifecycle int

const (
	// LifecycleNotPresent is the zero value — the participant has never joined.
	LifecycleNotPresent Lifecycle = iota

	// LifecycleJoined means the participant is within conversational range.
	LifecycleJoined

	// LifecycleListening means the participant is joined and not speaking.
	LifecycleListening

	// LifecycleSpeaking means the participant currently holds the floor.
	LifecycleSpeaking

	// LifecycleLeft means the participant has exited or been dismissed.
	LifecycleLeft
)

// String returns the human-readable name of the lifecycle state.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleNotPresent:
		return "not_present"
	case LifecycleJoined:
		return "joined"
	case LifecycleListening:
		return "listening"
	case LifecycleSpeaking:
		return "speaking"
	case LifecycleLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Boundary tags a [Chunk] with how the speaker's stream ended (or didn't).
type Boundary int

const (
	// BoundaryNone means the chunk is a mid-utterance increment.
	BoundaryNone Boundary = iota

	// BoundaryEndOfInput means the speaker finished their input naturally.
	BoundaryEndOfInput

	// BoundaryInterrupted means the chunk's stream was cut off by a
	// higher-priority signal.
	BoundaryInterrupted

	// BoundaryContinue marks the continuation chunk of a resumed utterance.
	BoundaryContinue
)

// String returns the wire tag for the boundary.
func (b Boundary) String() string {
	switch b {
	case BoundaryNone:
		return "NONE"
	case BoundaryEndOfInput:
		return "EOI"
	case BoundaryInterrupted:
		return "INTERRUPTED"
	case BoundaryContinue:
		return "CONTINUE"
	default:
		return "UNKNOWN"
	}
}

// Chunk is the smallest unit of transcribed or generated text. Chunks are
// immutable once emitted — revision coalescing happens in the segmenter
// before emission, never after.
type Chunk struct {
	// SpeakerID identifies the participant that produced this chunk.
	SpeakerID string

	// Text is the stable text increment this chunk carries.
	Text string

	// Boundary tags how the speaker's stream stands after this chunk.
	Boundary Boundary

	// Continuation is true when this chunk resumes a previously interrupted
	// utterance. Serialized as a leading ellipsis at the wire boundary.
	Continuation bool

	// Timestamp is when the underlying speech occurred.
	Timestamp time.Time

	// Sequence is the per-speaker emission counter. Chunks from the same
	// speaker carry strictly increasing sequence numbers.
	Sequence uint64
}

// UtteranceStatus is the terminal-state annotation of an [Utterance].
type UtteranceStatus int

const (
	// UtteranceOpen means the utterance is still receiving chunks.
	UtteranceOpen UtteranceStatus = iota

	// UtteranceComplete means the utterance reached end-of-input unharmed.
	UtteranceComplete

	// UtteranceInterrupted means the utterance was cut off and may be resumed.
	UtteranceInterrupted

	// UtteranceResumed means a previously interrupted utterance is continuing.
	UtteranceResumed

	// UtteranceAbandoned means the utterance will never complete.
	UtteranceAbandoned
)

// String returns the human-readable status name.
func (s UtteranceStatus) String() string {
	switch s {
	case UtteranceOpen:
		return "open"
	case UtteranceComplete:
		return "complete"
	case UtteranceInterrupted:
		return "interrupted"
	case UtteranceResumed:
		return "resumed"
	case UtteranceAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a status after which the utterance can never
// change again.
func (s UtteranceStatus) Terminal() bool {
	return s == UtteranceComplete || s == UtteranceAbandoned
}

// ValidTransition reports whether an utterance may move from one status to
// another. This is the single source of truth for the legal status path:
//
//	OPEN → {COMPLETE | INTERRUPTED | ABANDONED}
//	INTERRUPTED → {RESUMED | ABANDONED}
//	RESUMED → {COMPLETE | INTERRUPTED | ABANDONED}
//
// An interrupted utterance never reaches COMPLETE without passing through
// RESUMED. A resumed utterance may be interrupted again, re-entering the
// INTERRUPTED ↔ RESUMED loop.
func ValidTransition(from, to UtteranceStatus) bool {
	switch from {
	case UtteranceOpen:
		return to == UtteranceComplete || to == UtteranceInterrupted || to == UtteranceAbandoned
	case UtteranceInterrupted:
		return to == UtteranceResumed || to == UtteranceAbandoned
	case UtteranceResumed:
		return to == UtteranceComplete || to == UtteranceInterrupted || to == UtteranceAbandoned
	default:
		return false
	}
}

// Utterance is one continuous attempt by a participant to speak, possibly
// spanning an interruption and resumption. The dialogue manager is the sole
// writer of Status.
type Utterance struct {
	// ID uniquely identifies the utterance.
	ID string

	// SpeakerID identifies the owning participant.
	SpeakerID string

	// Chunks is the ordered sequence of text fragments.
	Chunks []Chunk

	// StartedAt is when the first chunk was produced.
	StartedAt time.Time

	// Status is the utterance's current (possibly terminal) status.
	Status UtteranceStatus
}

// Text joins the utterance's chunk texts with single spaces, skipping empty
// fragments.
func (u *Utterance) Text() string {
	parts := make([]string, 0, len(u.Chunks))
	for _, c := range u.Chunks {
		t := strings.TrimSpace(c.Text)
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Clone returns a deep copy of the utterance. Readers outside the dialogue
// manager operate on clones so the manager's copy is never shared.
func (u *Utterance) Clone() Utterance {
	cp := *u
	cp.Chunks = make([]Chunk, len(u.Chunks))
	copy(cp.Chunks, u.Chunks)
	return cp
}

// Decision is a classification outcome for one agent against one triggering
// chunk.
type Decision string

const (
	// DecisionSkip means keep listening; more input is expected.
	DecisionSkip Decision = "SKIP"

	// DecisionRespond means the agent should begin speaking.
	DecisionRespond Decision = "RESPOND"

	// DecisionGetInterrupted means the agent should yield to the new speaker.
	DecisionGetInterrupted Decision = "GETINTERRUPTED"

	// DecisionResume means the agent should continue its interrupted utterance.
	DecisionResume Decision = "RESUME"

	// DecisionLeave means the agent voluntarily exits the conversation.
	DecisionLeave Decision = "LEAVE"
)

// IsValid reports whether d is one of the defined decision actions.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionSkip, DecisionRespond, DecisionGetInterrupted, DecisionResume, DecisionLeave:
		return true
	}
	return false
}

// ParseDecision normalises a raw classifier response into a Decision. It
// accepts bare and bracketed forms ("RESPOND", "[respond]") with surrounding
// whitespace. Returns ok=false for anything outside the defined action set —
// callers treat that as SKIP.
func ParseDecision(raw string) (Decision, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	d := Decision(strings.ToUpper(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", false
	}
	return d, true
}
