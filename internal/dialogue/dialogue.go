// Package dialogue implements the turn-taking state machine for one
// conversation thread. A single manager goroutine consumes every input the
// system produces (transcript chunks, classifier verdicts, playback
// lifecycle events, abandon timers) from one queue, so state transitions for
// a thread are totally ordered and never applied concurrently.
//
// Each agent walks a small per-agent machine:
//
//	IDLE → LISTENING → SPEAKING → INTERRUPTED → RESUMING → SPEAKING
//
// Decisions come from the agent's [decision.Provider] and are requested at
// most once per agent per finalized segment. A classifier that times out or
// answers outside the decision set degrades to SKIP, so a broken model
// silences an agent instead of making it talk over everyone.
package dialogue

import (
	"errors"
	"time"
)

// Defaults for the manager's timing knobs.
const (
	// DefaultClassifierTimeout bounds one turn-taking decision. A verdict
	// that misses the deadline counts as SKIP.
	DefaultClassifierTimeout = 2 * time.Second

	// DefaultAbandonTimeout is how long an interrupted utterance waits for a
	// RESUME before it is forced to ABANDONED and its remainder discarded.
	DefaultAbandonTimeout = 30 * time.Second

	// DefaultHistoryWindow is how many conversation log entries are handed
	// to classifiers and responders as context.
	DefaultHistoryWindow = 12
)

var (
	// ErrNotRunning is returned by manager commands before Run has started
	// or after it has returned.
	ErrNotRunning = errors.New("dialogue: manager is not running")

	// ErrUnknownAgent is returned when an operation targets an agent id
	// without a registered runtime.
	ErrUnknownAgent = errors.New("dialogue: unknown agent")
)

// AgentState is one agent's position in the turn-taking machine.
type AgentState int

const (
	// StateIdle means the agent is joined but has not heard anything yet,
	// or has left the thread.
	StateIdle AgentState = iota

	// StateListening means the agent is tracking the conversation and may
	// be asked for a decision on the next finalized segment.
	StateListening

	// StateSpeaking means the agent holds the floor with an open utterance.
	StateSpeaking

	// StateInterrupted means the agent yielded mid-utterance and holds an
	// unspoken remainder awaiting RESUME or the abandon timer.
	StateInterrupted

	// StateResuming is the transient hop between a RESUME verdict and the
	// continuation playback starting.
	StateResuming
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateResuming:
		return "RESUMING"
	default:
		return "UNKNOWN"
	}
}
