// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// A synthesizer wraps a speech synthesis service (e.g., ElevenLabs or a local
// Piper instance) and presents a uniform streaming interface. Speak accepts a
// channel of text fragments so generated text can be piped into synthesis as
// it arrives, and returns a Handle that reports word-level delivery progress
// and supports halting output at the next word boundary. Word-level control
// is what lets an interruption cut a speaker off cleanly mid-sentence and
// later resume from the exact unspoken remainder.
//
// Implementations must be safe for concurrent use. Multiple utterances may be
// synthesized in parallel (one per speaking participant).
package tts

import "context"

// Word is one word whose audio has been fully delivered.
type Word struct {
	// Text is the spoken word, without surrounding whitespace.
	Text string

	// Index is the zero-based position of the word within the utterance.
	Index int
}

// Handle represents one in-flight synthesis. It is an interface so that test
// code can provide mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use.
type Handle interface {
	// Audio returns a read-only channel emitting raw PCM byte slices as they
	// are synthesized. The channel is closed when synthesis completes, is
	// stopped, or fails. The caller must drain it to avoid blocking the
	// provider's internal goroutines.
	Audio() <-chan []byte

	// Progress returns a read-only channel emitting one Word per word whose
	// audio has been delivered, in utterance order. Closed together with
	// Audio.
	Progress() <-chan Word

	// StopAtBoundary halts output at the next word boundary. Audio for the
	// word currently being delivered still flushes; everything after it is
	// discarded. Idempotent and safe to call at any time.
	StopAtBoundary()

	// Done returns a channel that is closed once the handle has fully
	// terminated, whether by completion, stop, or failure.
	Done() <-chan struct{}

	// Err returns the synthesis failure, if any. Valid after Done is closed.
	// A StopAtBoundary halt is a clean termination and returns nil.
	Err() error

	// SpokenWords returns the number of words delivered so far. After Done
	// it is the authoritative count for computing the unspoken remainder.
	SpokenWords() int
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Speak starts synthesizing the text fragments arriving on text with the
	// given voice. Fragments are synthesized in order; closing the text
	// channel marks end of input. Returns a non-nil error only if the stream
	// cannot be started; failures during synthesis surface via Handle.Err.
	Speak(ctx context.Context, text <-chan string, voice VoiceProfile) (Handle, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
