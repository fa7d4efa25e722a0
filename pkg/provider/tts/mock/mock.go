// Package mock provides a test double for the tts.Synthesizer interface.
//
// The mock consumes text fragments, splits them into words, and emits one
// audio frame and one progress Word per word, optionally paced by
// WordInterval. StopAtBoundary is honored between words, which makes the
// mock suitable for exercising interruption and resumption flows without a
// live provider.
//
// Example:
//
//	m := &mock.Synthesizer{WordInterval: 10 * time.Millisecond}
//	h, _ := m.Speak(ctx, textCh, voice)
//	h.StopAtBoundary()
//	<-h.Done()
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/crosstalk-ai/crosstalk/pkg/provider/tts"
)

// SpeakCall records a single invocation of Speak.
type SpeakCall struct {
	// Ctx is the context passed to Speak.
	Ctx context.Context
	// Voice is the VoiceProfile passed to Speak.
	Voice tts.VoiceProfile
	// Handle is the handle returned for this call.
	Handle *Handle
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// SpeakErr, if non-nil, is returned from Speak instead of starting a
	// synthesis.
	SpeakErr error

	// WordInterval paces word emission. Zero emits words immediately.
	WordInterval time.Duration

	// FailAfterWords, when > 0, terminates synthesis with FailErr once that
	// many words have been spoken.
	FailAfterWords int

	// FailErr is surfaced via Handle.Err when FailAfterWords triggers.
	FailErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SpeakCalls records every call to Speak in order.
	SpeakCalls []*SpeakCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// Speak records the call and, if SpeakErr is nil, starts a goroutine that
// consumes text and emits one word per fragment word.
func (s *Synthesizer) Speak(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Handle, error) {
	s.mu.Lock()
	if s.SpeakErr != nil {
		err := s.SpeakErr
		s.SpeakCalls = append(s.SpeakCalls, &SpeakCall{Ctx: ctx, Voice: voice})
		s.mu.Unlock()
		return nil, err
	}
	h := newHandle()
	s.SpeakCalls = append(s.SpeakCalls, &SpeakCall{Ctx: ctx, Voice: voice, Handle: h})
	interval, failAfter, failErr := s.WordInterval, s.FailAfterWords, s.FailErr
	s.mu.Unlock()

	go h.run(ctx, text, interval, failAfter, failErr)
	return h, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (s *Synthesizer) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListVoicesCalls++
	return s.ListVoicesResult, s.ListVoicesErr
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = nil
	s.ListVoicesCalls = 0
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// Handle is the mock tts.Handle. It records the fragments it consumed so
// tests can assert on the exact text handed to synthesis.
type Handle struct {
	audio    chan []byte
	progress chan tts.Word
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	err       error
	spoken    int
	fragments []string
}

var _ tts.Handle = (*Handle)(nil)

func newHandle() *Handle {
	return &Handle{
		audio:    make(chan []byte, 64),
		progress: make(chan tts.Word, 64),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

func (h *Handle) Audio() <-chan []byte      { return h.audio }
func (h *Handle) Progress() <-chan tts.Word { return h.progress }
func (h *Handle) Done() <-chan struct{}     { return h.done }

func (h *Handle) StopAtBoundary() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) SpokenWords() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spoken
}

// Consumed returns the text fragments read off the text channel so far.
// Stable once Done is closed.
func (h *Handle) Consumed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.fragments))
	copy(out, h.fragments)
	return out
}

// run consumes text fragments and emits words until the channel closes, a
// stop lands on a word boundary, or the configured failure triggers.
func (h *Handle) run(ctx context.Context, text <-chan string, interval time.Duration, failAfter int, failErr error) {
	finish := func(err error) {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.audio)
		close(h.progress)
		close(h.done)
	}

	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				finish(nil)
				return
			}
			h.mu.Lock()
			h.fragments = append(h.fragments, fragment)
			h.mu.Unlock()

			for _, word := range strings.Fields(fragment) {
				if interval > 0 {
					select {
					case <-time.After(interval):
					case <-h.stop:
						finish(nil)
						return
					case <-ctx.Done():
						finish(ctx.Err())
						return
					}
				}
				select {
				case <-h.stop:
					finish(nil)
					return
				case <-ctx.Done():
					finish(ctx.Err())
					return
				default:
				}

				h.mu.Lock()
				h.spoken++
				idx := h.spoken - 1
				fail := failAfter > 0 && h.spoken >= failAfter
				h.mu.Unlock()

				h.audio <- []byte(word)
				h.progress <- tts.Word{Text: word, Index: idx}
				if fail {
					finish(failErr)
					return
				}
			}
		case <-h.stop:
			finish(nil)
			return
		case <-ctx.Done():
			finish(ctx.Err())
			return
		}
	}
}
