package resilience

import (
	"context"

	"github.com/crosstalk-ai/crosstalk/pkg/provider/tts"
)

// TTSFallback implements [tts.Synthesizer] with automatic failover across
// multiple TTS backends. Each backend has its own circuit breaker. Failover
// covers only stream setup; once a Handle is returned, synthesis failures
// surface through Handle.Err and are handled by the utterance scheduler.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

// Compile-time interface assertion.
var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS synthesizer as a fallback.
func (f *TTSFallback) AddFallback(name string, synth tts.Synthesizer) {
	f.group.AddFallback(name, synth)
}

// Speak starts synthesis against the first healthy backend. If the primary
// cannot start the stream, subsequent fallbacks are tried with the same text
// channel; the channel is only consumed by the backend that succeeds.
func (f *TTSFallback) Speak(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Handle, error) {
	return ExecuteWithResult(f.group, func(p tts.Synthesizer) (tts.Handle, error) {
		return p.Speak(ctx, text, voice)
	})
}

// ListVoices returns available voices from the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Synthesizer) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
