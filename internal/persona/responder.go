package persona

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crosstalk-ai/crosstalk/pkg/provider/llm"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// ResponseRequest carries the context for one response generation.
type ResponseRequest struct {
	// History is the recent conversation window, formatted with
	// [FormatHistory].
	History []types.Message
}

// Responder generates an agent's spoken reply as a stream of complete
// sentences, so synthesis can start before generation finishes.
type Responder interface {
	// Respond starts generation and returns a channel of sentences. The
	// channel is closed when generation completes, fails, or ctx is
	// cancelled. A non-nil error means the stream never started.
	Respond(ctx context.Context, req ResponseRequest) (<-chan string, error)
}

// responsePreamble instructs the model to produce plain spoken dialogue.
const responsePreamble = `You are speaking aloud in a live conversation. ` +
	`Reply with only the words you say, as natural spoken dialogue. ` +
	`No stage directions, no markdown, no speaker prefix.`

// sentenceBuf is the buffer depth of the sentence channel. Sized to absorb a
// few sentences ahead of synthesis without blocking the forwarding goroutine.
const sentenceBuf = 16

// ResponderOption configures an [LLMResponder].
type ResponderOption func(*LLMResponder)

// WithResponderLogger sets the logger for stream diagnostics.
func WithResponderLogger(l *slog.Logger) ResponderOption {
	return func(r *LLMResponder) { r.log = l }
}

// WithMaxTokens bounds the generated reply length.
func WithMaxTokens(n int) ResponderOption {
	return func(r *LLMResponder) { r.maxTokens = n }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) ResponderOption {
	return func(r *LLMResponder) { r.temperature = t }
}

// LLMResponder streams sentence-segmented replies from an LLM for one
// persona. Safe for concurrent use.
type LLMResponder struct {
	provider    llm.Provider
	persona     Persona
	maxTokens   int
	temperature float64
	log         *slog.Logger
}

// NewResponder creates the responder for one persona.
func NewResponder(p llm.Provider, pers Persona, opts ...ResponderOption) *LLMResponder {
	r := &LLMResponder{
		provider:    p,
		persona:     pers,
		maxTokens:   256,
		temperature: 0.8,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Responder = (*LLMResponder)(nil)

// Respond starts a streaming completion and forwards complete sentences as
// they accumulate.
func (r *LLMResponder) Respond(ctx context.Context, req ResponseRequest) (<-chan string, error) {
	stream, err := r.provider.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: r.systemPrompt(),
		Messages:     req.History,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("persona: %s: start response stream: %w", r.persona.ID, err)
	}

	out := make(chan string, sentenceBuf)
	go r.forwardSentences(ctx, stream, out)
	return out, nil
}

func (r *LLMResponder) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(responsePreamble)
	sb.WriteString("\n\n[PERSONALITY]\nYou are ")
	sb.WriteString(r.persona.Name)
	sb.WriteString(". ")
	sb.WriteString(r.persona.SystemPrompt)
	return sb.String()
}

// forwardSentences reads token chunks from ch, accumulates them into complete
// sentences, and writes each sentence to out. Any text remaining when the
// stream ends is flushed as a final fragment.
func (r *LLMResponder) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, out chan<- string) {
	defer close(out)
	var buf strings.Builder
	first := true

	flush := func(s string) bool {
		if first {
			s = cleanSpoken(s)
			first = false
		}
		if s == "" {
			return true
		}
		select {
		case out <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				if buf.Len() > 0 {
					flush(buf.String())
				}
				return
			}
			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
			}

			// Flush complete sentences eagerly for lower synthesis latency.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				if !flush(sentence) {
					return
				}
			}

			if chunk.FinishReason != "" {
				if buf.Len() > 0 {
					flush(buf.String())
				}
				return
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character. Returns
// -1 if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// cleanSpoken strips a leading "Name:" prefix some models emit despite the
// instructions. Only the opening of a reply is checked.
func cleanSpoken(s string) string {
	const prefixWindow = 20
	head := s
	if len(head) > prefixWindow {
		head = head[:prefixWindow]
	}
	if idx := strings.Index(head, ":"); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return strings.TrimSpace(s)
}
