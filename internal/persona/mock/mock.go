// Package mock provides a test double for persona.Responder.
package mock

import (
	"context"
	"sync"

	"github.com/crosstalk-ai/crosstalk/internal/persona"
)

// RespondCall records a single invocation of Respond.
type RespondCall struct {
	// Ctx is the context passed to Respond.
	Ctx context.Context
	// Req is the ResponseRequest passed to Respond.
	Req persona.ResponseRequest
}

// Responder is a mock implementation of persona.Responder. Each Respond call
// streams Sentences on a fresh channel and closes it.
type Responder struct {
	mu sync.Mutex

	// Sentences is the reply streamed by every Respond call.
	Sentences []string

	// Err, if non-nil, is returned from Respond instead of starting a stream.
	Err error

	// RespondCalls records every invocation in order.
	RespondCalls []RespondCall
}

// Respond records the call and returns a channel pre-loaded with Sentences.
func (r *Responder) Respond(ctx context.Context, req persona.ResponseRequest) (<-chan string, error) {
	r.mu.Lock()
	r.RespondCalls = append(r.RespondCalls, RespondCall{Ctx: ctx, Req: req})
	sentences := make([]string, len(r.Sentences))
	copy(sentences, r.Sentences)
	err := r.Err
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make(chan string, len(sentences))
	for _, s := range sentences {
		out <- s
	}
	close(out)
	return out, nil
}

// Calls returns a copy of the recorded invocations. Thread-safe.
func (r *Responder) Calls() []RespondCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RespondCall, len(r.RespondCalls))
	copy(out, r.RespondCalls)
	return out
}

// Ensure Responder implements persona.Responder at compile time.
var _ persona.Responder = (*Responder)(nil)
