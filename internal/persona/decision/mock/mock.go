// Package mock provides a deterministic test double for decision.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/crosstalk-ai/crosstalk/internal/persona/decision"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// DecideCall records a single invocation of Decide.
type DecideCall struct {
	// Ctx is the context passed to Decide.
	Ctx context.Context
	// Req is the Request passed to Decide.
	Req decision.Request
}

// Provider is a mock implementation of decision.Provider.
//
// Decisions, when non-empty, is consumed front to back by successive Decide
// calls. Once exhausted (or when empty), Decide returns Default, which
// zero-values to SKIP.
type Provider struct {
	mu sync.Mutex

	// Decisions is the scripted sequence of outcomes.
	Decisions []types.Decision

	// Default is returned once Decisions is exhausted. The zero value is
	// treated as SKIP.
	Default types.Decision

	// Err, if non-nil, is returned by every Decide call.
	Err error

	// Block, when set, makes Decide wait until the context is done before
	// returning, to exercise classifier deadline handling.
	Block bool

	// DecideCalls records every invocation in order.
	DecideCalls []DecideCall
}

// Decide records the call and returns the next scripted decision.
func (p *Provider) Decide(ctx context.Context, req decision.Request) (types.Decision, error) {
	p.mu.Lock()
	p.DecideCalls = append(p.DecideCalls, DecideCall{Ctx: ctx, Req: req})
	block, err := p.Block, p.Err
	var d types.Decision
	if len(p.Decisions) > 0 {
		d = p.Decisions[0]
		p.Decisions = p.Decisions[1:]
	} else if p.Default != "" {
		d = p.Default
	} else {
		d = types.DecisionSkip
	}
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return types.DecisionSkip, ctx.Err()
	}
	if err != nil {
		return types.DecisionSkip, err
	}
	return d, nil
}

// Calls returns a copy of the recorded invocations. Thread-safe.
func (p *Provider) Calls() []DecideCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DecideCall, len(p.DecideCalls))
	copy(out, p.DecideCalls)
	return out
}

// Ensure Provider implements decision.Provider at compile time.
var _ decision.Provider = (*Provider)(nil)
