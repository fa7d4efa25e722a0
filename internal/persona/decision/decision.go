// Package decision classifies what a conversational agent should do after a
// finalized transcript segment: stay silent, start speaking, yield to an
// interrupter, resume an interrupted utterance, or leave.
//
// The classifier is deliberately fail-open toward silence. Anything the LLM
// returns outside the defined action set is treated as SKIP, so a confused
// model produces a quiet agent rather than one that talks over people.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crosstalk-ai/crosstalk/internal/observe"
	"github.com/crosstalk-ai/crosstalk/internal/persona"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/llm"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// Request carries everything a classifier needs for one decision.
type Request struct {
	// History is the recent conversation window, formatted with
	// persona.FormatHistory.
	History []types.Message

	// Speaking is true when the agent currently holds the floor. The legal
	// outcomes narrow to GETINTERRUPTED or SKIP.
	Speaking bool

	// Interrupted is true when the agent has a pending interrupted utterance.
	// RESUME becomes a legal outcome.
	Interrupted bool

	// Addressed is true when the triggering segment named this agent.
	Addressed bool
}

// Provider picks a turn-taking action for one agent. Implementations must be
// safe for concurrent use.
type Provider interface {
	Decide(ctx context.Context, req Request) (types.Decision, error)
}

// Parse maps a raw classifier reply to a Decision via
// [types.ParseDecision], additionally accepting RESPONSE and CONTINUE as
// aliases some models produce. ok is false when the reply is not a defined
// action; callers treat that as SKIP.
func Parse(raw string) (types.Decision, bool) {
	if d, ok := types.ParseDecision(raw); ok {
		return d, true
	}
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	switch s {
	case "RESPONSE":
		return types.DecisionRespond, true
	case "CONTINUE":
		return types.DecisionResume, true
	default:
		return types.DecisionSkip, false
	}
}

// systemPreamble instructs the model to answer with exactly one action token.
const systemPreamble = `You decide whether to speak in a live spoken conversation. ` +
	`You will see the recent conversation; each line is "speaker: text [STATE]" ` +
	`where STATE is EOI (finished), INTERRUPTED (cut off), or CONTINUE (resumed), ` +
	`and a leading "..." marks resumed speech. ` +
	`Reply with exactly one token and nothing else: ` +
	`[SKIP] to stay silent, [RESPOND] to start speaking, ` +
	`[GETINTERRUPTED] to yield if you are being talked over while speaking, ` +
	`[RESUME] to pick your interrupted sentence back up, ` +
	`[LEAVE] to exit the conversation for good.`

// defaultMaxTokens bounds the classifier reply. One action token fits easily.
const defaultMaxTokens = 8

// Option configures an [LLM] classifier.
type Option func(*LLM)

// WithLogger sets the logger for invalid-reply diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *LLM) { c.log = l }
}

// WithMetrics sets the metrics sink for the invalid-decision counter.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *LLM) { c.metrics = m }
}

// WithTemperature overrides the sampling temperature. Classifiers default to
// zero for repeatability.
func WithTemperature(t float64) Option {
	return func(c *LLM) { c.temperature = t }
}

// LLM is the LLM-backed [Provider]. One instance exists per persona.
type LLM struct {
	provider    llm.Provider
	persona     persona.Persona
	temperature float64
	log         *slog.Logger
	metrics     *observe.Metrics
}

// NewLLM creates the classifier for one persona.
func NewLLM(p llm.Provider, pers persona.Persona, opts ...Option) *LLM {
	c := &LLM{
		provider: p,
		persona:  pers,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Provider = (*LLM)(nil)

// Decide asks the model for an action token and parses it. Transport errors
// are returned to the caller; replies outside the action set degrade to SKIP
// and are counted.
func (c *LLM) Decide(ctx context.Context, req Request) (types.Decision, error) {
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.systemPrompt(req),
		Messages:     req.History,
		Temperature:  c.temperature,
		MaxTokens:    defaultMaxTokens,
	})
	if err != nil {
		return types.DecisionSkip, fmt.Errorf("decision: %s: %w", c.persona.ID, err)
	}
	if resp == nil {
		return types.DecisionSkip, fmt.Errorf("decision: %s: empty completion", c.persona.ID)
	}

	d, ok := Parse(resp.Content)
	if !ok {
		c.log.Warn("classifier reply outside action set, treating as SKIP",
			slog.String("agent_id", c.persona.ID),
			slog.String("reply", resp.Content),
		)
		if c.metrics != nil {
			c.metrics.InvalidDecisions.Add(ctx, 1)
		}
		return types.DecisionSkip, nil
	}
	return d, nil
}

// systemPrompt composes the action instructions, the persona personality, and
// the situation flags for this call.
func (c *LLM) systemPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(systemPreamble)
	sb.WriteString("\n\n[PERSONALITY]\nYou are ")
	sb.WriteString(c.persona.Name)
	sb.WriteString(". ")
	sb.WriteString(c.persona.SystemPrompt)

	sb.WriteString("\n\n[SITUATION]\n")
	switch {
	case req.Speaking:
		sb.WriteString("You are speaking right now and someone else has started talking. " +
			"Choose [GETINTERRUPTED] to yield or [SKIP] to keep the floor.")
	case req.Interrupted:
		sb.WriteString("You were interrupted mid-sentence and have unspoken words left. " +
			"[RESUME] finishes your sentence; [SKIP] lets it go.")
	default:
		sb.WriteString("You are listening.")
	}
	if req.Addressed {
		sb.WriteString(" The last speaker addressed you by name.")
	}
	return sb.String()
}
