// Package schedule drives text-to-speech playback for speaking agents.
//
// The [Scheduler] sits between the dialogue manager and the TTS provider. It
// starts synthesis as generated text streams in, tracks word-level delivery
// progress, and halts playback at word boundaries when the manager honors an
// interruption. Playback outcomes are reported back to the manager as
// [Event] values so all state transitions stay on the manager's serialized
// queue.
//
// At most one playback is active at a time. The sole exception is the grace
// window spanning an interruption handshake: a new playback may start while
// the interrupted one is still flushing its final word. An interrupted
// playback that outlives the grace window is cut off hard.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crosstalk-ai/crosstalk/internal/observe"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/tts"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// DefaultGraceWindow bounds how long an interrupted playback may keep
// flushing audio after a new playback has started.
const DefaultGraceWindow = 750 * time.Millisecond

var (
	// ErrPlaybackActive is returned by Begin when the agent already has an
	// in-flight playback.
	ErrPlaybackActive = errors.New("schedule: agent already has an active playback")

	// ErrNoPlayback is returned when an operation targets an agent without an
	// in-flight playback.
	ErrNoPlayback = errors.New("schedule: agent has no active playback")

	// ErrConcurrentPlayback is returned by Begin when another agent's playback
	// is active and not yielding. Overlap is only legal during the
	// interruption grace window.
	ErrConcurrentPlayback = errors.New("schedule: another playback is active outside the grace window")

	// ErrClosed is returned by Begin after Close.
	ErrClosed = errors.New("schedule: scheduler is closed")
)

// EventKind identifies the playback lifecycle moment an Event reports.
type EventKind int

const (
	// EventProgress reports that one more word has been fully delivered.
	EventProgress EventKind = iota

	// EventCompleted reports that the playback spoke all of its text.
	EventCompleted

	// EventStopped reports that the playback halted at a word boundary after
	// StopAtBoundary or was cut off by the grace window. SpokenWords is the
	// authoritative count for computing the unspoken remainder.
	EventStopped

	// EventFailed reports a synthesis failure. Err carries the cause.
	EventFailed
)

// String returns the lowercase name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a playback lifecycle notification delivered to the dialogue
// manager's queue.
type Event struct {
	Kind        EventKind
	AgentID     string
	UtteranceID string

	// SpokenWords is the number of words delivered when the event was
	// produced. For EventStopped and EventCompleted it is final. On
	// continuation playbacks the injected marker is not counted, so the
	// value always indexes into the utterance's own words.
	SpokenWords int

	// Err is the synthesis failure for EventFailed, nil otherwise.
	Err error
}

// NotifyFunc receives playback events. It is called from the scheduler's
// watcher goroutines, never with internal locks held, and should hand the
// event off quickly (typically by enqueueing it).
type NotifyFunc func(Event)

// AudioFunc receives synthesized audio frames for an agent, in order.
type AudioFunc func(agentID string, frame []byte)

// Request describes one playback to start.
type Request struct {
	// AgentID is the speaking agent.
	AgentID string

	// UtteranceID ties playback events back to the utterance being spoken.
	UtteranceID string

	// Voice selects the TTS voice profile.
	Voice tts.VoiceProfile

	// Text streams the generated text fragments. The caller closes it to mark
	// end of input.
	Text <-chan string

	// Continuation marks a resumed utterance. The continuation marker is
	// prefixed to the synthesized text so the rendered speech carries the
	// brief pause a listener expects after an interruption.
	Continuation bool
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithGraceWindow overrides the interruption grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithLogger sets the logger for playback diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics sets the metrics sink for synthesis latency and error counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithAudioSink sets the destination for synthesized audio frames. Without a
// sink the scheduler drains and discards audio, which keeps tests and
// text-only deployments simple.
func WithAudioSink(f AudioFunc) Option {
	return func(s *Scheduler) { s.audio = f }
}

// Scheduler coordinates playbacks against a single TTS provider. All methods
// are safe for concurrent use.
type Scheduler struct {
	synth   tts.Synthesizer
	notify  NotifyFunc
	grace   time.Duration
	log     *slog.Logger
	metrics *observe.Metrics
	audio   AudioFunc

	mu        sync.Mutex
	playbacks map[string]*playback
	closed    bool
	wg        sync.WaitGroup
}

// playback is one in-flight synthesis for an agent.
type playback struct {
	agentID      string
	utteranceID  string
	handle       tts.Handle
	cancel       context.CancelFunc
	stopping     bool
	continuation bool
	graceTimer   *time.Timer
	startedAt    time.Time
}

// spokenWords discounts the injected continuation marker so reported counts
// always index into the utterance's own words.
func (p *playback) spokenWords(raw int) int {
	if p.continuation && raw > 0 {
		return raw - 1
	}
	return raw
}

// New creates a Scheduler that synthesizes with synth and reports lifecycle
// events through notify.
func New(synth tts.Synthesizer, notify NotifyFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		synth:     synth,
		notify:    notify,
		grace:     DefaultGraceWindow,
		log:       slog.Default(),
		playbacks: make(map[string]*playback),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts a playback for req. Text fragments are forwarded to the
// provider as they arrive, so synthesis overlaps generation. Begin fails if
// the agent already has a playback or another agent's playback is active and
// not yielding.
func (s *Scheduler) Begin(ctx context.Context, req Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.playbacks[req.AgentID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlaybackActive, req.AgentID)
	}
	for id, p := range s.playbacks {
		if !p.stopping {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s is speaking", ErrConcurrentPlayback, id)
		}
	}
	s.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	text := req.Text
	if req.Continuation {
		text = s.withMarker(sctx, req.Text)
	}

	handle, err := s.synth.Speak(sctx, text, req.Voice)
	if err != nil {
		cancel()
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, "tts", "speak")
		}
		return fmt.Errorf("schedule: start playback for %s: %w", req.AgentID, err)
	}

	p := &playback{
		agentID:      req.AgentID,
		utteranceID:  req.UtteranceID,
		handle:       handle,
		cancel:       cancel,
		continuation: req.Continuation,
		startedAt:    time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	s.playbacks[req.AgentID] = p
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("playback started",
		slog.String("agent_id", req.AgentID),
		slog.String("utterance_id", req.UtteranceID),
		slog.Bool("continuation", req.Continuation),
	)
	go s.watch(p)
	return nil
}

// StopAtBoundary asks the agent's playback to halt at the next word boundary
// and arms the grace timer. If the playback has not terminated when the grace
// window elapses it is cancelled outright. Idempotent while the playback is
// in flight.
func (s *Scheduler) StopAtBoundary(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.playbacks[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPlayback, agentID)
	}
	if p.stopping {
		return nil
	}
	p.stopping = true
	p.handle.StopAtBoundary()
	p.graceTimer = time.AfterFunc(s.grace, func() { s.graceExpired(agentID, p) })
	return nil
}

// Stop cancels the agent's playback immediately, without waiting for a word
// boundary. Used when the agent leaves the conversation.
func (s *Scheduler) Stop(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.playbacks[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPlayback, agentID)
	}
	p.stopping = true
	p.cancel()
	return nil
}

// Active reports the agents with in-flight playbacks.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.playbacks))
	for id := range s.playbacks {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every in-flight playback and waits for their watchers to
// drain. Begin returns ErrClosed afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, p := range s.playbacks {
		p.stopping = true
		p.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// graceExpired fires when an interrupted playback has not terminated within
// the grace window.
func (s *Scheduler) graceExpired(agentID string, p *playback) {
	s.mu.Lock()
	current, ok := s.playbacks[agentID]
	if !ok || current != p {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Warn("grace window elapsed, cutting playback off",
		slog.String("agent_id", agentID),
		slog.String("utterance_id", p.utteranceID),
		slog.Duration("grace", s.grace),
	)
	p.cancel()
}

// watch drains a playback's audio and progress streams, then reports the
// terminal event.
func (s *Scheduler) watch(p *playback) {
	defer s.wg.Done()

	audio := p.handle.Audio()
	progress := p.handle.Progress()
	for audio != nil || progress != nil {
		select {
		case frame, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if s.audio != nil {
				s.audio(p.agentID, frame)
			}
		case w, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			s.notify(Event{
				Kind:        EventProgress,
				AgentID:     p.agentID,
				UtteranceID: p.utteranceID,
				SpokenWords: p.spokenWords(w.Index + 1),
			})
		}
	}
	<-p.handle.Done()

	s.mu.Lock()
	stopped := p.stopping
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	if s.playbacks[p.agentID] == p {
		delete(s.playbacks, p.agentID)
	}
	s.mu.Unlock()
	p.cancel()

	if s.metrics != nil {
		s.metrics.SynthesisDuration.Record(context.Background(), time.Since(p.startedAt).Seconds())
	}

	ev := Event{
		AgentID:     p.agentID,
		UtteranceID: p.utteranceID,
		SpokenWords: p.spokenWords(p.handle.SpokenWords()),
	}
	switch err := p.handle.Err(); {
	case stopped:
		// A hard cut after the grace window surfaces as a context error on
		// the handle. It is still a stop from the manager's point of view.
		ev.Kind = EventStopped
	case err != nil:
		ev.Kind = EventFailed
		ev.Err = err
		if s.metrics != nil {
			s.metrics.RecordProviderError(context.Background(), "tts", "synthesis")
		}
		s.log.Error("synthesis failed",
			slog.String("agent_id", p.agentID),
			slog.String("utterance_id", p.utteranceID),
			slog.String("error", err.Error()),
		)
	default:
		ev.Kind = EventCompleted
	}

	s.log.Debug("playback finished",
		slog.String("agent_id", p.agentID),
		slog.String("utterance_id", p.utteranceID),
		slog.String("outcome", ev.Kind.String()),
		slog.Int("spoken_words", ev.SpokenWords),
	)
	s.notify(ev)
}

// withMarker prefixes the continuation marker to a resumed utterance's text
// stream. The marker renders as a short pause in synthesized speech.
func (s *Scheduler) withMarker(ctx context.Context, text <-chan string) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		select {
		case out <- types.ContinuationMarker + " ":
		case <-ctx.Done():
			return
		}
		for f := range text {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
