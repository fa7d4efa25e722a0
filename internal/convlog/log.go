// Package convlog holds the append-only conversation log: one entry per
// finalized utterance segment, in the order the dialogue manager finalized
// them. The log is the context window handed to classifiers and generators,
// and the fan-out point toward archive sinks.
package convlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crosstalk-ai/crosstalk/internal/observe"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotFinalized is returned when an entry carries a status that does not
// finalize a segment (OPEN or RESUMED).
var ErrNotFinalized = errors.New("convlog: entry status does not finalize a segment")

// Entry is one finalized utterance segment. A complete utterance produces a
// single entry; an interrupted-then-resumed one produces an INTERRUPTED entry
// for the cut-off portion and a continuation entry for the rest.
type Entry struct {
	// UtteranceID ties the entry back to its utterance. Continuation entries
	// share the interrupted entry's utterance ID.
	UtteranceID string

	// SpeakerID identifies the participant who spoke.
	SpeakerID string

	// SpeakerName is the display name at the time of logging.
	SpeakerName string

	// Text is the spoken text of this segment.
	Text string

	// Status is the segment's finalizing status: COMPLETE, INTERRUPTED or
	// ABANDONED.
	Status types.UtteranceStatus

	// Continuation marks the entry as the resumed remainder of an earlier
	// INTERRUPTED entry.
	Continuation bool

	// LoggedAt records when the dialogue manager finalized the segment.
	LoggedAt time.Time
}

// Turn renders the entry in the external exchange format.
func (e Entry) Turn() types.Turn {
	b := types.BoundaryEndOfInput
	if e.Status == types.UtteranceInterrupted {
		b = types.BoundaryInterrupted
	}
	if e.Continuation {
		b = types.BoundaryContinue
	}
	return types.Turn{
		SpeakerID:    e.SpeakerID,
		Text:         e.Text,
		Boundary:     b,
		Continuation: e.Continuation,
	}
}

// Sink receives finalized entries for durable storage or downstream delivery.
// Implementations are called off the hot path and may block on I/O.
type Sink interface {
	Archive(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Entry) error

// Archive calls f.
func (f SinkFunc) Archive(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// Option configures a [Log].
type Option func(*Log)

// WithLogger sets the logger for sink failure diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) { lg.log = l }
}

// WithMetrics sets the metrics sink for the sink-error counter.
func WithMetrics(m *observe.Metrics) Option {
	return func(lg *Log) { lg.metrics = m }
}

// WithSinkBuffer overrides the dispatch queue capacity.
func WithSinkBuffer(n int) Option {
	return func(lg *Log) { lg.buf = n }
}

// WithSinkTimeout bounds each sink call.
func WithSinkTimeout(d time.Duration) Option {
	return func(lg *Log) { lg.sinkTimeout = d }
}

// Log is the append-only record of finalized utterance segments. Appends and
// reads are safe for concurrent use; sink delivery happens on a dedicated
// dispatch goroutine so slow sinks never block the dialogue manager.
type Log struct {
	log         *slog.Logger
	metrics     *observe.Metrics
	sinks       []Sink
	buf         int
	sinkTimeout time.Duration

	mu      sync.RWMutex
	entries []Entry

	dispatch chan Entry
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// New creates a Log fanning out to the given sinks.
func New(sinks []Sink, opts ...Option) *Log {
	l := &Log{
		log:         slog.Default(),
		sinks:       sinks,
		buf:         256,
		sinkTimeout: 10 * time.Second,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.dispatch = make(chan Entry, l.buf)
	go l.run()
	return l
}

// Append records a finalized segment and queues it for sink delivery. The
// queue write is non-blocking: when it is full the entry is still kept in the
// log but its sink delivery is dropped and counted.
func (l *Log) Append(e Entry) error {
	if e.Status == types.UtteranceOpen || e.Status == types.UtteranceResumed {
		return fmt.Errorf("%w: %s", ErrNotFinalized, e.Status)
	}
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	if len(l.sinks) == 0 {
		return nil
	}
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		l.log.Warn("conversation log closed, dropping sink delivery",
			slog.String("utterance_id", e.UtteranceID),
			slog.String("speaker_id", e.SpeakerID),
		)
		l.countSinkError("closed")
		return nil
	}
	select {
	case l.dispatch <- e:
	default:
		l.log.Warn("conversation log sink queue full, dropping delivery",
			slog.String("utterance_id", e.UtteranceID),
			slog.String("speaker_id", e.SpeakerID),
		)
		l.countSinkError("queue_full")
	}
	return nil
}

// Seed preloads entries into the log without sink delivery. Used to restore
// conversation context from the archive before the dialogue loop starts;
// entries are assumed to be in chronological order.
func (l *Log) Seed(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
}

// Window returns a copy of the most recent n entries in chronological order.
// n <= 0 or n larger than the log returns everything.
func (l *Log) Window(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if n > 0 && n < len(l.entries) {
		start = len(l.entries) - n
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Len returns the number of logged entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close stops the dispatch goroutine after draining queued deliveries.
func (l *Log) Close() {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.dispatch)
	<-l.done
}

// run delivers queued entries to every sink until the dispatch channel closes.
func (l *Log) run() {
	defer close(l.done)
	for e := range l.dispatch {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), l.sinkTimeout)
			if err := s.Archive(ctx, e); err != nil {
				l.log.Error("conversation log sink failed",
					slog.String("utterance_id", e.UtteranceID),
					slog.Any("error", err),
				)
				l.countSinkError("archive")
			}
			cancel()
		}
	}
}

func (l *Log) countSinkError(reason string) {
	if l.metrics == nil {
		return
	}
	l.metrics.SinkErrors.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("reason", reason)))
}
