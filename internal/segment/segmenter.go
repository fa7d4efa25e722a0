// Package segment converts streams of raw partial-transcript updates into
// discrete chunks with boundary markers.
//
// Speech-to-text providers revise their partial hypotheses continuously. The
// [Segmenter] coalesces those revisions per speaker (last partial wins) and
// emits a chunk only once the text has stabilized for a debounce window or
// the provider asserts finality. Emitted chunks are never revised and are
// delivered in strict per-speaker arrival order.
package segment

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crosstalk-ai/crosstalk/internal/observe"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
	"go.opentelemetry.io/otel/metric"
)

// DefaultDebounce is the stabilization window applied when no explicit
// debounce is configured. 400ms tracks typical STT partial-revision cadence.
const DefaultDebounce = 400 * time.Millisecond

// Update is a single raw transcript revision from a speech-to-text stream.
type Update struct {
	// SpeakerID identifies the speech channel the update belongs to.
	SpeakerID string

	// Text is the full partial hypothesis so far, not an increment.
	Text string

	// IsFinal indicates the provider will not revise this hypothesis again.
	IsFinal bool

	// Timestamp records when the update was produced at the source.
	Timestamp time.Time
}

// EmitFunc receives finalized chunks. It is invoked with the Segmenter's
// internal lock held to preserve emission order, so implementations must
// return quickly and must not call back into the Segmenter.
type EmitFunc func(types.Chunk)

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithDebounce overrides the stabilization window.
func WithDebounce(d time.Duration) Option {
	return func(s *Segmenter) { s.debounce = d }
}

// WithLogger sets the logger used for dropped-update diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) { s.log = l }
}

// WithMetrics sets the metrics sink for chunk counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Segmenter) { s.metrics = m }
}

// Segmenter buffers partial transcript updates per speaker and emits stable
// chunks. All methods are safe for concurrent use.
type Segmenter struct {
	emit     EmitFunc
	debounce time.Duration
	log      *slog.Logger
	metrics  *observe.Metrics

	mu      sync.Mutex
	streams map[string]*stream
	seq     uint64
	closed  bool
}

// stream holds the in-flight state for one speaker's speech channel.
type stream struct {
	pending   string // latest full partial hypothesis
	delivered string // prefix already emitted as chunks
	lastStamp time.Time
	timer     *time.Timer
	gen       uint64 // invalidates stale debounce timers
}

// New creates a Segmenter that delivers chunks to emit.
func New(emit EmitFunc, opts ...Option) *Segmenter {
	s := &Segmenter{
		emit:     emit,
		debounce: DefaultDebounce,
		log:      slog.Default(),
		streams:  make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest processes one transcript update. Updates older than the last chunk
// emitted for the same speaker are dropped as late or duplicate deliveries.
func (s *Segmenter) Ingest(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	st := s.streams[u.SpeakerID]
	if st != nil && u.Timestamp.Before(st.lastStamp) {
		s.log.Debug("dropping stale transcript update",
			slog.String("speaker_id", u.SpeakerID),
			slog.Time("update_ts", u.Timestamp),
			slog.Time("last_emitted_ts", st.lastStamp),
		)
		if s.metrics != nil {
			s.metrics.StaleChunks.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("speaker_id", u.SpeakerID)))
		}
		return
	}
	if st == nil {
		st = &stream{}
		s.streams[u.SpeakerID] = st
	}

	st.pending = u.Text
	st.lastStamp = u.Timestamp
	st.gen++

	if u.IsFinal {
		s.flushLocked(u.SpeakerID, st, types.BoundaryEndOfInput)
		return
	}

	// Restart the debounce clock. The generation guard discards the timer's
	// flush if another update lands before it fires.
	gen := st.gen
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(s.debounce, func() { s.debounceFire(u.SpeakerID, gen) })
}

// Interrupt closes the speaker's open stream, emitting any pending text as a
// chunk with an INTERRUPTED boundary. It reports whether a chunk was emitted;
// false means the speaker had no open stream.
func (s *Segmenter) Interrupt(speakerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	st := s.streams[speakerID]
	if st == nil {
		return false
	}
	s.flushLocked(speakerID, st, types.BoundaryInterrupted)
	return true
}

// Close stops all pending debounce timers. Pending text that never stabilized
// is discarded; callers that need it should Interrupt each speaker first.
func (s *Segmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, st := range s.streams {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	s.streams = nil
}

// debounceFire runs on the timer goroutine when a partial has stabilized.
func (s *Segmenter) debounceFire(speakerID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st := s.streams[speakerID]
	if st == nil || st.gen != gen {
		return // superseded by a newer update or already flushed
	}
	s.flushLocked(speakerID, st, types.BoundaryNone)
}

// flushLocked emits the stable increment of st.pending as a chunk. A terminal
// boundary (EOI or INTERRUPTED) closes the stream entirely; a NONE boundary
// keeps it open for further increments. Must be called with s.mu held.
func (s *Segmenter) flushLocked(speakerID string, st *stream, b types.Boundary) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++

	inc := increment(st.delivered, st.pending)
	if inc == "" && b == types.BoundaryNone {
		return // nothing new stabilized yet
	}

	s.seq++
	chunk := types.Chunk{
		SpeakerID: speakerID,
		Text:      inc,
		Boundary:  b,
		Timestamp: st.lastStamp,
		Sequence:  s.seq,
	}
	if b == types.BoundaryNone {
		st.delivered = st.pending
	} else {
		delete(s.streams, speakerID)
	}

	if s.metrics != nil {
		s.metrics.ChunksIngested.Add(context.Background(), 1, metric.WithAttributes(
			observe.Attr("speaker_id", speakerID),
			observe.Attr("boundary", b.String()),
		))
	}
	s.emit(chunk)
}

// increment returns the suffix of pending that extends delivered. When the
// provider rewrote earlier text instead of extending it, the whole revised
// hypothesis is returned so no words are lost.
func increment(delivered, pending string) string {
	if rest, ok := strings.CutPrefix(pending, delivered); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(pending)
}
