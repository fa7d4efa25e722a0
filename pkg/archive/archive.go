// Package archive defines the durable conversation archive: every finalized
// utterance leaves the in-process conversation log through a sink and lands
// here, where it can be replayed by recency, searched by keyword, or searched
// semantically.
//
// Implementations must be safe for concurrent use.
package archive

import (
	"context"
	"time"

	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// Record is one archived utterance portion. A single utterance can produce
// several records: the portion spoken before an interruption and the resumed
// remainder archive separately, tied together by UtteranceID.
type Record struct {
	// ThreadID identifies the conversation thread.
	ThreadID string `json:"thread_id"`

	// UtteranceID groups the portions of one utterance.
	UtteranceID string `json:"utterance_id"`

	// SpeakerID and SpeakerName identify who spoke.
	SpeakerID   string `json:"speaker_id"`
	SpeakerName string `json:"speaker_name"`

	// Text is the words actually spoken in this portion.
	Text string `json:"text"`

	// Status is the terminal status the portion was archived with.
	Status types.UtteranceStatus `json:"status"`

	// Continuation marks a resumed remainder.
	Continuation bool `json:"continuation"`

	// LoggedAt is when the portion was finalized.
	LoggedAt time.Time `json:"logged_at"`
}

// SearchOpts narrows a keyword search. All non-zero fields are applied as
// AND conditions.
type SearchOpts struct {
	// ThreadID restricts the search to one conversation thread. Empty
	// searches all threads.
	ThreadID string

	// SpeakerID restricts results to one speaker.
	SpeakerID string

	// After and Before bound LoggedAt (exclusive). Zero values disable the
	// bound.
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero lets the implementation apply
	// its own default.
	Limit int
}

// Result pairs a retrieved record with its vector-space distance from the
// query. Lower distance means higher semantic similarity.
type Result struct {
	Record   Record  `json:"record"`
	Distance float64 `json:"distance"`
}

// Store is the archive backend. [Store.Archive] is shaped to slot straight
// into the conversation log's sink fan-out.
type Store interface {
	// Archive persists one record.
	Archive(ctx context.Context, rec Record) error

	// Recent returns the records of one thread logged within the window,
	// oldest first.
	Recent(ctx context.Context, threadID string, window time.Duration) ([]Record, error)

	// SearchText performs a keyword search over archived text, oldest first.
	SearchText(ctx context.Context, query string, opts SearchOpts) ([]Record, error)

	// SearchSemantic returns the topK records closest to query in embedding
	// space, most similar first. Implementations without an embedding
	// backend return an error.
	SearchSemantic(ctx context.Context, query string, topK int, opts SearchOpts) ([]Result, error)
}
