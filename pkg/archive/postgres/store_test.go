package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crosstalk-ai/crosstalk/pkg/archive"
	"github.com/crosstalk-ai/crosstalk/pkg/archive/postgres"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/embeddings"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if CROSSTALK_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CROSSTALK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CROSSTALK_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// stubEmbedder returns a fixed vector per known text so nearest-neighbor
// assertions are deterministic. Unknown texts get the zero vector.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, testEmbeddingDim), nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = s.Embed(ctx, t)
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return testEmbeddingDim }
func (s *stubEmbedder) ModelID() string { return "stub-embed-v1" }

var _ embeddings.Provider = (*stubEmbedder)(nil)

func newTestStore(t *testing.T, embedder embeddings.Provider) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS utterances CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn, embedder, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func record(thread, speaker, text string, status types.UtteranceStatus, at time.Time) archive.Record {
	return archive.Record{
		ThreadID:    thread,
		UtteranceID: "utt-" + speaker + "-" + at.Format("150405.000"),
		SpeakerID:   speaker,
		SpeakerName: speaker,
		Text:        text,
		Status:      status,
		LoggedAt:    at,
	}
}

func TestStore_ArchiveAndRecent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now()

	recs := []archive.Record{
		record("thread-1", "player", "do you have any rope", types.UtteranceComplete, now.Add(-10*time.Minute)),
		record("thread-1", "merchant", "I have fifty feet of", types.UtteranceInterrupted, now.Add(-9*time.Minute)),
		record("thread-1", "merchant", "as I was saying, fifty feet", types.UtteranceComplete, now.Add(-8*time.Minute)),
		record("thread-2", "guard", "move along", types.UtteranceComplete, now.Add(-5*time.Minute)),
	}
	for _, r := range recs {
		if err := store.Archive(ctx, r); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	got, err := store.Recent(ctx, "thread-1", time.Hour)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("recent returned %d records, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].LoggedAt.Before(got[i-1].LoggedAt) {
			t.Error("recent results not in chronological order")
		}
	}
	if got[1].Status != types.UtteranceInterrupted {
		t.Errorf("status round-trip = %s, want INTERRUPTED", got[1].Status)
	}

	// The recency window excludes older records.
	got, err = store.Recent(ctx, "thread-1", 8*time.Minute+30*time.Second)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("windowed recent returned %d records, want 1", len(got))
	}
}

func TestStore_SearchText(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now()

	seed := []archive.Record{
		record("thread-1", "merchant", "the finest rope in the valley", types.UtteranceComplete, now.Add(-3*time.Minute)),
		record("thread-1", "merchant", "ceremonial blades forged for kings", types.UtteranceComplete, now.Add(-2*time.Minute)),
		record("thread-1", "player", "how much for the rope", types.UtteranceComplete, now.Add(-1*time.Minute)),
	}
	for _, r := range seed {
		if err := store.Archive(ctx, r); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	got, err := store.SearchText(ctx, "rope", archive.SearchOpts{ThreadID: "thread-1"})
	if err != nil {
		t.Fatalf("search text: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("search returned %d records, want 2", len(got))
	}

	got, err = store.SearchText(ctx, "rope", archive.SearchOpts{SpeakerID: "player"})
	if err != nil {
		t.Fatalf("search text: %v", err)
	}
	if len(got) != 1 || got[0].SpeakerID != "player" {
		t.Errorf("speaker-filtered search = %+v, want one player record", got)
	}
}

func TestStore_SearchSemantic(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"rope and twine for sale":     {1, 0, 0, 0},
		"a song of the mountain pass": {0, 1, 0, 0},
		"where can I buy rope":        {0.9, 0.1, 0, 0},
	}}
	store := newTestStore(t, emb)
	ctx := context.Background()
	now := time.Now()

	seed := []archive.Record{
		record("thread-1", "merchant", "rope and twine for sale", types.UtteranceComplete, now.Add(-3*time.Minute)),
		record("thread-1", "bard", "a song of the mountain pass", types.UtteranceComplete, now.Add(-2*time.Minute)),
	}
	for _, r := range seed {
		if err := store.Archive(ctx, r); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	got, err := store.SearchSemantic(ctx, "where can I buy rope", 2, archive.SearchOpts{ThreadID: "thread-1"})
	if err != nil {
		t.Fatalf("search semantic: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("semantic search returned %d results, want 2", len(got))
	}
	if got[0].Record.SpeakerID != "merchant" {
		t.Errorf("nearest record from %s, want merchant", got[0].Record.SpeakerID)
	}
	if got[0].Distance > got[1].Distance {
		t.Error("results not ordered by ascending distance")
	}
}

func TestStore_SearchSemanticWithoutEmbedder(t *testing.T) {
	store := newTestStore(t, nil)

	_, err := store.SearchSemantic(context.Background(), "anything", 1, archive.SearchOpts{})
	if err == nil {
		t.Fatal("semantic search without embedder succeeded, want error")
	}
}
