// Package postgres provides the PostgreSQL-backed conversation archive.
//
// Archived utterances live in a single utterances table carrying both a GIN
// full-text index for keyword search and a pgvector HNSW index for semantic
// search. The pgvector extension is installed by [Migrate] via CREATE
// EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Archive(ctx, rec)
//	hits, _ := store.SearchSemantic(ctx, "the merchant's rope price", 5, archive.SearchOpts{})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlUtterances returns the archive DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time; changing it later requires a manual schema update.
func ddlUtterances(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS utterances (
    id            BIGSERIAL    PRIMARY KEY,
    thread_id     TEXT         NOT NULL,
    utterance_id  TEXT         NOT NULL,
    speaker_id    TEXT         NOT NULL DEFAULT '',
    speaker_name  TEXT         NOT NULL DEFAULT '',
    text          TEXT         NOT NULL,
    status        TEXT         NOT NULL,
    continuation  BOOLEAN      NOT NULL DEFAULT false,
    logged_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding     vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_utterances_thread_id
    ON utterances (thread_id);

CREATE INDEX IF NOT EXISTS idx_utterances_thread_logged_at
    ON utterances (thread_id, logged_at);

CREATE INDEX IF NOT EXISTS idx_utterances_utterance_id
    ON utterances (utterance_id);

CREATE INDEX IF NOT EXISTS idx_utterances_fts
    ON utterances USING GIN (to_tsvector('english', text));

CREATE INDEX IF NOT EXISTS idx_utterances_embedding
    ON utterances USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the archive table and its indexes exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text).
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlUtterances(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
