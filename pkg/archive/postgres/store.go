package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/crosstalk-ai/crosstalk/pkg/archive"
	"github.com/crosstalk-ai/crosstalk/pkg/provider/embeddings"
	"github.com/crosstalk-ai/crosstalk/pkg/types"
)

// ErrNoEmbedder is returned by SearchSemantic when the store was created
// without an embedding provider.
var ErrNoEmbedder = errors.New("postgres archive: no embedding provider configured")

// Compile-time interface check.
var _ archive.Store = (*Store)(nil)

// Store is the PostgreSQL-backed conversation archive. All operations are
// safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate].
//
// embedder may be nil, in which case records archive without embeddings and
// SearchSemantic returns [ErrNoEmbedder]. When set, embeddingDimensions must
// match embedder.Dimensions().
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Archive implements [archive.Store]. When an embedding provider is
// configured the record's text is embedded inline; an embedding failure does
// not lose the record, it archives without a vector.
func (s *Store) Archive(ctx context.Context, rec archive.Record) error {
	var vec any
	if s.embedder != nil && rec.Text != "" {
		if emb, err := s.embedder.Embed(ctx, rec.Text); err == nil {
			vec = pgvector.NewVector(emb)
		}
	}

	const q = `
		INSERT INTO utterances
		    (thread_id, utterance_id, speaker_id, speaker_name, text, status, continuation, logged_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		rec.ThreadID,
		rec.UtteranceID,
		rec.SpeakerID,
		rec.SpeakerName,
		rec.Text,
		rec.Status.String(),
		rec.Continuation,
		rec.LoggedAt,
		vec,
	)
	if err != nil {
		return fmt.Errorf("postgres archive: archive: %w", err)
	}
	return nil
}

// Recent implements [archive.Store].
func (s *Store) Recent(ctx context.Context, threadID string, window time.Duration) ([]archive.Record, error) {
	const q = `
		SELECT thread_id, utterance_id, speaker_id, speaker_name, text, status, continuation, logged_at
		FROM   utterances
		WHERE  thread_id = $1
		  AND  logged_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY logged_at`

	rows, err := s.pool.Query(ctx, q, threadID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("postgres archive: recent: %w", err)
	}
	return collectRecords(rows)
}

// SearchText implements [archive.Store]. The query string is passed through
// plainto_tsquery, so no operator syntax is required.
func (s *Store) SearchText(ctx context.Context, query string, opts archive.SearchOpts) ([]archive.Record, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	conditions = appendFilters(conditions, next, opts)

	q := "SELECT thread_id, utterance_id, speaker_id, speaker_name, text, status, continuation, logged_at\n" +
		"FROM   utterances\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY logged_at"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: search text: %w", err)
	}
	return collectRecords(rows)
}

// SearchSemantic implements [archive.Store]. It embeds query and returns the
// topK records by ascending cosine distance.
func (s *Store) SearchSemantic(ctx context.Context, query string, topK int, opts archive.SearchOpts) ([]archive.Result, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(emb)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"embedding IS NOT NULL"}
	conditions = appendFilters(conditions, next, opts)

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT thread_id, utterance_id, speaker_id, speaker_name, text, status, continuation, logged_at,
		       embedding <=> $1 AS distance
		FROM   utterances
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: search semantic: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Result, error) {
		var (
			r      archive.Result
			status string
		)
		if err := row.Scan(
			&r.Record.ThreadID,
			&r.Record.UtteranceID,
			&r.Record.SpeakerID,
			&r.Record.SpeakerName,
			&r.Record.Text,
			&status,
			&r.Record.Continuation,
			&r.Record.LoggedAt,
			&r.Distance,
		); err != nil {
			return archive.Result{}, err
		}
		r.Record.Status = parseStatus(status)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres archive: scan rows: %w", err)
	}
	if results == nil {
		results = []archive.Result{}
	}
	return results, nil
}

// appendFilters applies the shared SearchOpts predicates.
func appendFilters(conditions []string, next func(any) string, opts archive.SearchOpts) []string {
	if opts.ThreadID != "" {
		conditions = append(conditions, "thread_id = "+next(opts.ThreadID))
	}
	if opts.SpeakerID != "" {
		conditions = append(conditions, "speaker_id = "+next(opts.SpeakerID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "logged_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "logged_at < "+next(opts.Before))
	}
	return conditions
}

func collectRecords(rows pgx.Rows) ([]archive.Record, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Record, error) {
		var (
			r      archive.Record
			status string
		)
		if err := row.Scan(
			&r.ThreadID,
			&r.UtteranceID,
			&r.SpeakerID,
			&r.SpeakerName,
			&r.Text,
			&status,
			&r.Continuation,
			&r.LoggedAt,
		); err != nil {
			return archive.Record{}, err
		}
		r.Status = parseStatus(status)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres archive: scan rows: %w", err)
	}
	if records == nil {
		records = []archive.Record{}
	}
	return records, nil
}

func parseStatus(s string) types.UtteranceStatus {
	for _, st := range []types.UtteranceStatus{
		types.UtteranceOpen,
		types.UtteranceComplete,
		types.UtteranceInterrupted,
		types.UtteranceResumed,
		types.UtteranceAbandoned,
	} {
		if st.String() == s {
			return st
		}
	}
	return types.UtteranceOpen
}
