// Package mock provides an in-memory test double for the archive.Store
// interface. It keeps every archived record in order and serves the query
// methods from that slice, with injectable errors for failure-path tests.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crosstalk-ai/crosstalk/pkg/archive"
)

// Store is a mock implementation of archive.Store.
type Store struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ArchiveErr, if non-nil, is returned from Archive.
	ArchiveErr error

	// SearchErr, if non-nil, is returned from Recent, SearchText and
	// SearchSemantic.
	SearchErr error

	// --- Recorded state ---

	// Records holds every successfully archived record in call order.
	Records []archive.Record

	// ArchiveCalls counts calls to Archive, including failed ones.
	ArchiveCalls int
}

// Archive records the call and appends the record unless ArchiveErr is set.
func (s *Store) Archive(_ context.Context, rec archive.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ArchiveCalls++
	if s.ArchiveErr != nil {
		return s.ArchiveErr
	}
	s.Records = append(s.Records, rec)
	return nil
}

// Recent returns archived records for the thread logged within the window,
// oldest first.
func (s *Store) Recent(_ context.Context, threadID string, window time.Duration) ([]archive.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	cutoff := time.Now().Add(-window)
	var out []archive.Record
	for _, r := range s.Records {
		if r.ThreadID == threadID && !r.LoggedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoggedAt.Before(out[j].LoggedAt) })
	return out, nil
}

// SearchText returns records whose text contains the query, case-insensitive,
// filtered by opts.
func (s *Store) SearchText(_ context.Context, query string, opts archive.SearchOpts) ([]archive.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	q := strings.ToLower(query)
	var out []archive.Record
	for _, r := range s.Records {
		if !matches(r, opts) {
			continue
		}
		if strings.Contains(strings.ToLower(r.Text), q) {
			out = append(out, r)
		}
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// SearchSemantic returns up to topK matching records with a zero distance.
// The mock has no embeddings, so "nearest" is simply insertion order.
func (s *Store) SearchSemantic(_ context.Context, _ string, topK int, opts archive.SearchOpts) ([]archive.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	var out []archive.Result
	for _, r := range s.Records {
		if !matches(r, opts) {
			continue
		}
		out = append(out, archive.Result{Record: r})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Reset clears all recorded records and call counts. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = nil
	s.ArchiveCalls = 0
}

func matches(r archive.Record, opts archive.SearchOpts) bool {
	if opts.ThreadID != "" && r.ThreadID != opts.ThreadID {
		return false
	}
	if opts.SpeakerID != "" && r.SpeakerID != opts.SpeakerID {
		return false
	}
	if !opts.After.IsZero() && r.LoggedAt.Before(opts.After) {
		return false
	}
	if !opts.Before.IsZero() && r.LoggedAt.After(opts.Before) {
		return false
	}
	return true
}

// Ensure Store implements archive.Store at compile time.
var _ archive.Store = (*Store)(nil)
