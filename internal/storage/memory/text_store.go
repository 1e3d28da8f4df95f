// Package memory provides in-memory store implementations for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

const defaultQueryLimit = 200

type naturalKey struct {
	domain string
	url    string
	text   string
}

// TextStore keeps text rows in insertion order, unique on domain, url and text.
type TextStore struct {
	mu    sync.RWMutex
	rows  []ingest.StoredRow
	keys  map[naturalKey]struct{}
	limit int
}

// NewTextStore constructs a TextStore returning at most limit rows per query.
func NewTextStore(limit int) *TextStore {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return &TextStore{keys: make(map[naturalKey]struct{}), limit: limit}
}

// QueryByDomain returns rows whose domain ends with domain.
func (s *TextStore) QueryByDomain(_ context.Context, domain string) ([]ingest.StoredRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.StoredRow
	for _, row := range s.rows {
		if !strings.HasSuffix(row.Domain, domain) {
			continue
		}
		out = append(out, row)
		if len(out) == s.limit {
			break
		}
	}
	return out, nil
}

// InsertRow stores row or returns ingest.ErrDuplicate.
func (s *TextStore) InsertRow(_ context.Context, row ingest.NormalizedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey{domain: row.Domain, url: row.URL, text: row.Text}
	if _, exists := s.keys[key]; exists {
		return ingest.ErrDuplicate
	}
	s.keys[key] = struct{}{}
	s.rows = append(s.rows, row)
	return nil
}

// Len reports the number of stored rows.
func (s *TextStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Ping always succeeds.
func (s *TextStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *TextStore) Close() {}

// PredictionStore serves predictions from memory.
type PredictionStore struct {
	mu    sync.RWMutex
	preds []ingest.Prediction
	limit int
}

// NewPredictionStore constructs a PredictionStore seeded with preds.
func NewPredictionStore(limit int, preds ...ingest.Prediction) *PredictionStore {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return &PredictionStore{preds: append([]ingest.Prediction(nil), preds...), limit: limit}
}

// Add appends predictions.
func (s *PredictionStore) Add(preds ...ingest.Prediction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preds = append(s.preds, preds...)
}

// QueryPredictions returns predictions whose domain ends with domain.
func (s *PredictionStore) QueryPredictions(_ context.Context, domain string) ([]ingest.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Prediction
	for _, p := range s.preds {
		if !strings.HasSuffix(p.Domain, domain) {
			continue
		}
		out = append(out, p)
		if len(out) == s.limit {
			break
		}
	}
	return out, nil
}
