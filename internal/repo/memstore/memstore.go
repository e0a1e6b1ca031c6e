// Package memstore is an in-process tenant partitioned chunk store. It follows
// the postgres backend's visibility rules: a session sees only its tenant's
// rows, and writes become visible to other sessions on commit.
package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/xxxsen/hybridrag/internal/model"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

type Store struct {
	mu    sync.RWMutex
	parts map[string][]model.Chunk
	now   func() time.Time
}

func New() *Store {
	return &Store{
		parts: make(map[string][]model.Chunk),
		now:   time.Now,
	}
}

func (s *Store) Begin(ctx context.Context, tenantID string) (tenant.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{sess: &session{store: s, tenantID: tenantID}}, nil
}

// Chunks returns a copy of the committed rows of one tenant.
func (s *Store) Chunks(tenantID string) []model.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Chunk, len(s.parts[tenantID]))
	copy(out, s.parts[tenantID])
	return out
}

func (s *Store) snapshot(tenantID string) []model.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parts[tenantID]
}

func (s *Store) commit(tenantID string, rows []model.Chunk) {
	if len(rows) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[tenantID] = append(s.parts[tenantID], rows...)
}

type memTx struct {
	sess *session
}

func (t *memTx) Session() tenant.Session {
	return t.sess
}

func (t *memTx) Commit() error {
	staged, err := t.sess.end()
	if err != nil {
		return err
	}
	t.sess.store.commit(t.sess.tenantID, staged)
	return nil
}

func (t *memTx) Rollback() error {
	_, err := t.sess.end()
	return err
}

type session struct {
	mu       sync.Mutex
	store    *Store
	tenantID string
	staged   []model.Chunk
	done     bool
}

func (s *session) TenantID() string {
	return s.tenantID
}

func (s *session) end() ([]model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, sql.ErrTxDone
	}
	s.done = true
	staged := s.staged
	s.staged = nil
	return staged, nil
}

// visible returns committed plus staged rows; the caller holds s.mu.
func (s *session) visible() ([]model.Chunk, error) {
	if s.done {
		return nil, sql.ErrTxDone
	}
	committed := s.store.snapshot(s.tenantID)
	out := make([]model.Chunk, 0, len(committed)+len(s.staged))
	out = append(out, committed...)
	out = append(out, s.staged...)
	return out, nil
}

func (s *session) InsertChunks(ctx context.Context, rows []model.ChunkRow) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, sql.ErrTxDone
	}
	now := s.store.now()
	for _, row := range rows {
		vec := make([]float32, len(row.Embedding))
		copy(vec, row.Embedding)
		s.staged = append(s.staged, model.Chunk{
			ID:        uuid.NewString(),
			TenantID:  s.tenantID,
			Content:   row.Content,
			Embedding: vec,
			Source:    row.Source,
			Position:  row.Position,
			CreatedAt: now,
		})
	}
	return len(rows), nil
}

func (s *session) SimilaritySearch(ctx context.Context, vector []float32, k int) ([]model.SemanticCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	rows, err := s.visible()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]model.SemanticCandidate, 0, len(rows))
	for _, row := range rows {
		if len(row.Embedding) != len(vector) {
			return nil, fmt.Errorf("different vector dimensions %d and %d", len(row.Embedding), len(vector))
		}
		out = append(out, model.SemanticCandidate{
			ChunkID:    row.ID,
			Content:    row.Content,
			Similarity: cosine(row.Embedding, vector),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *session) LexicalSearch(ctx context.Context, text string, k int) ([]model.LexicalCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(text)
	s.mu.Lock()
	rows, err := s.visible()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]model.LexicalCandidate, 0)
	if len(terms) == 0 {
		return out, nil
	}
	for _, row := range rows {
		if rank, ok := lexicalRank(tokenize(row.Content), terms); ok {
			out = append(out, model.LexicalCandidate{ChunkID: row.ID, Content: row.Content, Rank: rank})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank > out[j].Rank
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *session) ListSources(ctx context.Context) ([]model.SourceStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	rows, err := s.visible()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	stats := make(map[string]*model.SourceStat)
	for _, row := range rows {
		st, ok := stats[row.Source]
		if !ok {
			st = &model.SourceStat{Source: row.Source}
			stats[row.Source] = st
		}
		st.Chunks++
		if row.CreatedAt.After(st.LastIngestedAt) {
			st.LastIngestedAt = row.CreatedAt
		}
	}
	out := make([]model.SourceStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// lexicalRank matches when every query term occurs, like plainto_tsquery's AND.
// The rank is term frequency damped by document length.
func lexicalRank(doc, terms []string) (float64, bool) {
	if len(doc) == 0 {
		return 0, false
	}
	freq := make(map[string]int, len(doc))
	for _, w := range doc {
		freq[w]++
	}
	hits := 0
	for _, t := range terms {
		n := freq[t]
		if n == 0 {
			return 0, false
		}
		hits += n
	}
	return float64(hits) / (1 + math.Log(float64(len(doc)))), true
}
