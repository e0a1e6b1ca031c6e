package service

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/hybridrag/internal/ai"
	"github.com/xxxsen/hybridrag/internal/archive"
	"github.com/xxxsen/hybridrag/internal/chunker"
	"github.com/xxxsen/hybridrag/internal/ingest"
	"github.com/xxxsen/hybridrag/internal/model"
	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
	"github.com/xxxsen/hybridrag/internal/repo/memstore"
	"github.com/xxxsen/hybridrag/internal/retrieval"
	"github.com/xxxsen/hybridrag/internal/synth"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

const (
	tenantA = "11111111-1111-1111-1111-111111111111"
	tenantB = "22222222-2222-2222-2222-222222222222"
	dims    = 16
)

type hashEmbedder struct {
	err error
}

func (h *hashEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	vec := make([]float32, dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(strings.Trim(w, ".,?!")))
		vec[f.Sum32()%dims]++
	}
	return vec, nil
}

func (h *hashEmbedder) ModelName() string { return "hash" }

type recordingSynth struct {
	calls  int
	chunks []model.FusedResult
	err    error
}

func (r *recordingSynth) Synthesize(ctx context.Context, query string, chunks []model.FusedResult) (string, error) {
	r.calls++
	r.chunks = chunks
	if r.err != nil {
		return "", r.err
	}
	return "Refunds are issued within 30 days.", nil
}

type fixture struct {
	svc   *RAGService
	store *memstore.Store
	synth *recordingSynth
}

func newFixture(t *testing.T, emb ai.IEmbedder, store archive.Store) *fixture {
	t.Helper()
	mem := memstore.New()
	batcher := ai.NewBatcher(emb, ai.BatchConfig{Concurrency: 2})
	rs := &recordingSynth{}
	svc := NewRAGService(
		tenant.NewGuard(mem, tenant.Options{PoolSize: 4}),
		ingest.NewPipeline(chunker.New(chunker.WithChunkSize(200), chunker.WithOverlap(40)), batcher, dims),
		retrieval.NewEngine(batcher, retrieval.Options{TopK: 5}),
		rs,
		store,
		Options{},
	)
	return &fixture{svc: svc, store: mem, synth: rs}
}

const refundDoc = "Our refund policy: refunds are issued within 30 days of purchase.\n\n" +
	"Shipping is free for orders above 50 dollars.\n\n" +
	"Support is available on weekdays from nine to five."

func TestIngestAndSearch(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, nil)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, tenantA, "policy.txt", refundDoc)
	require.NoError(t, err)
	require.Equal(t, tenantA, res.TenantID)
	require.Greater(t, res.ChunksInserted, 0)

	items, err := f.svc.Search(ctx, tenantA, "refund policy", 0)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	require.Contains(t, items[0].Content, "refund")
	require.ElementsMatch(t, []model.CandidateSource{model.SourceSemantic, model.SourceLexical}, items[0].Sources)
	for i := 1; i < len(items); i++ {
		require.GreaterOrEqual(t, items[i-1].FusedScore, items[i].FusedScore)
	}
}

func TestSearchTruncatesToLimit(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.svc.Ingest(ctx, tenantA, "doc.txt", "refund note number "+strings.Repeat("x", i+1))
		require.NoError(t, err)
	}
	items, err := f.svc.Search(ctx, tenantA, "refund", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestSearchIsTenantIsolated(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, nil)
	ctx := context.Background()
	_, err := f.svc.Ingest(ctx, tenantA, "policy.txt", refundDoc)
	require.NoError(t, err)

	items, err := f.svc.Search(ctx, tenantB, "refund policy", 0)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestChatWithoutContextSkipsSynthesizer(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, nil)
	ctx := context.Background()
	_, err := f.svc.Ingest(ctx, tenantA, "policy.txt", refundDoc)
	require.NoError(t, err)

	answer, err := f.svc.Chat(ctx, tenantB, "What is the refund policy?")
	require.NoError(t, err)
	require.Equal(t, synth.InsufficientInformation, answer.Answer)
	require.True(t, answer.Insufficient)
	require.NotNil(t, answer.Sources)
	require.Empty(t, answer.Sources)
	require.Zero(t, f.synth.calls)
}

func TestChatUsesTopContext(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, nil)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := f.svc.Ingest(ctx, tenantA, "faq.txt", "refund question variant "+strings.Repeat("y", i+1))
		require.NoError(t, err)
	}
	answer, err := f.svc.Chat(ctx, tenantA, "refund")
	require.NoError(t, err)
	require.Equal(t, "Refunds are issued within 30 days.", answer.Answer)
	require.False(t, answer.Insufficient)
	require.Len(t, answer.Sources, DefaultContextLimit)
	require.Equal(t, answer.Sources, f.synth.chunks)
}

func TestChatSynthesisFailure(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, nil)
	ctx := context.Background()
	_, err := f.svc.Ingest(ctx, tenantA, "policy.txt", refundDoc)
	require.NoError(t, err)
	f.synth.err = appErr.New(appErr.ErrGenerationTimeout, "generation timeout")

	_, err = f.svc.Chat(ctx, tenantA, "refund")
	require.ErrorIs(t, err, appErr.ErrGenerationTimeout)
}

func TestIngestEmbeddingFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, &hashEmbedder{err: errors.New("provider down")}, nil)
	_, err := f.svc.Ingest(context.Background(), tenantA, "policy.txt", refundDoc)
	require.ErrorIs(t, err, appErr.ErrEmbeddingFailed)
	require.Empty(t, f.store.Chunks(tenantA))
}

func TestInvalidInputs(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, nil)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, "", "a.txt", "text")
	require.ErrorIs(t, err, appErr.ErrInvalidArgument)
	_, err = f.svc.Search(ctx, tenantA, "  ", 0)
	require.ErrorIs(t, err, appErr.ErrInvalidArgument)
	_, err = f.svc.Chat(ctx, "not-a-uuid", "q")
	require.ErrorIs(t, err, appErr.ErrInvalidArgument)
	_, err = f.svc.IngestFile(ctx, tenantA, "a.pdf", []byte("x"))
	require.ErrorIs(t, err, appErr.ErrInvalidArgument)
}

func TestIngestEmptyDocument(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, nil)
	res, err := f.svc.Ingest(context.Background(), tenantA, "empty.txt", "")
	require.NoError(t, err)
	require.Zero(t, res.ChunksInserted)
}

func TestIngestFileArchivesAndLists(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.New(context.Background(), "local", map[string]interface{}{"dir": dir})
	require.NoError(t, err)
	f := newFixture(t, &hashEmbedder{}, store)
	f.svc.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }

	res, err := f.svc.IngestFile(context.Background(), tenantA, "policy.md", []byte("# Refunds\n\nRefunds take 30 days."))
	require.NoError(t, err)
	require.Equal(t, 1, res.ChunksInserted)
	require.Equal(t, "Refunds\n\nRefunds take 30 days.", f.store.Chunks(tenantA)[0].Content)

	matches, err := filepath.Glob(filepath.Join(dir, tenantA, "20260201", "*-policy.md"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	raw, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Equal(t, "# Refunds\n\nRefunds take 30 days.", string(raw))

	stats, err := f.svc.ListSources(context.Background(), tenantA)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "policy.md", stats[0].Source)
	require.Equal(t, 1, stats[0].Chunks)

	stats, err = f.svc.ListSources(context.Background(), tenantB)
	require.NoError(t, err)
	require.Empty(t, stats)
}

type failingArchive struct{}

func (failingArchive) Type() string { return "failing" }

func (failingArchive) Put(ctx context.Context, key string, data []byte) error {
	return errors.New("bucket missing")
}

func TestIngestFileArchiveFailureAborts(t *testing.T) {
	f := newFixture(t, &hashEmbedder{}, failingArchive{})
	_, err := f.svc.IngestFile(context.Background(), tenantA, "a.txt", []byte("hello"))
	require.ErrorIs(t, err, appErr.ErrStorageFailed)
	require.Empty(t, f.store.Chunks(tenantA))
}

type fixedSession struct {
	semantic []model.SemanticCandidate
	lexical  []model.LexicalCandidate
}

func (s *fixedSession) TenantID() string { return tenantA }

func (s *fixedSession) InsertChunks(ctx context.Context, rows []model.ChunkRow) (int, error) {
	return 0, errors.New("read only")
}

func (s *fixedSession) SimilaritySearch(ctx context.Context, vector []float32, k int) ([]model.SemanticCandidate, error) {
	return s.semantic, nil
}

func (s *fixedSession) LexicalSearch(ctx context.Context, text string, k int) ([]model.LexicalCandidate, error) {
	return s.lexical, nil
}

func (s *fixedSession) ListSources(ctx context.Context) ([]model.SourceStat, error) {
	return nil, nil
}

type fixedScoper struct {
	sess tenant.Session
}

func (f fixedScoper) WithTenantScope(ctx context.Context, tenantID string, fn func(ctx context.Context, sess tenant.Session) error) error {
	return fn(ctx, f.sess)
}

func TestSearchLexicalWinsTies(t *testing.T) {
	sess := &fixedSession{
		semantic: []model.SemanticCandidate{{ChunkID: "s1"}, {ChunkID: "s2"}},
		lexical:  []model.LexicalCandidate{{ChunkID: "l1"}, {ChunkID: "l2"}},
	}
	batcher := ai.NewBatcher(&hashEmbedder{}, ai.BatchConfig{})
	svc := NewRAGService(fixedScoper{sess: sess}, nil, retrieval.NewEngine(batcher, retrieval.Options{}), nil, nil, Options{})

	items, err := svc.Search(context.Background(), tenantA, "anything", 0)
	require.NoError(t, err)
	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it.ChunkID)
	}
	require.Equal(t, []string{"l1", "s1", "l2", "s2"}, got)
}
