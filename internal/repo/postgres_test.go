package repo

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/hybridrag/internal/config"
	"github.com/xxxsen/hybridrag/internal/db"
	"github.com/xxxsen/hybridrag/internal/model"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

const testDims = 3

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	conn, err := db.Open(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.ApplyMigrations(ctx, conn, db.MigrationOptions{Dimensions: testDims}))

	var bypass bool
	require.NoError(t, conn.GetContext(ctx, &bypass, `SELECT rolsuper OR rolbypassrls FROM pg_roles WHERE rolname = current_user`))
	if bypass {
		t.Skip("row level security is bypassed for this role; use a non-superuser TEST_DB_DSN")
	}
	return conn
}

func seed(t *testing.T, g *tenant.Guard, tenantID string, rows ...model.ChunkRow) {
	t.Helper()
	err := g.WithTenantScope(context.Background(), tenantID, func(ctx context.Context, sess tenant.Session) error {
		n, err := sess.InsertChunks(ctx, rows)
		require.Equal(t, len(rows), n)
		return err
	})
	require.NoError(t, err)
}

func TestPostgresTenantIsolation(t *testing.T) {
	conn := openTestDB(t)
	g := tenant.NewGuard(NewPostgresBackend(conn, "english"), tenant.Options{PoolSize: 2})
	a, b := uuid.NewString(), uuid.NewString()
	marker := "zebra" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	seed(t, g, a, model.ChunkRow{Content: "tenant a knows the " + marker + " secret", Embedding: []float32{1, 0, 0}, Source: "a.txt"})
	seed(t, g, b, model.ChunkRow{Content: "tenant b has a different " + marker + " note", Embedding: []float32{1, 0, 0}, Source: "b.txt"})

	ctx := context.Background()
	err := g.WithTenantScope(ctx, a, func(ctx context.Context, sess tenant.Session) error {
		lex, err := sess.LexicalSearch(ctx, marker, 10)
		require.NoError(t, err)
		require.Len(t, lex, 1)
		require.Contains(t, lex[0].Content, "tenant a")

		sem, err := sess.SimilaritySearch(ctx, []float32{1, 0, 0}, 100)
		require.NoError(t, err)
		for _, c := range sem {
			require.NotContains(t, c.Content, "tenant b")
		}

		sources, err := sess.ListSources(ctx)
		require.NoError(t, err)
		for _, s := range sources {
			require.NotEqual(t, "b.txt", s.Source)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresCraftedQueriesStayScoped(t *testing.T) {
	conn := openTestDB(t)
	backend := NewPostgresBackend(conn, "english")
	g := tenant.NewGuard(backend, tenant.Options{PoolSize: 2})
	a, b := uuid.NewString(), uuid.NewString()
	seed(t, g, b, model.ChunkRow{Content: "tenant b private payroll", Embedding: []float32{0, 1, 0}})

	ctx := context.Background()
	tx, err := backend.Begin(ctx, a)
	require.NoError(t, err)
	defer tx.Rollback()
	pt := tx.(*pgTx)

	// no tenant predicate at all
	var count int
	require.NoError(t, pt.tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, b))
	require.Zero(t, count)

	// an explicit write into another tenant is rejected by WITH CHECK
	_, err = pt.tx.ExecContext(ctx, `INSERT INTO documents (tenant_id, content, embedding) VALUES ($1, 'x', '[1,0,0]')`, b)
	require.Error(t, err)
}

func TestPostgresRollbackDiscardsAndScopeResets(t *testing.T) {
	conn := openTestDB(t)
	backend := NewPostgresBackend(conn, "english")
	g := tenant.NewGuard(backend, tenant.Options{PoolSize: 1})
	a := uuid.NewString()

	err := g.WithTenantScope(context.Background(), a, func(ctx context.Context, sess tenant.Session) error {
		_, err := sess.InsertChunks(ctx, []model.ChunkRow{{Content: "never committed", Embedding: []float32{0, 0, 1}}})
		require.NoError(t, err)
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	ctx := context.Background()
	err = g.WithTenantScope(ctx, a, func(ctx context.Context, sess tenant.Session) error {
		sources, err := sess.ListSources(ctx)
		require.NoError(t, err)
		require.Empty(t, sources)
		return nil
	})
	require.NoError(t, err)

	// a pooled connection carries no tenant marker outside a scope
	var current string
	require.NoError(t, conn.GetContext(ctx, &current, `SELECT COALESCE(current_setting('app.current_tenant', true), '')`))
	require.Empty(t, current)
}

func TestPostgresConcurrentBranchesOnOneSession(t *testing.T) {
	conn := openTestDB(t)
	g := tenant.NewGuard(NewPostgresBackend(conn, "english"), tenant.Options{PoolSize: 1})
	a := uuid.NewString()
	seed(t, g, a, model.ChunkRow{Content: "parallel lexical and semantic", Embedding: []float32{1, 1, 0}})

	err := g.WithTenantScope(context.Background(), a, func(ctx context.Context, sess tenant.Session) error {
		errs := make(chan error, 2)
		go func() {
			_, err := sess.SimilaritySearch(ctx, []float32{1, 1, 0}, 5)
			errs <- err
		}()
		go func() {
			_, err := sess.LexicalSearch(ctx, "parallel", 5)
			errs <- err
		}()
		for i := 0; i < 2; i++ {
			select {
			case err := <-errs:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("branch timed out")
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestEmbeddingCacheRepo(t *testing.T) {
	conn := openTestDB(t)
	r := NewEmbeddingCacheRepo(conn)
	ctx := context.Background()
	hash := uuid.NewString()

	_, ok, err := r.Get(ctx, "m", "RETRIEVAL_QUERY", hash)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.Save(ctx, &model.EmbeddingCache{ModelName: "m", TaskType: "RETRIEVAL_QUERY", ContentHash: hash, Embedding: []float32{0.5, 0.25}, Ctime: 10}))
	vec, ok, err := r.Get(ctx, "m", "RETRIEVAL_QUERY", hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{0.5, 0.25}, vec)

	n, err := r.DeleteBefore(ctx, 11)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))
}

func TestBuildChunkInsert(t *testing.T) {
	query, args := buildChunkInsert([]model.ChunkRow{
		{Content: "a", Embedding: []float32{1}, Source: "s", Position: 0},
		{Content: "b", Embedding: []float32{2}, Source: "s", Position: 1},
	})
	require.Equal(t, "INSERT INTO documents (tenant_id, content, embedding, source, position) VALUES "+
		"(current_setting('app.current_tenant')::uuid, $1, $2, $3, $4), "+
		"(current_setting('app.current_tenant')::uuid, $5, $6, $7, $8)", query)
	require.Len(t, args, 8)
	require.Equal(t, "b", args[4])
	require.NotContains(t, query, "tenant_id =")
}

func TestSimilarityOrderUsesDistanceOnly(t *testing.T) {
	require.Contains(t, similaritySQL, "ORDER BY embedding <=> $1\n")
	require.NotContains(t, similaritySQL, "<=> $1,")
}

func TestSortSemanticBreaksTiesByID(t *testing.T) {
	items := []model.SemanticCandidate{
		{ChunkID: "c", Similarity: 0.5},
		{ChunkID: "b", Similarity: 0.9},
		{ChunkID: "a", Similarity: 0.5},
	}
	sortSemantic(items)
	require.Equal(t, "b", items[0].ChunkID)
	require.Equal(t, "a", items[1].ChunkID)
	require.Equal(t, "c", items[2].ChunkID)
}
