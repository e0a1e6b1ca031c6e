package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/hybridrag/internal/model"
	"github.com/xxxsen/hybridrag/internal/pkg/dbutil"
)

// rows per INSERT statement; 4 params each stays far below the 65535 limit
const insertBatchRows = 1000

// pgSession runs queries inside one tenant scoped transaction. The connection
// carries one statement at a time, so calls are serialized.
type pgSession struct {
	mu           sync.Mutex
	tx           *sqlx.Tx
	tenantID     string
	searchConfig string
}

func newPgSession(tx *sqlx.Tx, tenantID, searchConfig string) *pgSession {
	return &pgSession{tx: tx, tenantID: tenantID, searchConfig: searchConfig}
}

func (s *pgSession) TenantID() string {
	return s.tenantID
}

func (s *pgSession) InsertChunks(ctx context.Context, rows []model.ChunkRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for start := 0; start < len(rows); start += insertBatchRows {
		end := start + insertBatchRows
		if end > len(rows) {
			end = len(rows)
		}
		query, args := buildChunkInsert(rows[start:end])
		res, err := s.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("insert chunks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

// buildChunkInsert writes tenant_id from the session marker; the row payload
// never carries it.
func buildChunkInsert(rows []model.ChunkRow) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO documents (tenant_id, content, embedding, source, position) VALUES ")
	args := make([]interface{}, 0, len(rows)*4)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&sb, "(current_setting('app.current_tenant')::uuid, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, row.Content, pgvector.NewVector(row.Embedding), row.Source, row.Position)
	}
	return sb.String(), args
}

type semanticRow struct {
	ID         string  `db:"id"`
	Content    string  `db:"content"`
	Similarity float64 `db:"similarity"`
}

const similaritySQL = `
	SELECT id::text AS id, content, 1 - (embedding <=> $1) AS similarity
	FROM documents
	ORDER BY embedding <=> $1
	LIMIT $2
`

func (s *pgSession) SimilaritySearch(ctx context.Context, vector []float32, k int) ([]model.SemanticCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []semanticRow
	if err := s.tx.SelectContext(ctx, &rows, similaritySQL, pgvector.NewVector(vector), k); err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	out := make([]model.SemanticCandidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.SemanticCandidate{ChunkID: r.ID, Content: r.Content, Similarity: r.Similarity})
	}
	sortSemantic(out)
	return out, nil
}

// sortSemantic orders equal distances by id. Sorting in SQL on a second key would keep
// the planner off the hnsw index.
func sortSemantic(items []model.SemanticCandidate) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Similarity != items[j].Similarity {
			return items[i].Similarity > items[j].Similarity
		}
		return items[i].ChunkID < items[j].ChunkID
	})
}

type lexicalRow struct {
	ID      string  `db:"id"`
	Content string  `db:"content"`
	Rank    float64 `db:"rank"`
}

const lexicalSQL = `
	SELECT id::text AS id, content, ts_rank(search_vector, plainto_tsquery($2::regconfig, $1)) AS rank
	FROM documents
	WHERE search_vector @@ plainto_tsquery($2::regconfig, $1)
	ORDER BY rank DESC, id
	LIMIT $3
`

func (s *pgSession) LexicalSearch(ctx context.Context, text string, k int) ([]model.LexicalCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []lexicalRow
	if err := s.tx.SelectContext(ctx, &rows, lexicalSQL, text, s.searchConfig, k); err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	out := make([]model.LexicalCandidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.LexicalCandidate{ChunkID: r.ID, Content: r.Content, Rank: r.Rank})
	}
	return out, nil
}

type sourceRow struct {
	Source         string    `db:"source"`
	Chunks         int       `db:"chunks"`
	LastIngestedAt time.Time `db:"last_ingested_at"`
}

func (s *pgSession) ListSources(ctx context.Context) ([]model.SourceStat, error) {
	where := map[string]interface{}{
		"_groupby": "source",
		"_orderby": "source asc",
	}
	sqlStr, args, err := builder.BuildSelect("documents", where, []string{"source", "COUNT(*) AS chunks", "MAX(created_at) AS last_ingested_at"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)

	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []sourceRow
	if err := s.tx.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]model.SourceStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.SourceStat(r))
	}
	return out, nil
}
