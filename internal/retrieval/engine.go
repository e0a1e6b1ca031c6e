package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/hybridrag/internal/ai"
	"github.com/xxxsen/hybridrag/internal/metrics"
	"github.com/xxxsen/hybridrag/internal/model"
	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

const (
	DefaultTopK          = 5
	DefaultBranchTimeout = 10 * time.Second
)

type QueryEmbedder interface {
	Embed(ctx context.Context, text string, taskType string) ([]float32, error)
}

type Options struct {
	TopK          int
	BranchTimeout time.Duration
}

// Result holds both branch lists, each ordered best first.
type Result struct {
	Semantic []model.SemanticCandidate
	Lexical  []model.LexicalCandidate
}

type Engine struct {
	embedder      QueryEmbedder
	topK          int
	branchTimeout time.Duration
}

func NewEngine(embedder QueryEmbedder, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.BranchTimeout <= 0 {
		opts.BranchTimeout = DefaultBranchTimeout
	}
	return &Engine{embedder: embedder, topK: opts.TopK, branchTimeout: opts.BranchTimeout}
}

// Retrieve runs the semantic and lexical branches concurrently on sess. Both
// lists are returned or neither is.
func (e *Engine) Retrieve(ctx context.Context, sess tenant.Session, query string, k int) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, appErr.New(appErr.ErrInvalidArgument, "query is required")
	}
	if k <= 0 {
		k = e.topK
	}
	logger := logutil.GetLogger(ctx).With(zap.String("tenant_id", sess.TenantID()))

	vector, err := e.embedder.Embed(ctx, query, ai.TaskRetrievalQuery)
	if err != nil {
		return Result{}, appErr.Wrap(appErr.ErrEmbeddingFailed, "embedding failed", err)
	}

	var res Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bctx, cancel := context.WithTimeout(gctx, e.branchTimeout)
		defer cancel()
		start := time.Now()
		items, err := sess.SimilaritySearch(bctx, vector, k)
		metrics.ObserveBranch("semantic", start, err)
		if err != nil {
			logger.Warn("semantic branch failed", zap.Error(err))
			return err
		}
		res.Semantic = items
		return nil
	})
	g.Go(func() error {
		bctx, cancel := context.WithTimeout(gctx, e.branchTimeout)
		defer cancel()
		start := time.Now()
		items, err := sess.LexicalSearch(bctx, query, k)
		metrics.ObserveBranch("lexical", start, err)
		if err != nil {
			logger.Warn("lexical branch failed", zap.Error(err))
			return err
		}
		res.Lexical = items
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, appErr.Wrap(appErr.ErrRetrievalFailed, "retrieval failed", err)
	}
	logger.Debug("retrieval finished",
		zap.String("query", query),
		zap.Int("semantic", len(res.Semantic)),
		zap.Int("lexical", len(res.Lexical)))
	return res, nil
}
