package service

import (
	"context"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/hybridrag/internal/archive"
	"github.com/xxxsen/hybridrag/internal/fusion"
	"github.com/xxxsen/hybridrag/internal/ingest"
	"github.com/xxxsen/hybridrag/internal/model"
	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
	"github.com/xxxsen/hybridrag/internal/retrieval"
	"github.com/xxxsen/hybridrag/internal/synth"
	"github.com/xxxsen/hybridrag/internal/tenant"
	"github.com/xxxsen/hybridrag/internal/textract"
)

const (
	DefaultResultLimit  = 10
	DefaultContextLimit = 5
)

type Options struct {
	RRFK         int
	ResultLimit  int
	ContextLimit int
}

type IngestResult struct {
	ChunksInserted int    `json:"chunks_inserted"`
	TenantID       string `json:"tenant_id"`
}

type RAGService struct {
	scoper       tenant.Scoper
	pipeline     *ingest.Pipeline
	engine       *retrieval.Engine
	synth        synth.Synthesizer
	archive      archive.Store
	rrfK         int
	resultLimit  int
	contextLimit int
	now          func() time.Time
}

// NewRAGService wires the tenant guard to ingestion, retrieval and answer
// synthesis. store may be nil to skip archiving uploads.
func NewRAGService(scoper tenant.Scoper, pipeline *ingest.Pipeline, engine *retrieval.Engine, synthesizer synth.Synthesizer, store archive.Store, opts Options) *RAGService {
	if opts.RRFK <= 0 {
		opts.RRFK = fusion.DefaultK
	}
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = DefaultResultLimit
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = DefaultContextLimit
	}
	if synthesizer == nil {
		synthesizer = synth.Disabled{}
	}
	return &RAGService{
		scoper:       scoper,
		pipeline:     pipeline,
		engine:       engine,
		synth:        synthesizer,
		archive:      store,
		rrfK:         opts.RRFK,
		resultLimit:  opts.ResultLimit,
		contextLimit: opts.ContextLimit,
		now:          time.Now,
	}
}

// Ingest stores one document's text for tenantID and returns the inserted chunk count.
func (s *RAGService) Ingest(ctx context.Context, tenantID, source, text string) (*IngestResult, error) {
	id, err := tenant.NormalizeID(tenantID)
	if err != nil {
		return nil, err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("tenant_id", id), zap.String("source", source))
	var n int
	err = s.scoper.WithTenantScope(ctx, id, func(ctx context.Context, sess tenant.Session) error {
		var err error
		n, err = s.pipeline.Ingest(ctx, sess, ingest.Input{Source: source, Text: text})
		return err
	})
	if err != nil {
		logger.Error("ingest failed", zap.Error(err))
		return nil, err
	}
	return &IngestResult{ChunksInserted: n, TenantID: id}, nil
}

// IngestFile extracts text from an upload, archives the raw bytes when an
// archive is configured, then ingests the text.
func (s *RAGService) IngestFile(ctx context.Context, tenantID, filename string, data []byte) (*IngestResult, error) {
	id, err := tenant.NormalizeID(tenantID)
	if err != nil {
		return nil, err
	}
	text, err := textract.Extract(filename, data)
	if err != nil {
		return nil, err
	}
	if s.archive != nil {
		key := archive.BuildKey(id, filename, s.now())
		if err := s.archive.Put(ctx, key, data); err != nil {
			logutil.GetLogger(ctx).Error("archive upload failed",
				zap.String("tenant_id", id), zap.String("key", key), zap.Error(err))
			return nil, appErr.Wrap(appErr.ErrStorageFailed, "storage failed", err)
		}
	}
	return s.Ingest(ctx, id, filename, text)
}

// Search returns the fused ranking for query, truncated to limit (0 uses the default).
func (s *RAGService) Search(ctx context.Context, tenantID, query string, limit int) ([]model.FusedResult, error) {
	if limit <= 0 {
		limit = s.resultLimit
	}
	return s.search(ctx, tenantID, query, limit)
}

func (s *RAGService) search(ctx context.Context, tenantID, query string, limit int) ([]model.FusedResult, error) {
	id, err := tenant.NormalizeID(tenantID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, appErr.New(appErr.ErrInvalidArgument, "query is required")
	}
	var fused []model.FusedResult
	err = s.scoper.WithTenantScope(ctx, id, func(ctx context.Context, sess tenant.Session) error {
		res, err := s.engine.Retrieve(ctx, sess, query, 0)
		if err != nil {
			return err
		}
		// lexical first: it wins ties between equally fused hits
		fused = fusion.Fuse(res.Lexical, res.Semantic, s.rrfK)
		return nil
	})
	if err != nil {
		logutil.GetLogger(ctx).Error("search failed", zap.String("tenant_id", id), zap.Error(err))
		return nil, err
	}
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// Chat answers query from the tenant's top ranked chunks. The tenant session is
// closed before the answer is generated.
func (s *RAGService) Chat(ctx context.Context, tenantID, query string) (*model.Answer, error) {
	results, err := s.search(ctx, tenantID, query, s.contextLimit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &model.Answer{
			Answer:       synth.InsufficientInformation,
			Sources:      []model.FusedResult{},
			Insufficient: true,
		}, nil
	}
	answer, err := s.synth.Synthesize(ctx, query, results)
	if err != nil {
		logutil.GetLogger(ctx).Error("chat synthesis failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil, err
	}
	return &model.Answer{Answer: answer, Sources: results}, nil
}

// ListSources returns per-source chunk counts for the tenant.
func (s *RAGService) ListSources(ctx context.Context, tenantID string) ([]model.SourceStat, error) {
	var out []model.SourceStat
	err := s.scoper.WithTenantScope(ctx, tenantID, func(ctx context.Context, sess tenant.Session) error {
		var err error
		out, err = sess.ListSources(ctx)
		if err != nil {
			return appErr.Wrap(appErr.ErrStorageFailed, "storage failed", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.SourceStat{}
	}
	return out, nil
}
