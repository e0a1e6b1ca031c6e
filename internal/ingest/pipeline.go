package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/hybridrag/internal/ai"
	"github.com/xxxsen/hybridrag/internal/chunker"
	"github.com/xxxsen/hybridrag/internal/metrics"
	"github.com/xxxsen/hybridrag/internal/model"
	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

// BatchEmbedder embeds many texts and returns vectors in input order, or fails as a whole.
type BatchEmbedder interface {
	EmbedAll(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

type Input struct {
	Source string
	Text   string
}

type Pipeline struct {
	chunker    *chunker.Chunker
	embedder   BatchEmbedder
	dimensions int
}

// NewPipeline builds an ingestion pipeline. dimensions > 0 enforces the vector size.
func NewPipeline(c *chunker.Chunker, embedder BatchEmbedder, dimensions int) *Pipeline {
	if c == nil {
		c = chunker.New()
	}
	return &Pipeline{chunker: c, embedder: embedder, dimensions: dimensions}
}

// Ingest splits, embeds and stores one document inside sess. Nothing is written
// unless every segment was embedded.
func (p *Pipeline) Ingest(ctx context.Context, sess tenant.Session, in Input) (int, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("tenant_id", sess.TenantID()), zap.String("source", in.Source))
	segments := p.chunker.Split(in.Text)
	if len(segments) == 0 {
		logger.Info("ingest skipped, no content")
		return 0, nil
	}

	start := time.Now()
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Content
	}
	vectors, err := p.embedder.EmbedAll(ctx, texts, ai.TaskRetrievalDocument)
	if err != nil {
		return 0, appErr.Wrap(appErr.ErrEmbeddingFailed, "embedding failed", err)
	}
	if len(vectors) != len(segments) {
		return 0, appErr.New(appErr.ErrEmbeddingFailed, "embedding count mismatch")
	}
	if p.dimensions > 0 {
		for i, vec := range vectors {
			if len(vec) != p.dimensions {
				return 0, appErr.Wrap(appErr.ErrEmbeddingFailed, "embedding dimension mismatch",
					fmt.Errorf("segment %d: got %d want %d", i, len(vec), p.dimensions))
			}
		}
	}
	embedDur := time.Since(start)

	rows := make([]model.ChunkRow, len(segments))
	for i, seg := range segments {
		rows[i] = model.ChunkRow{
			Content:   seg.Content,
			Embedding: vectors[i],
			Source:    in.Source,
			Position:  seg.Index,
		}
	}
	n, err := sess.InsertChunks(ctx, rows)
	if err != nil {
		return 0, appErr.Wrap(appErr.ErrStorageFailed, "storage failed", err)
	}
	metrics.IngestedChunksTotal.Add(float64(n))
	logger.Info("document ingested",
		zap.Int("chunks", n),
		zap.Duration("embed_duration", embedDur),
		zap.Duration("duration", time.Since(start)))
	return n, nil
}
