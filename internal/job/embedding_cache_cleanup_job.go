package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const DefaultCacheMaxAgeDays = 30

type CachePruner interface {
	DeleteBefore(ctx context.Context, cutoff int64) (int64, error)
}

type EmbeddingCacheCleanupJob struct {
	pruner     CachePruner
	maxAgeDays int
	now        func() time.Time
}

func NewEmbeddingCacheCleanupJob(pruner CachePruner, maxAgeDays int) *EmbeddingCacheCleanupJob {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultCacheMaxAgeDays
	}
	return &EmbeddingCacheCleanupJob{pruner: pruner, maxAgeDays: maxAgeDays, now: time.Now}
}

func (j *EmbeddingCacheCleanupJob) Name() string {
	return "embedding_cache_cleanup"
}

func (j *EmbeddingCacheCleanupJob) Run(ctx context.Context) error {
	if j.pruner == nil {
		return nil
	}
	cutoff := j.now().Add(-time.Duration(j.maxAgeDays) * 24 * time.Hour).Unix()
	n, err := j.pruner.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("embedding cache pruned", zap.Int64("deleted", n), zap.Int("max_age_days", j.maxAgeDays))
	return nil
}
