package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	cutoff int64
	err    error
}

func (f *fakePruner) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

func TestCleanupCutoff(t *testing.T) {
	p := &fakePruner{}
	j := NewEmbeddingCacheCleanupJob(p, 7)
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	require.Equal(t, "embedding_cache_cleanup", j.Name())
	require.NoError(t, j.Run(context.Background()))
	require.Equal(t, now.AddDate(0, 0, -7).Unix(), p.cutoff)
}

func TestCleanupDefaultsAndErrors(t *testing.T) {
	p := &fakePruner{err: errors.New("locked")}
	j := NewEmbeddingCacheCleanupJob(p, 0)
	require.Equal(t, DefaultCacheMaxAgeDays, j.maxAgeDays)
	require.Error(t, j.Run(context.Background()))

	require.NoError(t, NewEmbeddingCacheCleanupJob(nil, 1).Run(context.Background()))
}
