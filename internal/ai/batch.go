package ai

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const DefaultEmbedConcurrency = 4

type BatchConfig struct {
	// Concurrency bounds in-flight embedding calls of one batch.
	Concurrency int
	// RatePerSec caps embedding calls per second across all batches; 0 disables it.
	RatePerSec float64
	Burst      int
	// Timeout bounds every single embedding call; 0 leaves only the caller deadline.
	Timeout time.Duration
}

// Batcher embeds texts with bounded concurrency and an optional shared rate limit.
type Batcher struct {
	embedder    IEmbedder
	concurrency int
	limiter     *rate.Limiter
	timeout     time.Duration
}

func NewBatcher(e IEmbedder, cfg BatchConfig) *Batcher {
	b := &Batcher{
		embedder:    e,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
	}
	if b.concurrency <= 0 {
		b.concurrency = DefaultEmbedConcurrency
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = b.concurrency
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return b
}

func (b *Batcher) ModelName() string {
	if b.embedder == nil {
		return ""
	}
	return b.embedder.ModelName()
}

// Embed embeds one text.
func (b *Batcher) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if b.embedder == nil {
		return nil, ErrUnavailable
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait embed rate limit: %w", err)
		}
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	vec, err := b.embedder.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return vec, nil
}

// EmbedAll embeds every text and returns vectors in input order. The first failure
// cancels the remaining calls and is returned; no partial result is returned.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := b.Embed(gctx, text, taskType)
			if err != nil {
				return fmt.Errorf("embed segment %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
