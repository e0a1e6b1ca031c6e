package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/hybridrag/internal/ai"
	"github.com/xxxsen/hybridrag/internal/archive"
	"github.com/xxxsen/hybridrag/internal/chunker"
	"github.com/xxxsen/hybridrag/internal/config"
	"github.com/xxxsen/hybridrag/internal/db"
	"github.com/xxxsen/hybridrag/internal/embedcache"
	"github.com/xxxsen/hybridrag/internal/ingest"
	"github.com/xxxsen/hybridrag/internal/job"
	"github.com/xxxsen/hybridrag/internal/repo"
	"github.com/xxxsen/hybridrag/internal/repo/memstore"
	"github.com/xxxsen/hybridrag/internal/retrieval"
	"github.com/xxxsen/hybridrag/internal/schedule"
	"github.com/xxxsen/hybridrag/internal/service"
	"github.com/xxxsen/hybridrag/internal/synth"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

type app struct {
	db        *sqlx.DB
	cacheRepo *repo.EmbeddingCacheRepo
	scheduler *schedule.CronScheduler
	svc       *service.RAGService
}

func migrationOptions(cfg *config.Config) db.MigrationOptions {
	return db.MigrationOptions{
		Dimensions:       cfg.AI.Dimensions,
		TextSearchConfig: cfg.Retrieval.TextSearchConfig,
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	var backend tenant.Backend
	dimensions := cfg.AI.Dimensions
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logutil.GetLogger(ctx).Warn("using in-memory store, data is lost on exit")
		backend = memstore.New()
	default:
		conn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		a.db = conn
		if err := db.ApplyMigrations(ctx, conn, migrationOptions(cfg)); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		backend = repo.NewPostgresBackend(conn, cfg.Retrieval.TextSearchConfig)
		if dimensions <= 0 {
			dimensions = db.DefaultDimensions
		}
		if cfg.EmbedCache.DBEnabled {
			a.cacheRepo = repo.NewEmbeddingCacheRepo(conn)
		}
	}

	embedder, err := buildEmbedder(cfg.AI.EmbedProviders)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.cacheRepo != nil {
		embedder = embedcache.WrapDBCacheToEmbedder(embedder, a.cacheRepo)
	}
	embedder = embedcache.WrapLruCacheToEmbedder(embedder, cfg.EmbedCache.LRUSize, time.Duration(cfg.EmbedCache.LRUTTLSeconds)*time.Second)

	generator, err := buildGenerator(cfg.AI.GenProviders)
	if err != nil {
		a.Close()
		return nil, err
	}
	aiTimeout := time.Duration(cfg.AI.Timeout) * time.Second
	batcher := ai.NewBatcher(embedder, ai.BatchConfig{
		Concurrency: cfg.AI.EmbedConcurrency,
		RatePerSec:  cfg.AI.EmbedRatePerSec,
		Timeout:     aiTimeout,
	})

	store, err := archive.New(ctx, cfg.Archive.Type, cfg.Archive.Data)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init archive: %w", err)
	}

	guard := tenant.NewGuard(backend, tenant.Options{
		PoolSize:       cfg.Database.MaxOpenConns,
		AcquireTimeout: time.Duration(cfg.Database.AcquireTimeoutMS) * time.Millisecond,
	})
	pipeline := ingest.NewPipeline(
		chunker.New(chunker.WithChunkSize(cfg.Chunking.Size), chunker.WithOverlap(cfg.Chunking.Overlap)),
		batcher,
		dimensions,
	)
	engine := retrieval.NewEngine(batcher, retrieval.Options{
		TopK:          cfg.Retrieval.TopK,
		BranchTimeout: time.Duration(cfg.Retrieval.BranchTimeoutMS) * time.Millisecond,
	})
	a.svc = service.NewRAGService(guard, pipeline, engine, synth.NewLLM(generator, aiTimeout), store, service.Options{
		RRFK:         cfg.Retrieval.RRFK,
		ResultLimit:  cfg.Retrieval.ResultLimit,
		ContextLimit: cfg.Retrieval.ContextLimit,
	})
	logutil.GetLogger(ctx).Info("rag service ready",
		zap.String("embed_model", batcher.ModelName()),
		zap.Bool("generation", generator != nil),
		zap.Int("dimensions", dimensions),
		zap.Bool("db_cache", a.cacheRepo != nil),
	)
	return a, nil
}

func (a *app) startJobs(ctx context.Context, cfg *config.Config) error {
	if a.cacheRepo == nil {
		return nil
	}
	a.scheduler = schedule.NewCronScheduler(10 * time.Minute)
	cleanup := job.NewEmbeddingCacheCleanupJob(a.cacheRepo, cfg.EmbedCache.DBMaxAgeDays)
	if err := a.scheduler.AddJob(cleanup, cfg.EmbedCache.CleanupCron); err != nil {
		return fmt.Errorf("schedule %s: %w", cleanup.Name(), err)
	}
	a.scheduler.Start(ctx)
	return nil
}

func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func buildEmbedder(items []config.ProviderConfig) (ai.IEmbedder, error) {
	entries := make([]ai.EmbedderEntry, 0, len(items))
	for _, item := range items {
		p, err := ai.NewProvider(item.Provider, item.Data)
		if err != nil {
			return nil, fmt.Errorf("init embed provider %s: %w", item.Name, err)
		}
		entries = append(entries, ai.EmbedderEntry{Name: item.Name, Embedder: ai.NewEmbedder(p, item.Model)})
	}
	if len(entries) == 1 {
		return entries[0].Embedder, nil
	}
	return ai.NewGroupEmbedder(entries), nil
}

func buildGenerator(items []config.ProviderConfig) (ai.IGenerator, error) {
	if len(items) == 0 {
		return nil, nil
	}
	entries := make([]ai.GeneratorEntry, 0, len(items))
	for _, item := range items {
		p, err := ai.NewProvider(item.Provider, item.Data)
		if err != nil {
			return nil, fmt.Errorf("init gen provider %s: %w", item.Name, err)
		}
		entries = append(entries, ai.GeneratorEntry{Name: item.Name, Generator: ai.NewGenerator(p, item.Model)})
	}
	if len(entries) == 1 {
		return entries[0].Generator, nil
	}
	return ai.NewGroupGenerator(entries), nil
}
