package tenant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xxxsen/hybridrag/internal/model"
	appErr "github.com/xxxsen/hybridrag/internal/pkg/errors"
)

// Session is a store handle bound to exactly one tenant for one transaction.
// Every read and write made through it is confined to that tenant's partition.
type Session interface {
	TenantID() string
	InsertChunks(ctx context.Context, rows []model.ChunkRow) (int, error)
	SimilaritySearch(ctx context.Context, vector []float32, k int) ([]model.SemanticCandidate, error)
	LexicalSearch(ctx context.Context, text string, k int) ([]model.LexicalCandidate, error)
	ListSources(ctx context.Context) ([]model.SourceStat, error)
}

// Tx is an open tenant-bound transaction. Commit and Rollback both end it and
// release the underlying connection, whatever their result.
type Tx interface {
	Session() Session
	Commit() error
	Rollback() error
}

// Backend opens transactions whose tenant marker is already set.
type Backend interface {
	Begin(ctx context.Context, tenantID string) (Tx, error)
}

// Scoper runs work inside a tenant scope.
type Scoper interface {
	WithTenantScope(ctx context.Context, tenantID string, fn func(ctx context.Context, sess Session) error) error
}

const (
	DefaultPoolSize       = 10
	DefaultAcquireTimeout = 5 * time.Second
)

type Options struct {
	PoolSize       int
	AcquireTimeout time.Duration
}

type Guard struct {
	backend        Backend
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
}

func NewGuard(backend Backend, opts Options) *Guard {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	return &Guard{
		backend:        backend,
		sem:            semaphore.NewWeighted(int64(opts.PoolSize)),
		acquireTimeout: opts.AcquireTimeout,
	}
}

// NormalizeID validates a tenant identifier and returns its canonical form.
func NormalizeID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", appErr.New(appErr.ErrInvalidArgument, "tenant id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", appErr.New(appErr.ErrInvalidArgument, "tenant id must be a uuid")
	}
	return id.String(), nil
}

// WithTenantScope opens a session scoped to tenantID, runs fn and ends the
// transaction: commit when fn returns nil, rollback otherwise or on panic.
func (g *Guard) WithTenantScope(ctx context.Context, tenantID string, fn func(ctx context.Context, sess Session) error) error {
	id, err := NormalizeID(tenantID)
	if err != nil {
		return err
	}
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.sem.Release(1)

	tx, err := g.backend.Begin(ctx, id)
	if err != nil {
		return appErr.Wrap(appErr.ErrStorageFailed, "open tenant session", err)
	}

	done := false
	defer func() {
		if done {
			return
		}
		r := recover()
		g.rollback(ctx, tx, id)
		if r != nil {
			panic(r)
		}
	}()

	fnErr := fn(ctx, tx.Session())
	done = true
	if fnErr != nil {
		g.rollback(ctx, tx, id)
		return fnErr
	}
	if err := tx.Commit(); err != nil {
		return appErr.Wrap(appErr.ErrStorageFailed, "commit tenant session", err)
	}
	return nil
}

func (g *Guard) acquire(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()
	if err := g.sem.Acquire(actx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return appErr.Wrap(appErr.ErrResourceExhausted, "request ended while waiting for a connection", ctxErr)
		}
		return appErr.Wrap(appErr.ErrResourceExhausted, "connection pool exhausted", err)
	}
	return nil
}

func (g *Guard) rollback(ctx context.Context, tx Tx, tenantID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logutil.GetLogger(ctx).Error("rollback tenant session failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}
