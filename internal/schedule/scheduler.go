package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// CronScheduler runs jobs on five field cron specs. A job whose previous run
// has not finished is skipped, and every run is bounded by the run timeout.
type CronScheduler struct {
	cron       *cron.Cron
	runTimeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
}

func NewCronScheduler(runTimeout time.Duration) *CronScheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &CronScheduler{
		cron:       cron.New(cron.WithParser(parser)),
		runTimeout: runTimeout,
		entries:    make(map[string]cron.EntryID),
		ctx:        context.Background(),
	}
}

func (c *CronScheduler) AddJob(job Job, spec string) error {
	name := job.Name()
	logger := logutil.GetLogger(context.Background()).With(zap.String("job", name), zap.String("spec", spec))
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return fmt.Errorf("job %s already scheduled", name)
	}
	entryID, err := c.cron.AddFunc(spec, c.wrap(job, spec))
	if err != nil {
		logger.Error("schedule job failed", zap.Error(err))
		return err
	}
	c.entries[name] = entryID
	logger.Info("job scheduled")
	return nil
}

// Start runs the scheduler until Stop; ctx is the parent of every job run.
func (c *CronScheduler) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.cron.Start()
}

// Stop waits for running jobs to finish.
func (c *CronScheduler) Stop() {
	<-c.cron.Stop().Done()
}

func (c *CronScheduler) runContext() (context.Context, context.CancelFunc) {
	c.mu.Lock()
	parent := c.ctx
	c.mu.Unlock()
	if c.runTimeout > 0 {
		return context.WithTimeout(parent, c.runTimeout)
	}
	return context.WithCancel(parent)
}

func (c *CronScheduler) wrap(job Job, spec string) func() {
	var running atomic.Bool
	return func() {
		logger := logutil.GetLogger(context.Background()).With(
			zap.String("job", job.Name()),
			zap.String("spec", spec),
		)
		if !running.CompareAndSwap(false, true) {
			logger.Info("job skipped: still running")
			return
		}
		defer running.Store(false)

		ctx, cancel := c.runContext()
		defer cancel()
		start := time.Now()
		logger.Info("job started")
		err := job.Run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			logger.Error("job finished", zap.Error(err), zap.Duration("duration", elapsed))
			return
		}
		logger.Info("job finished", zap.Duration("duration", elapsed))
	}
}
