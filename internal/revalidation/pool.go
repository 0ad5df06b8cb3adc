package revalidation

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
)

const (
	defaultWorkers       = 2
	defaultPollInterval  = 5 * time.Second
	defaultLeaseTTL      = 2 * time.Minute
	defaultMaxAttempts   = 5
	defaultRetryBackoff  = 30 * time.Second
	defaultRetryMaxDelay = 15 * time.Minute
)

// PoolConfig controls the worker loop.
type PoolConfig struct {
	Workers       int
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c PoolConfig) normalized() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	return c
}

// Claimer is the worker side of the task queue.
type Claimer interface {
	ClaimDue(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]model.WorkItem, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	Reschedule(ctx context.Context, id string, next time.Time, cause error) error
}

// ItemProcessor processes one work item.
type ItemProcessor interface {
	Process(ctx context.Context, item model.WorkItem) (Report, error)
}

// Pool runs workers that claim due items and process them.  Workers share
// nothing but the store: an item whose worker died is claimed again once
// its lease expires.
type Pool struct {
	tasks     Claimer
	processor ItemProcessor
	cfg       PoolConfig
	logger    *log.Logger
	now       func() time.Time
}

func NewPool(tasks Claimer, processor ItemProcessor, cfg PoolConfig) *Pool {
	return &Pool{
		tasks:     tasks,
		processor: processor,
		cfg:       cfg.normalized(),
		logger:    log.New("worker"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i + 1
		g.Go(func() error { return p.loop(ctx, worker) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) error {
	p.logger.Infof("worker %d started", worker)
	for {
		n, err := p.RunOnce(ctx, 1)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Errorf("worker %d: %v", worker, err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			p.logger.Infof("worker %d stopped", worker)
			return nil
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims up to limit due items and processes them one after the
// other.  It returns how many items it handled.
func (p *Pool) RunOnce(ctx context.Context, limit int) (int, error) {
	items, err := p.tasks.ClaimDue(ctx, p.now(), p.cfg.LeaseTTL, limit)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		p.handle(ctx, item)
	}
	return len(items), nil
}

func (p *Pool) handle(ctx context.Context, item model.WorkItem) {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.LeaseTTL)
	rep, err := p.processor.Process(pctx, item)
	cancel()

	var finishErr error
	switch {
	case err == nil:
		finishErr = p.tasks.MarkDone(ctx, item.ID)
		if rep.Skipped != "" {
			p.logger.Infof("work item %s on option %d skipped: %s", item.ID, item.OptionID, rep.Skipped)
		} else {
			p.logger.Infof("work item %s on option %d: %d answers, %d failed checks, %d actioned",
				item.ID, item.OptionID, rep.Answers, rep.Failed, rep.Actioned)
		}
	case item.Attempts >= p.cfg.MaxAttempts || errors.Is(err, ErrUnknownAction):
		p.logger.Errorf("work item %s failed after %d attempts: %v", item.ID, item.Attempts, err)
		finishErr = p.tasks.MarkFailed(ctx, item.ID, err)
	default:
		next := p.now().Add(p.backoff(item.Attempts))
		p.logger.Warnf("work item %s attempt %d: %v; retrying at %s", item.ID, item.Attempts, err, next.Format(time.RFC3339))
		finishErr = p.tasks.Reschedule(ctx, item.ID, next, err)
	}
	if finishErr != nil && !errors.Is(finishErr, repository.ErrConflict) {
		p.logger.Errorf("finish work item %s: %v", item.ID, finishErr)
	}
}

// backoff doubles the delay per attempt up to the configured maximum.
func (p *Pool) backoff(attempts int) time.Duration {
	d := p.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.RetryMaxDelay {
			return p.cfg.RetryMaxDelay
		}
	}
	return d
}
