package main // Entry point of the revalidation worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/option-booking/internal/app"
	"github.com/iliyamo/option-booking/internal/config"
	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/middleware"
	"github.com/iliyamo/option-booking/internal/queue"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/revalidation"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("worker config: %v", err)
	}
	log.SetLevel(config.ParseLevel(cfg.LogLevel))

	db, dialect, err := database.Open(config.LoadDB().Options())
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := database.Migrate(ctx, db, dialect); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	redisCfg, err := config.LoadRedisConfig()
	if err != nil {
		log.Fatalf("redis config: %v", err)
	}
	rdb := config.NewRedisClient(redisCfg)
	if rdb != nil {
		defer rdb.Close()
	}

	publisher := queue.NewPublisher(cfg.RabbitURL)
	defer publisher.Close()

	// retractions change the counts shown by the API's cached option view
	cache := middleware.NewOptionCache(config.LoadCacheConfig(), rdb)
	svc := app.New(db, dialect, cache.Evicting(publisher), revalidation.NewRedisDebouncer(rdb), app.Options{
		WaitlistFactor:    cfg.WaitlistFactor,
		RevalidationDelay: cfg.RevalidationDelay,
	})
	pool := revalidation.NewPool(svc.Tasks, svc.Processor, revalidation.PoolConfig{
		Workers:       cfg.Workers,
		PollInterval:  cfg.PollInterval,
		LeaseTTL:      cfg.LeaseTTL,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
	})
	sweeper := revalidation.NewSweeper(svc.Scheduler, cfg.SweepInterval)
	journal := queue.NewJournal(cfg.RabbitURL, cfg.JournalDir)

	log.Infof("worker started: %d workers, sweep every %s, store=%s", cfg.Workers, cfg.SweepInterval, dialect)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return journal.Run(gctx) })
	g.Go(func() error { return purgeFinished(gctx, svc.Tasks, svc.Tokens, cfg.PurgeAfter) })
	if err := g.Wait(); err != nil {
		log.Fatalf("worker: %v", err)
	}
	log.Infof("worker stopped")
}

// purgeFinished drops finished work items and dead refresh tokens older
// than age once an hour.
func purgeFinished(ctx context.Context, tasks *repository.TaskRepo, tokens *repository.TokenRepo, age time.Duration) error {
	if age <= 0 {
		return nil
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-age)
			if n, err := tasks.PurgeFinished(ctx, cutoff); err != nil {
				log.Warnf("purge finished work items: %v", err)
			} else if n > 0 {
				log.Infof("purged %d finished work item(s)", n)
			}
			if n, err := tokens.PurgeExpired(ctx, cutoff); err != nil {
				log.Warnf("purge refresh tokens: %v", err)
			} else if n > 0 {
				log.Infof("purged %d refresh token(s)", n)
			}
		}
	}
}
