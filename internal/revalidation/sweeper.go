package revalidation

import (
	"context"
	"time"

	"github.com/labstack/gommon/log"
)

// Sweeper periodically schedules revalidation of every option flagged for
// it.  The flag on the scheduled items lets administrators switch the
// sweep off without restarting workers.
type Sweeper struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *log.Logger
}

func NewSweeper(scheduler *Scheduler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{scheduler: scheduler, interval: interval, logger: log.New("sweeper")}
}

// Sweep schedules one round.
func (s *Sweeper) Sweep(ctx context.Context) (EnqueueResult, error) {
	return s.scheduler.Enqueue(ctx, Scope{AllFlagged: true, Flag: FlagSweep})
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Errorf("sweep: %v", err)
			}
		}
	}
}
