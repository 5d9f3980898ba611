package maintenance

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Purger drops expired entries from an in-process store.
type Purger interface {
	PurgeExpired(now time.Time) int
}

// Sweeper periodically purges single instance stores: pending wallet nonces
// and revoked sessions when Redis is not configured.
type Sweeper struct {
	scheduler gocron.Scheduler
}

// StartSweeper schedules one job per named purger. Names are used in logs.
func StartSweeper(interval time.Duration, purgers map[string]Purger, logger *slog.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	for name, purger := range purgers {
		if purger == nil {
			continue
		}
		_, err := sched.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func() {
				if n := purger.PurgeExpired(time.Now()); n > 0 {
					logger.Debug("sweep_purged", "store", name, "removed", n)
				}
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("schedule %s sweep: %w", name, err)
		}
	}
	sched.Start()
	return &Sweeper{scheduler: sched}, nil
}

// Stop waits for running sweeps and stops the scheduler.
func (s *Sweeper) Stop() error {
	if s == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}
