package marketplace

import (
	"context"
	"log"
	"time"

	core "marketplace-backend/core/marketplace"
)

// Sweeper periodically fails jobs whose terms expired without reaching a
// terminal state. It goes through the same compare-and-transition primitive
// as message handling, so a sweep and a late-arriving message can never both
// win the same transition.
type Sweeper struct {
	engine   *Engine
	store    Store
	interval time.Duration
}

// NewSweeper builds a sweeper; interval defaults to 30 seconds.
func NewSweeper(engine *Engine, store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{engine: engine, store: store, interval: interval}
}

// Run sweeps on the interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				log.Printf("sweeper: %v", err)
			} else if n > 0 {
				log.Printf("sweeper: expired %d jobs", n)
			}
		}
	}
}

// SweepOnce scans the non-terminal statuses once and returns how many jobs
// it drove to failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired := 0
	for _, status := range []core.JobStatus{core.StatusQuoted, core.StatusAccepted, core.StatusInProgress} {
		jobs, err := s.store.ListJobs(ctx, core.JobFilter{Status: status})
		if err != nil {
			return expired, err
		}
		for _, job := range jobs {
			won, err := s.engine.FailExpired(ctx, job, now)
			if err != nil {
				log.Printf("sweeper: job %s: %v", job.JobID, err)
				continue
			}
			if won {
				expired++
			}
		}
	}
	return expired, nil
}
