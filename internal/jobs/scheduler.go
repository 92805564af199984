// ABOUTME: Scheduler runs each job on its own ticker under its advisory lock
// ABOUTME: RunOnce serves the run-job command with the same locking

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/atende-gateway/internal/lock"
)

// Entry schedules a job every Interval.
type Entry struct {
	Job      Job
	Interval time.Duration
}

// Scheduler drives a fixed set of jobs.
type Scheduler struct {
	locker  lock.Locker
	entries []Entry
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. Entries with a non-positive interval are
// kept for RunOnce but never ticked.
func NewScheduler(locker lock.Locker, logger *slog.Logger, entries ...Entry) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		locker:  locker,
		entries: entries,
		logger:  logger.With("component", "scheduler"),
	}
}

// Names lists the scheduled job names in registration order.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.Job.Name())
	}
	return names
}

// Run ticks every job until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, e := range s.entries {
		if e.Interval <= 0 {
			s.logger.Info("job not scheduled", "job", e.Job.Name())
			continue
		}
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	s.logger.Info("scheduler started", "jobs", len(s.entries))
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e Entry) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.runLocked(ctx, e.Job); err != nil && ctx.Err() == nil {
				s.logger.Error("job failed", "job", e.Job.Name(), "error", err)
			}
		}
	}
}

// RunOnce runs the named job a single time under its lock.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (lock.Outcome, Stats, error) {
	for _, e := range s.entries {
		if e.Job.Name() == name {
			return s.runLocked(ctx, e.Job)
		}
	}
	return lock.Skipped, Stats{}, fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) runLocked(ctx context.Context, job Job) (lock.Outcome, Stats, error) {
	var stats Stats
	outcome, err := lock.Run(ctx, s.locker, "job:"+job.Name(), func(ctx context.Context) error {
		var err error
		stats, err = job.Run(ctx)
		return err
	})
	if outcome == lock.Skipped && err == nil {
		s.logger.Debug("job skipped, lock held elsewhere", "job", job.Name())
	}
	return outcome, stats, err
}
