// ABOUTME: Purge deletes detail rows of archived logs once their grace period ends
// ABOUTME: A log whose archive cannot be found is left untouched

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/atende-gateway/internal/blob"
	"github.com/2389/atende-gateway/internal/store"
)

// PurgeStore is the slice of the store the purge job needs.
type PurgeStore interface {
	ListPurgeable(ctx context.Context, now time.Time, limit int) ([]*store.ConversationLog, error)
	PurgeLog(ctx context.Context, id string, at time.Time) (int64, error)
}

// PurgeConfig configures Purge.
type PurgeConfig struct {
	Timeout   time.Duration
	BatchSize int
	Now       func() time.Time
}

// Purge removes archived detail rows after verifying the archive.
type Purge struct {
	store  PurgeStore
	blobs  blob.Store
	cfg    PurgeConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewPurge creates the job.
func NewPurge(st PurgeStore, blobs blob.Store, cfg PurgeConfig, logger *slog.Logger) *Purge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Purge{
		store:  st,
		blobs:  blobs,
		cfg:    cfg,
		now:    nowFunc(cfg.Now),
		logger: logger.With("component", "jobs", "job", NamePurge),
	}
}

// Name implements Job.
func (j *Purge) Name() string { return NamePurge }

// Run implements Job.
func (j *Purge) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	now := j.now()
	logs, err := j.store.ListPurgeable(ctx, now, j.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("listing purgeable logs: %w", err)
	}

	for _, log := range logs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Examined++

		existsCtx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
		ok, err := j.blobs.Exists(existsCtx, log.ArchiveLocator)
		cancel()
		if err != nil || !ok {
			stats.Failed++
			j.logger.Warn("archive not verified, skipping purge", "log_id", log.ID, "locator", log.ArchiveLocator, "error", err)
			continue
		}

		deleted, err := j.store.PurgeLog(ctx, log.ID, now)
		if err != nil {
			stats.Failed++
			j.logger.Error("purging log failed", "log_id", log.ID, "error", err)
			continue
		}
		stats.Processed++
		j.logger.Debug("log purged", "log_id", log.ID, "deleted", deleted)
	}
	if stats.Examined > 0 {
		j.logger.Info("purge run finished", "stats", stats.String())
	}
	return stats, nil
}
