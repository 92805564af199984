// ABOUTME: Archive copies closed conversation logs into the blob store
// ABOUTME: The detail rows stay until Purge verifies the archived copy exists

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/atende-gateway/internal/blob"
	"github.com/2389/atende-gateway/internal/store"
)

// ArchiveStore is the slice of the store the archive job needs.
type ArchiveStore interface {
	ListClosedUnarchived(ctx context.Context, closedBefore time.Time, limit int) ([]*store.ConversationLog, error)
	ListLogMessages(ctx context.Context, logID string) ([]*store.LogMessage, error)
	MarkArchived(ctx context.Context, id, locator string, at, purgeAfter time.Time) error
}

// ArchiveConfig configures Archive.
type ArchiveConfig struct {
	// Delay is how long a log stays closed before it is archived.
	Delay time.Duration
	// PurgeGrace is how long after archiving the detail rows may be purged.
	PurgeGrace time.Duration
	// Timeout bounds each blob write.
	Timeout   time.Duration
	BatchSize int
	Now       func() time.Time
}

// Archive serializes closed logs with their messages and records the locator.
type Archive struct {
	store  ArchiveStore
	blobs  blob.Store
	cfg    ArchiveConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewArchive creates the job.
func NewArchive(st ArchiveStore, blobs blob.Store, cfg ArchiveConfig, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Archive{
		store:  st,
		blobs:  blobs,
		cfg:    cfg,
		now:    nowFunc(cfg.Now),
		logger: logger.With("component", "jobs", "job", NameArchive),
	}
}

// Name implements Job.
func (j *Archive) Name() string { return NameArchive }

// archivedLog is the document written per log.
type archivedLog struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	ConversationID string            `json:"conversationId"`
	CustomerPhone  string            `json:"customerPhone"`
	EmployeePhone  string            `json:"employeePhone"`
	DepartmentName string            `json:"departmentName"`
	OpenedAt       time.Time         `json:"openedAt"`
	ClosedAt       *time.Time        `json:"closedAt,omitempty"`
	CloseReason    string            `json:"closeReason,omitempty"`
	Bytes          int64             `json:"bytes"`
	Summary        string            `json:"summary"`
	Messages       []archivedMessage `json:"messages"`
}

type archivedMessage struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ArchiveKey is the blob key of a log.
func ArchiveKey(log *store.ConversationLog) string {
	return fmt.Sprintf("conversation-logs/%s/%s/%s.json", log.TenantID, log.OpenedAt.UTC().Format("2006-01"), log.ID)
}

// Run implements Job.
func (j *Archive) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	now := j.now()
	logs, err := j.store.ListClosedUnarchived(ctx, now.Add(-j.cfg.Delay), j.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("listing closed logs: %w", err)
	}

	for _, log := range logs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Examined++
		if err := j.archive(ctx, log, now); err != nil {
			stats.Failed++
			j.logger.Error("archiving log failed", "log_id", log.ID, "error", err)
			continue
		}
		stats.Processed++
	}
	if stats.Examined > 0 {
		j.logger.Info("archive run finished", "stats", stats.String())
	}
	return stats, nil
}

func (j *Archive) archive(ctx context.Context, log *store.ConversationLog, now time.Time) error {
	msgs, err := j.store.ListLogMessages(ctx, log.ID)
	if err != nil {
		return fmt.Errorf("reading messages: %w", err)
	}

	doc := archivedLog{
		ID:             log.ID,
		TenantID:       log.TenantID,
		ConversationID: log.ConversationID,
		CustomerPhone:  log.CustomerPhone,
		EmployeePhone:  log.EmployeePhone,
		DepartmentName: log.DepartmentName,
		OpenedAt:       log.OpenedAt,
		ClosedAt:       log.ClosedAt,
		CloseReason:    log.CloseReason,
		Bytes:          log.Bytes,
		Summary:        log.Summary,
		Messages:       make([]archivedMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		doc.Messages = append(doc.Messages, archivedMessage{Author: m.Author, Text: m.Text, CreatedAt: m.CreatedAt})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding archive: %w", err)
	}

	putCtx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	locator, err := j.blobs.Put(putCtx, ArchiveKey(log), data)
	cancel()
	if err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	if err := j.store.MarkArchived(ctx, log.ID, locator, now, now.Add(j.cfg.PurgeGrace)); err != nil {
		return fmt.Errorf("recording archive: %w", err)
	}
	j.logger.Debug("log archived", "log_id", log.ID, "locator", locator, "messages", len(msgs))
	return nil
}
