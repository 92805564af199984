// ABOUTME: AITimeout ends assistant sessions that went quiet past the idle limit
// ABOUTME: Expiry goes through the conversation manager so the actor's state follows

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/atende-gateway/internal/store"
)

// IdleAISessions lists open assistant sessions with no recent message.
type IdleAISessions interface {
	ListIdleAISessions(ctx context.Context, idleBefore time.Time, limit int) ([]*store.AIChatSession, error)
}

// AISessionExpirer ends one session as TIMEOUT. It reports false when the
// session was left open or had already ended.
type AISessionExpirer interface {
	ExpireAISession(ctx context.Context, sess *store.AIChatSession) (bool, error)
}

// AITimeoutConfig configures AITimeout. A zero Idle disables the job.
type AITimeoutConfig struct {
	Idle      time.Duration
	BatchSize int
	Now       func() time.Time
}

// AITimeout expires idle assistant sessions.
type AITimeout struct {
	source  IdleAISessions
	expirer AISessionExpirer
	cfg     AITimeoutConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewAITimeout creates the job.
func NewAITimeout(source IdleAISessions, expirer AISessionExpirer, cfg AITimeoutConfig, logger *slog.Logger) *AITimeout {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &AITimeout{
		source:  source,
		expirer: expirer,
		cfg:     cfg,
		now:     nowFunc(cfg.Now),
		logger:  logger.With("component", "jobs", "job", NameAITimeout),
	}
}

// Name implements Job.
func (j *AITimeout) Name() string { return NameAITimeout }

// Run implements Job.
func (j *AITimeout) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	if j.cfg.Idle <= 0 {
		return stats, nil
	}
	sessions, err := j.source.ListIdleAISessions(ctx, j.now().Add(-j.cfg.Idle), j.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("listing idle ai sessions: %w", err)
	}

	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Examined++

		ended, err := j.expirer.ExpireAISession(ctx, sess)
		if err != nil {
			stats.Failed++
			j.logger.Error("expiring ai session failed", "session_id", sess.ID, "error", err)
			continue
		}
		if !ended {
			continue
		}
		stats.Processed++
		j.logger.Info("ai session timed out", "session_id", sess.ID, "tenant_id", sess.TenantID)
	}
	return stats, nil
}
