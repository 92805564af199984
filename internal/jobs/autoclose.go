// ABOUTME: AutoClose ends hand-offs that missed the first-reply SLA or went idle
// ABOUTME: Closing goes through the coordinator so logs, states and notices follow

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/atende-gateway/internal/store"
)

// ActiveConversations lists the open hand-offs of every tenant.
type ActiveConversations interface {
	ListActiveConversations(ctx context.Context) ([]*store.ActiveConversation, error)
}

// ConversationCloser ends one hand-off with a resolution.
type ConversationCloser interface {
	Close(ctx context.Context, conv *store.ActiveConversation, resolution string) error
}

// AutoCloseConfig holds the deadlines. A zero duration disables that check.
type AutoCloseConfig struct {
	// SLA is how long a customer may wait for the first employee reply.
	SLA time.Duration
	// Idle is how long a conversation may go without any message.
	Idle time.Duration
	Now  func() time.Time
}

// AutoClose closes conversations past either deadline as UNRESOLVED.
type AutoClose struct {
	source ActiveConversations
	closer ConversationCloser
	cfg    AutoCloseConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewAutoClose creates the job.
func NewAutoClose(source ActiveConversations, closer ConversationCloser, cfg AutoCloseConfig, logger *slog.Logger) *AutoClose {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoClose{
		source: source,
		closer: closer,
		cfg:    cfg,
		now:    nowFunc(cfg.Now),
		logger: logger.With("component", "jobs", "job", NameAutoClose),
	}
}

// Name implements Job.
func (j *AutoClose) Name() string { return NameAutoClose }

// Run implements Job.
func (j *AutoClose) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	convs, err := j.source.ListActiveConversations(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing active conversations: %w", err)
	}

	now := j.now()
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Examined++

		reason := j.expired(conv, now)
		if reason == "" {
			continue
		}
		err := j.closer.Close(ctx, conv, store.ResolutionUnresolved)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Closed by the employee meanwhile.
			continue
		case err != nil:
			stats.Failed++
			j.logger.Error("closing conversation failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		stats.Processed++
		j.logger.Info("conversation auto-closed",
			"conversation_id", conv.ID,
			"tenant_id", conv.TenantID,
			"reason", reason,
		)
	}
	return stats, nil
}

// expired names the deadline conv has passed, or returns "".
func (j *AutoClose) expired(conv *store.ActiveConversation, now time.Time) string {
	if j.cfg.SLA > 0 && conv.FirstReplyAt == nil && now.After(conv.StartedAt.Add(j.cfg.SLA)) {
		return "sla"
	}
	if j.cfg.Idle > 0 && now.After(conv.LastActivityAt.Add(j.cfg.Idle)) {
		return "idle"
	}
	return ""
}
