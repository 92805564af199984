// ABOUTME: Dispatcher is the queue handler for inbound messages and assistant intents
// ABOUTME: Suppresses redeliveries and serializes jobs per actor

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/atende-gateway/internal/queue"
	"github.com/2389/atende-gateway/internal/store"
)

// DefaultIdempotencyTTL is how long a handled message ID is remembered.
const DefaultIdempotencyTTL = 30 * time.Minute

// Idempotency remembers handled message keys.
type Idempotency interface {
	CheckAndMark(key string, ttl time.Duration) bool
}

// Dispatcher routes queue jobs to actor Contexts.
type Dispatcher struct {
	manager *Manager
	seen    Idempotency
	ttl     time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. A zero ttl uses DefaultIdempotencyTTL.
func NewDispatcher(m *Manager, seen Idempotency, ttl time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Dispatcher{
		manager: m,
		seen:    seen,
		ttl:     ttl,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Handle implements queue.Handler.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindInbound:
		return d.handleInbound(ctx, job.Inbound)
	case queue.KindIntent:
		return d.handleIntents(ctx, job.Intent)
	}
	return fmt.Errorf("%w: %q", queue.ErrUnknownKind, job.Kind)
}

func (d *Dispatcher) handleInbound(ctx context.Context, msg *queue.IncomingMessage) error {
	key := msg.IdempotencyKey()
	if d.seen.CheckAndMark(key, d.ttl) {
		d.logger.Debug("dropping duplicate message", "key", key)
		return nil
	}

	c, _ := d.manager.GetContext(ctx, msg.TenantID, msg.From)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.SetActor(ctx, msg.Name); err != nil {
		if serr := c.sendText(ctx, msgApology); serr != nil {
			c.logger.Warn("sending apology failed", "error", serr)
		}
		return err
	}

	content := msg.Content
	switch {
	case content.IsTextual():
		c.Receive(ctx, content.Flatten())
		return nil
	case content.IsPDF() && c.StateName() == store.StateAIChat:
		if err := ingestDocument(ctx, c, content.Media); err != nil {
			c.logger.Error("document ingestion failed", "error", err)
			if serr := c.sendText(ctx, msgApology); serr != nil {
				c.logger.Warn("sending apology failed", "error", serr)
			}
		}
		return nil
	}
	return c.sendText(ctx, msgUnsupportedMedia)
}

// handleIntents acts on the first intent only.
func (d *Dispatcher) handleIntents(ctx context.Context, job *queue.ToolIntents) error {
	if len(job.Intents) == 0 {
		return nil
	}
	intent := job.Intents[0]
	if len(job.Intents) > 1 {
		d.logger.Debug("ignoring extra intents", "count", len(job.Intents)-1)
	}

	c, _ := d.manager.GetContext(ctx, job.TenantID, job.UserPhone)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.SetActor(ctx, ""); err != nil {
		return err
	}

	switch intent.Type {
	case queue.IntentEnterQueue:
		return enterQueueFromIntent(ctx, c, intent.Department)
	case queue.IntentEndAIChat:
		return endAIFromIntent(ctx, c, job.ConversationID)
	}
	d.logger.Warn("unknown intent", "type", intent.Type)
	return nil
}
