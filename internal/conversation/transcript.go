// ABOUTME: Transcript writes relayed messages into conversation logs
// ABOUTME: Logs rotate once they would exceed the configured size

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/atende-gateway/internal/store"
)

// Transcript appends to the open log of a conversation.
type Transcript struct {
	deps   *Deps
	logger *slog.Logger
}

func newTranscript(deps *Deps) *Transcript {
	return &Transcript{deps: deps, logger: deps.Logger.With("component", "transcript")}
}

// Open starts a new log segment for the conversation.
func (t *Transcript) Open(ctx context.Context, conv *store.ActiveConversation) (*store.ConversationLog, error) {
	log := &store.ConversationLog{
		ID:             uuid.New().String(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		CustomerPhone:  conv.CustomerPhone,
		EmployeePhone:  conv.EmployeePhone,
		DepartmentName: conv.DepartmentName,
		OpenedAt:       t.deps.Now(),
	}
	if err := t.deps.Store.OpenLog(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// Append records one message, rotating the log first when it would grow
// past the size limit.
func (t *Transcript) Append(ctx context.Context, conv *store.ActiveConversation, author, text string) error {
	st := t.deps.Store
	log, err := st.GetOpenLog(ctx, conv.ID)
	if errors.Is(err, store.ErrNotFound) {
		log, err = t.Open(ctx, conv)
	}
	if err != nil {
		return fmt.Errorf("resolving conversation log: %w", err)
	}

	if limit := t.deps.LogRotationMaxBytes; limit > 0 && log.Bytes > 0 && log.Bytes+int64(len(text)) > limit {
		if err := st.CloseLog(ctx, log.ID, store.CloseReasonRotated, "", t.deps.Now()); err != nil {
			return fmt.Errorf("rotating conversation log: %w", err)
		}
		t.logger.Info("conversation log rotated", "log_id", log.ID, "bytes", log.Bytes)
		if log, err = t.Open(ctx, conv); err != nil {
			return fmt.Errorf("opening rotated log: %w", err)
		}
	}

	return st.AppendLogMessage(ctx, &store.LogMessage{
		ID:        uuid.New().String(),
		LogID:     log.ID,
		Author:    author,
		Text:      text,
		CreatedAt: t.deps.Now(),
	})
}

// Close closes the open log with reason, summarizing it when a summarizer
// is configured. A failed summary leaves the summary empty.
func (t *Transcript) Close(ctx context.Context, conv *store.ActiveConversation, reason string) error {
	st := t.deps.Store
	log, err := st.GetOpenLog(ctx, conv.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving conversation log: %w", err)
	}
	return st.CloseLog(ctx, log.ID, reason, t.Summarize(ctx, log), t.deps.Now())
}

// Summarize condenses a log's messages. Errors are logged and yield "".
func (t *Transcript) Summarize(ctx context.Context, log *store.ConversationLog) string {
	if t.deps.Summarizer == nil {
		return ""
	}
	msgs, err := t.deps.Store.ListLogMessages(ctx, log.ID)
	if err != nil {
		t.logger.Warn("reading log for summary failed", "log_id", log.ID, "error", err)
		return ""
	}
	if len(msgs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Author+": "+m.Text)
	}

	ctx, cancel := context.WithTimeout(ctx, t.deps.SummaryTimeout)
	defer cancel()
	summary, err := t.deps.Summarizer.Summarize(ctx, log.TenantID, lines)
	if err != nil {
		t.logger.Warn("summarizing log failed", "log_id", log.ID, "error", err)
		return ""
	}
	return summary
}
