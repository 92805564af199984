// ABOUTME: ReadLog returns a conversation log with its messages from wherever they live
// ABOUTME: Detail rows are read from the store until Purge removes them, then from the archive

package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/atende-gateway/internal/blob"
	"github.com/2389/atende-gateway/internal/store"
)

// LogReader is the slice of the store ReadLog needs.
type LogReader interface {
	GetLog(ctx context.Context, id string) (*store.ConversationLog, error)
	ListLogMessages(ctx context.Context, logID string) ([]*store.LogMessage, error)
}

// ReadLog returns the log and its messages in order. Returns
// store.ErrNotFound for an unknown log.
func ReadLog(ctx context.Context, st LogReader, blobs blob.Store, id string) (*store.ConversationLog, []*store.LogMessage, error) {
	log, err := st.GetLog(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if log.PurgedAt == nil {
		msgs, err := st.ListLogMessages(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("reading messages: %w", err)
		}
		return log, msgs, nil
	}

	data, err := blobs.Get(ctx, log.ArchiveLocator)
	if err != nil {
		return nil, nil, fmt.Errorf("reading archive %s: %w", log.ArchiveLocator, err)
	}
	var doc archivedLog
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding archive %s: %w", log.ArchiveLocator, err)
	}
	msgs := make([]*store.LogMessage, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		msgs = append(msgs, &store.LogMessage{LogID: log.ID, Author: m.Author, Text: m.Text, CreatedAt: m.CreatedAt})
	}
	return log, msgs, nil
}
