// ABOUTME: Document ingestion: uploads customer PDFs to the assistant's file storage

package ai

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// MaxDocumentBytes bounds an uploaded document.
const MaxDocumentBytes = 20 << 20

// ErrDocumentTooLarge is returned for documents over MaxDocumentBytes.
var ErrDocumentTooLarge = errors.New("document too large")

// IngestDocument uploads the file and returns the provider's file ID.
func (r *OpenAIResponder) IngestDocument(ctx context.Context, doc Document) (string, error) {
	if len(doc.Data) == 0 {
		return "", errors.New("empty document")
	}
	if len(doc.Data) > MaxDocumentBytes {
		return "", ErrDocumentTooLarge
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	name := path.Base(strings.ReplaceAll(doc.Filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "documento.pdf"
	}

	file, err := r.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   doc.Data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("uploading document: %w", err)
	}

	r.logger.Info("document ingested",
		"tenant_id", doc.TenantID,
		"session_id", doc.SessionID,
		"file_id", file.ID,
		"bytes", len(doc.Data),
	)
	return file.ID, nil
}

var _ Ingestor = (*OpenAIResponder)(nil)
