// ABOUTME: Assistant ports consumed by the conversation layer
// ABOUTME: Responder answers user turns, Summarizer condenses transcripts, Ingestor accepts documents

package ai

import (
	"context"
	"errors"

	"github.com/2389/atende-gateway/internal/queue"
)

// ErrEmptyResponse is returned when the model produced no choice.
var ErrEmptyResponse = errors.New("assistant returned no choices")

// Request is one user turn sent to the assistant.
type Request struct {
	TenantID       string
	ConversationID string // the AI session ID; also the budget key
	UserPhone      string
	Role           string
	Text           string
	LastResponseID string // continuation token; empty starts a fresh thread
}

// Usage is the token count of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the assistant's reply.
type Response struct {
	Text       string
	ResponseID string
	Usage      *Usage
	Model      string
	// Summarized reports that prior history was condensed; the new
	// ResponseID starts a fresh chain.
	Summarized bool
	// Intents are actions the assistant asked for through tool calls, in order.
	Intents []queue.Intent
}

// Responder produces assistant replies.
type Responder interface {
	MakeResponse(ctx context.Context, req Request) (*Response, error)
}

// Summarizer condenses a transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, tenantID string, lines []string) (string, error)
}

// Document is an uploaded file handed to the assistant.
type Document struct {
	TenantID  string
	SessionID string
	Filename  string
	Data      []byte
}

// Ingestor makes a document available to the assistant and returns its reference.
type Ingestor interface {
	IngestDocument(ctx context.Context, doc Document) (string, error)
}

// SessionEnder is implemented by responders that keep per-session state.
type SessionEnder interface {
	EndSession(sessionID string)
}
