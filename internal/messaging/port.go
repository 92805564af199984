// ABOUTME: Outbound messaging port: text, reply buttons and option lists
// ABOUTME: Also the media download port used for inbound documents

package messaging

import (
	"context"
	"errors"
)

// Channel limits for interactive messages.
const (
	MaxButtons        = 3
	MaxButtonTitle    = 20
	MaxListRows       = 10
	MaxRowTitle       = 24
	MaxRowDescription = 72
	MaxListButton     = 20
)

var (
	// ErrTooManyButtons is returned when more than MaxButtons are sent.
	ErrTooManyButtons = errors.New("too many buttons")

	// ErrTooManyRows is returned when a list exceeds MaxListRows rows in total.
	ErrTooManyRows = errors.New("too many list rows")

	// ErrUnknownTenant is returned when no channel credentials exist for a tenant.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// Button is a quick-reply button.
type Button struct {
	ID    string
	Title string
}

// Row is one selectable option of a list.
type Row struct {
	ID          string
	Title       string
	Description string
}

// Section groups list rows under a title.
type Section struct {
	Title string
	Rows  []Row
}

// Sender delivers messages to a phone on behalf of a tenant. Errors propagate.
type Sender interface {
	SendText(ctx context.Context, tenantID, phone, text string) error
	SendButtons(ctx context.Context, tenantID, phone, text string, buttons []Button) error
	SendList(ctx context.Context, tenantID, phone, body, button string, sections []Section) error
}

// Media is a downloaded attachment.
type Media struct {
	Data []byte
	MIME string
}

// MediaFetcher downloads inbound attachments.
type MediaFetcher interface {
	DownloadMedia(ctx context.Context, tenantID, mediaID string) (*Media, error)
}

func countRows(sections []Section) int {
	n := 0
	for _, s := range sections {
		n += len(s.Rows)
	}
	return n
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
