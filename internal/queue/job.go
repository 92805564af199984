// ABOUTME: Queue job payloads: inbound channel messages and assistant tool intents
// ABOUTME: Jobs are a tagged union encoded as flat JSON objects discriminated by "kind"

package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the job variants.
type Kind string

const (
	KindInbound Kind = "inbound"
	KindIntent  Kind = "intent"
)

// ContentKind is the type of an inbound message body.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentListReply   ContentKind = "list_reply"
	ContentButtonReply ContentKind = "button_reply"
	ContentDocument    ContentKind = "document"
	ContentImage       ContentKind = "image"
	ContentAudio       ContentKind = "audio"
	ContentVideo       ContentKind = "video"
	ContentSticker     ContentKind = "sticker"
	ContentLocation    ContentKind = "location"
)

// IntentType names the assistant-emitted actions.
type IntentType string

const (
	IntentEnterQueue IntentType = "ENTER_QUEUE"
	IntentEndAIChat  IntentType = "END_AI_CHAT"
)

// ErrUnknownKind is returned when decoding a job with an unrecognized kind.
var ErrUnknownKind = errors.New("unknown job kind")

// Media references a downloadable attachment on the channel side.
type Media struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	MIME     string `json:"mime,omitempty"`
}

// Content is the typed body of an inbound message.
type Content struct {
	Kind  ContentKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Title string      `json:"title,omitempty"`
	Media *Media      `json:"media,omitempty"`
}

// IsTextual reports whether the content can be flattened to a string.
func (c Content) IsTextual() bool {
	switch c.Kind {
	case ContentText, ContentListReply, ContentButtonReply:
		return true
	}
	return false
}

// Flatten returns the text the state machine sees. Replies to buttons and
// lists carry the chosen option's title; plain text carries the body.
func (c Content) Flatten() string {
	if c.Title != "" && c.Kind != ContentText {
		return strings.TrimSpace(c.Title)
	}
	if c.Text != "" {
		return strings.TrimSpace(c.Text)
	}
	return strings.TrimSpace(c.Title)
}

// IsPDF reports whether the content is a PDF document.
func (c Content) IsPDF() bool {
	if c.Kind != ContentDocument || c.Media == nil {
		return false
	}
	if strings.EqualFold(c.Media.MIME, "application/pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(c.Media.Filename), ".pdf")
}

// IncomingMessage is a message received from the channel.
type IncomingMessage struct {
	TenantID   string    `json:"tenantId"`
	MessageID  string    `json:"messageId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Name       string    `json:"name"`
	Content    Content   `json:"content"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// IdempotencyKey is the deduplication token for the message.
func (m *IncomingMessage) IdempotencyKey() string {
	return m.TenantID + ":" + m.MessageID
}

// Intent is one action requested by the assistant.
type Intent struct {
	Type       IntentType `json:"type"`
	Department string     `json:"department,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// ToolIntents carries the actions an assistant reply asked for, in order.
type ToolIntents struct {
	TenantID       string   `json:"tenantId"`
	UserPhone      string   `json:"userPhone"`
	ConversationID string   `json:"conversationId"`
	Intents        []Intent `json:"intents"`
}

// Job is exactly one of Inbound or Intent, selected by Kind.
type Job struct {
	Kind    Kind
	Inbound *IncomingMessage
	Intent  *ToolIntents
}

// NewInboundJob wraps an inbound message.
func NewInboundJob(msg IncomingMessage) Job {
	return Job{Kind: KindInbound, Inbound: &msg}
}

// NewIntentJob wraps assistant tool intents.
func NewIntentJob(intents ToolIntents) Job {
	return Job{Kind: KindIntent, Intent: &intents}
}

// TenantID returns the tenant of whichever variant is set.
func (j Job) TenantID() string {
	switch j.Kind {
	case KindInbound:
		if j.Inbound != nil {
			return j.Inbound.TenantID
		}
	case KindIntent:
		if j.Intent != nil {
			return j.Intent.TenantID
		}
	}
	return ""
}

// Validate checks that the variant matching Kind is present.
func (j Job) Validate() error {
	switch j.Kind {
	case KindInbound:
		if j.Inbound == nil {
			return errors.New("inbound job without message")
		}
		if j.Inbound.TenantID == "" || j.Inbound.MessageID == "" || j.Inbound.From == "" {
			return errors.New("inbound job requires tenantId, messageId and from")
		}
	case KindIntent:
		if j.Intent == nil {
			return errors.New("intent job without intents")
		}
		if j.Intent.TenantID == "" || j.Intent.UserPhone == "" {
			return errors.New("intent job requires tenantId and userPhone")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}
	return nil
}

// MarshalJSON writes the flat wire shape: the variant's fields plus "kind".
func (j Job) MarshalJSON() ([]byte, error) {
	switch j.Kind {
	case KindInbound:
		if j.Inbound == nil {
			return nil, errors.New("inbound job without message")
		}
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*IncomingMessage
		}{j.Kind, j.Inbound})
	case KindIntent:
		if j.Intent == nil {
			return nil, errors.New("intent job without intents")
		}
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*ToolIntents
		}{j.Kind, j.Intent})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}
}

// UnmarshalJSON reads the flat wire shape.
func (j *Job) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	switch head.Kind {
	case KindInbound:
		var msg IncomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decoding inbound job: %w", err)
		}
		*j = Job{Kind: KindInbound, Inbound: &msg}
	case KindIntent:
		var intents ToolIntents
		if err := json.Unmarshal(data, &intents); err != nil {
			return fmt.Errorf("decoding intent job: %w", err)
		}
		*j = Job{Kind: KindIntent, Intent: &intents}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, head.Kind)
	}
	return nil
}
