// ABOUTME: Parses channel webhook notifications into inbound queue messages
// ABOUTME: Delivery status callbacks are ignored; unknown sending numbers are skipped

package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/2389/atende-gateway/internal/queue"
)

// TenantResolver maps the receiving phone number ID to a tenant.
type TenantResolver func(phoneNumberID string) (tenantID string, ok bool)

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Filename string `json:"filename"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type      string `json:"type"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Document *webhookMedia `json:"document"`
	Image    *webhookMedia `json:"image"`
	Audio    *webhookMedia `json:"audio"`
	Video    *webhookMedia `json:"video"`
	Sticker  *webhookMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

// ParseWebhook extracts the inbound messages of a notification.
func ParseWebhook(body []byte, resolve TenantResolver) ([]queue.IncomingMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}

	var out []queue.IncomingMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			v := change.Value
			tenantID, ok := resolve(v.Metadata.PhoneNumberID)
			if !ok {
				continue
			}
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				if m.ID == "" || m.From == "" {
					continue
				}
				out = append(out, queue.IncomingMessage{
					TenantID:   tenantID,
					MessageID:  m.ID,
					From:       m.From,
					To:         v.Metadata.DisplayPhoneNumber,
					Name:       names[m.From],
					Content:    contentOf(m),
					ReceivedAt: parseUnix(m.Timestamp),
				})
			}
		}
	}
	return out, nil
}

func contentOf(m webhookMessage) queue.Content {
	media := func(kind queue.ContentKind, wm *webhookMedia) queue.Content {
		return queue.Content{Kind: kind, Media: &queue.Media{ID: wm.ID, Filename: wm.Filename, MIME: wm.MIMEType}}
	}

	switch {
	case m.Type == "text" && m.Text != nil:
		return queue.Content{Kind: queue.ContentText, Text: m.Text.Body}
	case m.Type == "interactive" && m.Interactive != nil && m.Interactive.ListReply != nil:
		r := m.Interactive.ListReply
		return queue.Content{Kind: queue.ContentListReply, Text: r.ID, Title: r.Title}
	case m.Type == "interactive" && m.Interactive != nil && m.Interactive.ButtonReply != nil:
		r := m.Interactive.ButtonReply
		return queue.Content{Kind: queue.ContentButtonReply, Text: r.ID, Title: r.Title}
	case m.Type == "button" && m.Button != nil:
		return queue.Content{Kind: queue.ContentButtonReply, Text: m.Button.Payload, Title: m.Button.Text}
	case m.Type == "document" && m.Document != nil:
		return media(queue.ContentDocument, m.Document)
	case m.Type == "image" && m.Image != nil:
		return media(queue.ContentImage, m.Image)
	case m.Type == "audio" && m.Audio != nil:
		return media(queue.ContentAudio, m.Audio)
	case m.Type == "video" && m.Video != nil:
		return media(queue.ContentVideo, m.Video)
	case m.Type == "sticker" && m.Sticker != nil:
		return media(queue.ContentSticker, m.Sticker)
	case m.Type == "location":
		return queue.Content{Kind: queue.ContentLocation}
	}
	return queue.Content{Kind: queue.ContentKind(m.Type)}
}

func parseUnix(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
