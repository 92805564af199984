package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/atende-gateway/internal/queue"
)

func resolveTest(id string) (string, bool) {
	if id == "pn-1" {
		return "t1", true
	}
	return "", false
}

const webhookBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "field": "messages",
      "value": {
        "metadata": {"display_phone_number": "551130000000", "phone_number_id": "pn-1"},
        "contacts": [{"wa_id": "5511999", "profile": {"name": "Ana"}}],
        "messages": [
          {"from": "5511999", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Oi"}},
          {"from": "5511999", "id": "wamid.2", "timestamp": "1700000001", "type": "interactive",
           "interactive": {"type": "list_reply", "list_reply": {"id": "Suporte", "title": "Suporte"}}},
          {"from": "5511999", "id": "wamid.3", "timestamp": "1700000002", "type": "interactive",
           "interactive": {"type": "button_reply", "button_reply": {"id": "faq", "title": "Dúvidas"}}},
          {"from": "5511999", "id": "wamid.4", "timestamp": "1700000003", "type": "document",
           "document": {"id": "media-1", "mime_type": "application/pdf", "filename": "contrato.pdf"}},
          {"from": "5511999", "id": "wamid.5", "timestamp": "1700000004", "type": "location",
           "location": {"latitude": -23.5, "longitude": -46.6}}
        ]
      }
    }]
  }]
}`

func TestParseWebhook(t *testing.T) {
	msgs, err := ParseWebhook([]byte(webhookBody), resolveTest)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	first := msgs[0]
	assert.Equal(t, "t1", first.TenantID)
	assert.Equal(t, "wamid.1", first.MessageID)
	assert.Equal(t, "5511999", first.From)
	assert.Equal(t, "551130000000", first.To)
	assert.Equal(t, "Ana", first.Name)
	assert.Equal(t, queue.ContentText, first.Content.Kind)
	assert.Equal(t, "Oi", first.Content.Flatten())
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), first.ReceivedAt)

	assert.Equal(t, queue.ContentListReply, msgs[1].Content.Kind)
	assert.Equal(t, "Suporte", msgs[1].Content.Flatten())

	assert.Equal(t, queue.ContentButtonReply, msgs[2].Content.Kind)
	assert.Equal(t, "faq", msgs[2].Content.Text)
	assert.Equal(t, "Dúvidas", msgs[2].Content.Flatten())

	assert.True(t, msgs[3].Content.IsPDF())
	assert.Equal(t, "media-1", msgs[3].Content.Media.ID)

	assert.Equal(t, queue.ContentLocation, msgs[4].Content.Kind)
	assert.False(t, msgs[4].Content.IsTextual())
}

func TestParseWebhook_SkipsStatusesAndUnknownNumbers(t *testing.T) {
	body := `{"entry":[
	  {"changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"pn-1"},
	    "statuses":[{"id":"wamid.out","status":"delivered"}]}}]},
	  {"changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"pn-9"},
	    "messages":[{"from":"1","id":"x","type":"text","text":{"body":"oi"}}]}}]}
	]}`
	msgs, err := ParseWebhook([]byte(body), resolveTest)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestParseWebhook_InvalidJSON(t *testing.T) {
	_, err := ParseWebhook([]byte("{"), resolveTest)
	assert.Error(t, err)
}
