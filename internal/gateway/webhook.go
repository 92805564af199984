// ABOUTME: WhatsApp Cloud API webhook endpoint: subscription handshake and inbound delivery
// ABOUTME: Inbound messages are parsed, enqueued as jobs and acknowledged with 202

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/atende-gateway/internal/messaging"
	"github.com/2389/atende-gateway/internal/queue"
)

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleWebhookVerify(w, r)
	case http.MethodPost:
		g.handleWebhookDelivery(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleWebhookVerify answers the subscription challenge.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := g.config.Messaging.VerifyToken
	if q.Get("hub.mode") != "subscribe" || token == "" || q.Get("hub.verify_token") != token {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (g *Gateway) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	msgs, err := messaging.ParseWebhook(body, g.resolveTenant)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	for _, msg := range msgs {
		err := g.queue.Enqueue(r.Context(), queue.NewInboundJob(msg))
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrClosed) {
			// The channel redelivers; the idempotency store absorbs the repeats.
			g.logger.Warn("rejecting webhook, queue unavailable", "message_id", msg.MessageID, "error", err)
			g.sendJSONError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		if err != nil {
			g.logger.Error("enqueueing inbound message failed", "message_id", msg.MessageID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
	}

	g.logger.Debug("webhook accepted", "messages", len(msgs))
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) resolveTenant(phoneNumberID string) (string, bool) {
	id, ok := g.tenants[phoneNumberID]
	return id, ok
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
