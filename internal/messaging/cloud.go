// ABOUTME: HTTP client for a WhatsApp Cloud style messaging API
// ABOUTME: Per-tenant credentials and token-bucket rate limiting with golang.org/x/time/rate

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://graph.facebook.com/v21.0"
	defaultRate     = 20
	defaultBurst    = 40
	defaultTimeout  = 15 * time.Second
	maxMediaBytes   = 32 << 20
	maxErrorPreview = 512
)

// TenantCredentials identify a tenant's sending number.
type TenantCredentials struct {
	PhoneNumberID string
	Token         string
}

// CloudConfig configures the client.
type CloudConfig struct {
	BaseURL       string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	Tenants       map[string]TenantCredentials
}

// CloudClient implements Sender and MediaFetcher over HTTP.
type CloudClient struct {
	baseURL string
	http    *http.Client
	tenants map[string]TenantCredentials

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int

	logger *slog.Logger
}

// NewCloudClient creates a client. A nil httpClient uses one with the configured timeout.
func NewCloudClient(cfg CloudConfig, httpClient *http.Client, logger *slog.Logger) *CloudClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	tenants := make(map[string]TenantCredentials, len(cfg.Tenants))
	for id, creds := range cfg.Tenants {
		tenants[id] = creds
	}

	return &CloudClient{
		baseURL:  baseURL,
		http:     httpClient,
		tenants:  tenants,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		logger:   logger.With("component", "messaging"),
	}
}

// TenantForPhoneNumberID resolves the tenant owning a sending number.
func (c *CloudClient) TenantForPhoneNumberID(phoneNumberID string) (string, bool) {
	for id, creds := range c.tenants {
		if creds.PhoneNumberID == phoneNumberID {
			return id, true
		}
	}
	return "", false
}

func (c *CloudClient) limiter(tenantID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.limiters[tenantID]; ok {
		return l
	}
	l := rate.NewLimiter(c.limit, c.burst)
	c.limiters[tenantID] = l
	return l
}

// SendText sends a plain text message.
func (c *CloudClient) SendText(ctx context.Context, tenantID, phone, text string) error {
	return c.send(ctx, tenantID, outbound{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "text",
		Text:             &textBody{Body: text},
	})
}

// SendButtons sends up to MaxButtons reply buttons under a text.
func (c *CloudClient) SendButtons(ctx context.Context, tenantID, phone, text string, buttons []Button) error {
	if len(buttons) > MaxButtons {
		return fmt.Errorf("%w: %d > %d", ErrTooManyButtons, len(buttons), MaxButtons)
	}
	action := &interactiveAction{}
	for _, b := range buttons {
		action.Buttons = append(action.Buttons, replyButton{
			Type:  "reply",
			Reply: buttonReply{ID: b.ID, Title: truncate(b.Title, MaxButtonTitle)},
		})
	}
	return c.send(ctx, tenantID, outbound{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "interactive",
		Interactive: &interactive{
			Type:   "button",
			Body:   textBody{Text: text},
			Action: action,
		},
	})
}

// SendList sends a list of options opened by a button.
func (c *CloudClient) SendList(ctx context.Context, tenantID, phone, body, button string, sections []Section) error {
	if n := countRows(sections); n > MaxListRows {
		return fmt.Errorf("%w: %d > %d", ErrTooManyRows, n, MaxListRows)
	}
	action := &interactiveAction{Button: truncate(button, MaxListButton)}
	for _, s := range sections {
		ls := listSection{Title: truncate(s.Title, MaxRowTitle)}
		for _, r := range s.Rows {
			ls.Rows = append(ls.Rows, listRow{
				ID:          r.ID,
				Title:       truncate(r.Title, MaxRowTitle),
				Description: truncate(r.Description, MaxRowDescription),
			})
		}
		action.Sections = append(action.Sections, ls)
	}
	return c.send(ctx, tenantID, outbound{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "interactive",
		Interactive: &interactive{
			Type:   "list",
			Body:   textBody{Text: body},
			Action: action,
		},
	})
}

func (c *CloudClient) send(ctx context.Context, tenantID string, msg outbound) error {
	creds, ok := c.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if err := c.limiter(tenantID).Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+creds.PhoneNumberID+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s message: %w", msg.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorPreview))
		return fmt.Errorf("sending %s message: status %d: %s", msg.Type, resp.StatusCode, strings.TrimSpace(string(preview)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("message sent", "tenant_id", tenantID, "to", msg.To, "type", msg.Type)
	return nil
}

// DownloadMedia resolves a media ID to its URL and fetches the bytes.
func (c *CloudClient) DownloadMedia(ctx context.Context, tenantID, mediaID string) (*Media, error) {
	creds, ok := c.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	var meta struct {
		URL      string `json:"url"`
		MIMEType string `json:"mime_type"`
	}
	if err := c.getJSON(ctx, creds.Token, c.baseURL+"/"+mediaID, &meta); err != nil {
		return nil, fmt.Errorf("resolving media %s: %w", mediaID, err)
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("resolving media %s: empty url", mediaID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading media %s: %w", mediaID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading media %s: status %d", mediaID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading media %s: %w", mediaID, err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media %s exceeds %d bytes", mediaID, maxMediaBytes)
	}

	mime := meta.MIMEType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return &Media{Data: data, MIME: mime}, nil
}

func (c *CloudClient) getJSON(ctx context.Context, token, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// Wire shapes for outbound messages.
type outbound struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
}

type textBody struct {
	Body string `json:"body,omitempty"`
	Text string `json:"text,omitempty"`
}

type interactive struct {
	Type   string             `json:"type"`
	Body   textBody           `json:"body"`
	Action *interactiveAction `json:"action"`
}

type interactiveAction struct {
	Button   string        `json:"button,omitempty"`
	Buttons  []replyButton `json:"buttons,omitempty"`
	Sections []listSection `json:"sections,omitempty"`
}

type replyButton struct {
	Type  string      `json:"type"`
	Reply buttonReply `json:"reply"`
}

type buttonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type listSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []listRow `json:"rows"`
}

type listRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

var (
	_ Sender       = (*CloudClient)(nil)
	_ MediaFetcher = (*CloudClient)(nil)
)
