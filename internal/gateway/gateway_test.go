// ABOUTME: Tests for the gateway orchestrator and its webhook endpoint
// ABOUTME: Exercises health, verify handshake, inbound delivery, job runs and shutdown

package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/atende-gateway/internal/ai"
	"github.com/2389/atende-gateway/internal/config"
	"github.com/2389/atende-gateway/internal/jobs"
	"github.com/2389/atende-gateway/internal/lock"
	"github.com/2389/atende-gateway/internal/messaging"
	"github.com/2389/atende-gateway/internal/queue"
	"github.com/2389/atende-gateway/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
  shutdown_timeout: "2s"
database:
  path: %q
archive:
  dir: %q
messaging:
  verify_token: "hub-secret"
  tenants:
    acme:
      phone_number_id: "pn-1"
      token: "tok"
`, filepath.Join(dir, "gateway.db"), filepath.Join(dir, "archive"))))
	require.NoError(t, err)
	return cfg
}

func newTestGateway(t *testing.T, opts ...Option) (*Gateway, *messaging.Recorder) {
	t.Helper()
	rec := messaging.NewRecorder()
	opts = append([]Option{WithSender(rec, nil)}, opts...)
	gw, err := New(context.Background(), testConfig(t), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { gw.closeComponents() })
	return gw, rec
}

func textDelivery(phoneNumberID, from, id, body string) string {
	return fmt.Sprintf(`{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"field": "messages", "value": {
    "metadata": {"display_phone_number": "551130000000", "phone_number_id": %q},
    "contacts": [{"wa_id": %q, "profile": {"name": "Ana"}}],
    "messages": [{"from": %q, "id": %q, "timestamp": "1760400000", "type": "text", "text": {"body": %q}}]
  }}]}]
}`, phoneNumberID, from, from, id, body)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	gw, _ := newTestGateway(t)

	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

func TestWebhook_VerifyHandshake(t *testing.T) {
	gw, _ := newTestGateway(t)

	tests := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=hub-secret&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=hub-secret&hub.challenge=1", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.body, w.Body.String())
		})
	}
}

func TestWebhook_RejectsBadRequests(t *testing.T) {
	gw, _ := newTestGateway(t)

	w := post(t, gw.Handler(), "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid webhook payload")

	w = httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWebhook_UnknownNumberIsAcknowledged(t *testing.T) {
	q := queue.NewMemoryQueue(0, nil)
	gw, _ := newTestGateway(t, WithQueue(q))

	w := post(t, gw.Handler(), textDelivery("pn-other", "5511999990001", "wamid.1", "oi"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Zero(t, q.Len())
}

func TestWebhook_DeliversToConversation(t *testing.T) {
	gw, rec := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.startWorkers(ctx))

	body := textDelivery("pn-1", "5511999990001", "wamid.1", "oi")
	assert.Equal(t, http.StatusAccepted, post(t, gw.Handler(), body).Code)

	require.Eventually(t, func() bool {
		return len(rec.To("5511999990001")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	sent, _ := rec.Last("5511999990001")
	assert.Equal(t, messaging.KindButtons, sent.Kind)
	assert.Equal(t, "acme", sent.TenantID)
	assert.Len(t, sent.Buttons, 3)

	// Redelivery of the same message is absorbed.
	assert.Equal(t, http.StatusAccepted, post(t, gw.Handler(), body).Code)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.To("5511999990001"), 1)
}

func TestWithAssistant_RepliesThroughOverride(t *testing.T) {
	scripted := ai.NewScriptedResponder().Reply(ai.Response{Text: "Olá, sou o assistente.", ResponseID: "R1"})
	gw, rec := newTestGateway(t, WithAssistant(scripted))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.startWorkers(ctx))

	post(t, gw.Handler(), textDelivery("pn-1", "5511999990001", "wamid.1", "assistente"))
	require.Eventually(t, func() bool { return len(rec.To("5511999990001")) == 1 }, 2*time.Second, 10*time.Millisecond)
	post(t, gw.Handler(), textDelivery("pn-1", "5511999990001", "wamid.2", "qual o horário?"))
	require.Eventually(t, func() bool { return len(rec.To("5511999990001")) == 2 }, 2*time.Second, 10*time.Millisecond)

	sent, _ := rec.Last("5511999990001")
	assert.Equal(t, "Olá, sou o assistente.", sent.Text)
	require.Len(t, scripted.Requests(), 1)
	assert.Equal(t, "qual o horário?", scripted.Requests()[0].Text)
}

func TestWebhook_QueueClosedReturns503(t *testing.T) {
	q := queue.NewMemoryQueue(0, nil)
	gw, _ := newTestGateway(t, WithQueue(q))
	require.NoError(t, q.Close())

	w := post(t, gw.Handler(), textDelivery("pn-1", "5511999990001", "wamid.1", "oi"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRunJob(t *testing.T) {
	gw, _ := newTestGateway(t)
	assert.ElementsMatch(t, []string{jobs.NameAutoClose, jobs.NameArchive, jobs.NamePurge, jobs.NameAITimeout}, gw.JobNames())

	outcome, stats, err := gw.RunJob(context.Background(), jobs.NameAutoClose)
	require.NoError(t, err)
	assert.Equal(t, lock.Ran, outcome)
	assert.Equal(t, jobs.Stats{}, stats)
}

func TestRunJob_Unknown(t *testing.T) {
	gw, _ := newTestGateway(t)

	_, _, err := gw.RunJob(context.Background(), "compact")
	assert.Error(t, err)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	gw, _ := newTestGateway(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestReadLogAndUsage(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	seedTranscript(t, cfg)

	gw, err := New(ctx, cfg, nil, WithSender(messaging.NewRecorder(), nil))
	require.NoError(t, err)
	log, msgs, err := gw.ReadLog(ctx, "log-1")
	require.NoError(t, err)
	assert.Equal(t, "Suporte", log.DepartmentName)
	require.Len(t, msgs, 2)
	assert.Equal(t, "bom dia", msgs[1].Text)

	gw, err = New(ctx, cfg, nil, WithSender(messaging.NewRecorder(), nil))
	require.NoError(t, err)
	tenant := "acme"
	stats, err := gw.UsageStats(ctx, store.UsageFilter{TenantID: &tenant})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RequestCount)
	assert.Equal(t, int64(150), stats.TotalTokens)
}

// seedTranscript writes one closed log and one usage row into cfg's database.
func seedTranscript(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteStore(cfg.Database.Path, nil)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	opened := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.OpenLog(ctx, &store.ConversationLog{
		ID: "log-1", TenantID: "acme", ConversationID: "conv-1",
		CustomerPhone: "5511999990001", EmployeePhone: "5511800000001", DepartmentName: "Suporte", OpenedAt: opened,
	}))
	require.NoError(t, st.AppendLogMessage(ctx, &store.LogMessage{ID: "m1", LogID: "log-1", Author: store.AuthorCustomer, Text: "olá", CreatedAt: opened}))
	require.NoError(t, st.AppendLogMessage(ctx, &store.LogMessage{ID: "m2", LogID: "log-1", Author: store.AuthorEmployee, Text: "bom dia", CreatedAt: opened.Add(time.Minute)}))
	require.NoError(t, st.SaveAIUsage(ctx, &store.AIUsage{
		ID: "u1", TenantID: "acme", SessionID: "s1", InputTokens: 100, OutputTokens: 50, CreatedAt: opened,
	}))
}
