// ABOUTME: Tests for the OpenAI adapter against a fake chat completions server
// ABOUTME: Covers chaining by response ID, tool-call intents, budget ceilings, condensation and uploads

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/atende-gateway/internal/budget"
	"github.com/2389/atende-gateway/internal/queue"
	"github.com/2389/atende-gateway/internal/store"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Tools     []any         `json:"tools"`
}

// fakeOpenAI answers /chat/completions from a handler func and records requests.
type fakeOpenAI struct {
	t      *testing.T
	mu     sync.Mutex
	reqs   []chatRequest
	n      int
	answer func(n int, req chatRequest) map[string]any
	server *httptest.Server
}

func newFakeOpenAI(t *testing.T, answer func(n int, req chatRequest) map[string]any) *fakeOpenAI {
	f := &fakeOpenAI{t: t, answer: answer}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.n++
		n := f.n
		f.reqs = append(f.reqs, req)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.answer(n, req))
	})
	mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "file-abc",
			"object":     "file",
			"bytes":      len(data),
			"filename":   header.Filename,
			"purpose":    r.FormValue("purpose"),
			"created_at": 1,
		})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOpenAI) requests() []chatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatRequest(nil), f.reqs...)
}

func completion(id, content string, in, out int) map[string]any {
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": in, "completion_tokens": out, "total_tokens": in + out},
	}
}

func newTestResponder(f *fakeOpenAI, budgets *budget.Manager) *OpenAIResponder {
	return NewOpenAIResponder(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: f.server.URL + "/v1",
		Timeout: 5 * time.Second,
	}, budgets, nil)
}

func TestOpenAIResponder_ChainsByResponseID(t *testing.T) {
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		return completion(fmt.Sprintf("R%d", n), fmt.Sprintf("resposta %d", n), 50, 10)
	})
	r := newTestResponder(f, budget.New(budget.Config{}))
	ctx := context.Background()

	first, err := r.MakeResponse(ctx, Request{TenantID: "t1", ConversationID: "s1", Text: "oi"})
	require.NoError(t, err)
	assert.Equal(t, "R1", first.ResponseID)
	assert.Equal(t, "resposta 1", first.Text)
	require.NotNil(t, first.Usage)
	assert.Equal(t, 50, first.Usage.InputTokens)

	second, err := r.MakeResponse(ctx, Request{TenantID: "t1", ConversationID: "s1", Text: "tudo bem?", LastResponseID: "R1"})
	require.NoError(t, err)
	assert.Equal(t, "R2", second.ResponseID)

	reqs := f.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Messages, 2, "system + user")
	require.Len(t, reqs[1].Messages, 4, "system + user + assistant + user")
	assert.Equal(t, "resposta 1", reqs[1].Messages[2].Content)
	assert.Equal(t, "tudo bem?", reqs[1].Messages[3].Content)
	assert.Len(t, reqs[1].Tools, 2)
}

func TestOpenAIResponder_UnknownContinuationStartsFresh(t *testing.T) {
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		return completion("R", "ok", 1, 1)
	})
	r := newTestResponder(f, nil)

	_, err := r.MakeResponse(context.Background(), Request{ConversationID: "s1", Text: "oi", LastResponseID: "gone"})
	require.NoError(t, err)
	assert.Len(t, f.requests()[0].Messages, 2)
}

// memHistory is a session message log shared between responders.
type memHistory struct {
	mu    sync.Mutex
	msgs  map[string][]*store.AIMessage
	usage []*store.AIUsage
	err   error
}

func (h *memHistory) add(sessionID, role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.msgs == nil {
		h.msgs = make(map[string][]*store.AIMessage)
	}
	h.msgs[sessionID] = append(h.msgs[sessionID], &store.AIMessage{SessionID: sessionID, Role: role, Content: content})
}

func (h *memHistory) ListAIMessages(_ context.Context, sessionID string) ([]*store.AIMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*store.AIMessage(nil), h.msgs[sessionID]...), h.err
}

func (h *memHistory) GetSessionUsage(_ context.Context, sessionID string) ([]*store.AIUsage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*store.AIUsage
	for _, u := range h.usage {
		if u.SessionID == sessionID {
			out = append(out, u)
		}
	}
	return out, h.err
}

func TestOpenAIResponder_RebuildsChainFromHistory(t *testing.T) {
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		return completion(fmt.Sprintf("R%d", n), fmt.Sprintf("resposta %d", n), 5, 5)
	})
	history := &memHistory{}
	newReplica := func() *OpenAIResponder {
		return NewOpenAIResponder(OpenAIConfig{
			APIKey:  "test-key",
			BaseURL: f.server.URL + "/v1",
			Timeout: 5 * time.Second,
			History: history,
		}, budget.New(budget.Config{}), nil)
	}
	ctx := context.Background()

	// The conversation layer records the user turn before calling and the reply after.
	history.add("s1", store.RoleUser, "oi")
	first, err := newReplica().MakeResponse(ctx, Request{ConversationID: "s1", Text: "oi"})
	require.NoError(t, err)
	history.add("s1", store.RoleAssistant, first.Text)
	history.usage = append(history.usage, &store.AIUsage{SessionID: "s1", InputTokens: 400, OutputTokens: 1000})

	history.add("s1", store.RoleUser, "tudo bem?")
	_, err = newReplica().MakeResponse(ctx, Request{ConversationID: "s1", Text: "tudo bem?", LastResponseID: first.ResponseID})
	require.NoError(t, err)

	reqs := f.requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 4, "system + user + assistant + user")
	assert.Equal(t, "system", reqs[1].Messages[0].Role)
	assert.Equal(t, chatMessage{Role: "user", Content: "oi"}, reqs[1].Messages[1])
	assert.Equal(t, chatMessage{Role: "assistant", Content: "resposta 1"}, reqs[1].Messages[2])
	assert.Equal(t, chatMessage{Role: "user", Content: "tudo bem?"}, reqs[1].Messages[3])
	assert.Equal(t, 1600, reqs[1].MaxTokens, "budget rebuilt from recorded usage")
}

func TestOpenAIResponder_HistoryFailureStartsFresh(t *testing.T) {
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		return completion("R", "ok", 1, 1)
	})
	r := NewOpenAIResponder(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: f.server.URL + "/v1",
		History: &memHistory{err: errors.New("db down")},
	}, nil, nil)

	_, err := r.MakeResponse(context.Background(), Request{ConversationID: "s1", Text: "oi", LastResponseID: "R0"})
	require.NoError(t, err)
	assert.Len(t, f.requests()[0].Messages, 2)
}

func TestOpenAIResponder_ToolCallsBecomeIntents(t *testing.T) {
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		resp := completion("R1", "", 10, 5)
		choice := resp["choices"].([]any)[0].(map[string]any)
		choice["finish_reason"] = "tool_calls"
		choice["message"] = map[string]any{
			"role":    "assistant",
			"content": "",
			"tool_calls": []any{
				map[string]any{
					"id":   "call_1",
					"type": "function",
					"function": map[string]any{
						"name":      "enter_queue",
						"arguments": `{"department":"Suporte"}`,
					},
				},
				map[string]any{
					"id":   "call_2",
					"type": "function",
					"function": map[string]any{
						"name":      "unknown_tool",
						"arguments": `{}`,
					},
				},
			},
		}
		return resp
	})
	r := newTestResponder(f, nil)

	resp, err := r.MakeResponse(context.Background(), Request{ConversationID: "s1", Text: "quero falar com alguém"})
	require.NoError(t, err)
	require.Len(t, resp.Intents, 1)
	assert.Equal(t, queue.Intent{Type: queue.IntentEnterQueue, Department: "Suporte"}, resp.Intents[0])
	assert.Empty(t, resp.Text)
}

func TestOpenAIResponder_AppliesBudgetAndRecordsUsage(t *testing.T) {
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		return completion(fmt.Sprintf("R%d", n), "ok", 2000, 400)
	})
	budgets := budget.New(budget.Config{})
	r := newTestResponder(f, budgets)
	ctx := context.Background()

	_, err := r.MakeResponse(ctx, Request{ConversationID: "s1", Text: "oi"})
	require.NoError(t, err)
	_, err = r.MakeResponse(ctx, Request{ConversationID: "s1", Text: "de novo", LastResponseID: "R1"})
	require.NoError(t, err)

	reqs := f.requests()
	assert.Equal(t, 512, reqs[0].MaxTokens, "default output ceiling before any observation")
	assert.Equal(t, 640, reqs[1].MaxTokens, "400 × 1.6 after the first observation")
	assert.Equal(t, 4400, budgets.Limits("s1").InputLimit)
}

func TestOpenAIResponder_CondensesOversizedHistory(t *testing.T) {
	long := strings.Repeat("palavra ", 3000) // ~6000 estimated tokens
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		// A summary request has the summary prompt as its system message.
		if strings.HasPrefix(req.Messages[0].Content, "Resuma") {
			return completion("S", "cliente perguntou muitas coisas", 100, 20)
		}
		return completion(fmt.Sprintf("R%d", n), long, 10, 10)
	})
	budgets := budget.New(budget.Config{MaxInput: 2000, MinInput: 1000})
	r := newTestResponder(f, budgets)
	ctx := context.Background()

	first, err := r.MakeResponse(ctx, Request{ConversationID: "s1", Text: "oi"})
	require.NoError(t, err)
	assert.False(t, first.Summarized)

	second, err := r.MakeResponse(ctx, Request{ConversationID: "s1", Text: "continua", LastResponseID: first.ResponseID})
	require.NoError(t, err)
	assert.True(t, second.Summarized)
	assert.NotEqual(t, first.ResponseID, second.ResponseID)

	reqs := f.requests()
	require.Len(t, reqs, 3, "reply, summary, reply")
	last := reqs[2]
	require.Len(t, last.Messages, 3, "system + summary + user")
	assert.Contains(t, last.Messages[1].Content, "cliente perguntou muitas coisas")
}

func TestOpenAIResponder_EmptyChoices(t *testing.T) {
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		resp := completion("R1", "", 0, 0)
		resp["choices"] = []any{}
		return resp
	})
	r := newTestResponder(f, nil)

	_, err := r.MakeResponse(context.Background(), Request{ConversationID: "s1", Text: "oi"})
	assert.True(t, errors.Is(err, ErrEmptyResponse))
}

func TestOpenAIResponder_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	t.Cleanup(server.Close)

	r := NewOpenAIResponder(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/v1"}, nil, nil)
	_, err := r.MakeResponse(context.Background(), Request{Text: "oi"})
	assert.Error(t, err)
}

func TestOpenAIResponder_Summarize(t *testing.T) {
	f := newFakeOpenAI(t, func(n int, req chatRequest) map[string]any {
		return completion("S", "  resumo  ", 10, 5)
	})
	r := newTestResponder(f, nil)

	summary, err := r.Summarize(context.Background(), "t1", []string{"cliente: oi", "atendente: olá"})
	require.NoError(t, err)
	assert.Equal(t, "resumo", summary)
	assert.Contains(t, f.requests()[0].Messages[1].Content, "atendente: olá")

	empty, err := r.Summarize(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Len(t, f.requests(), 1, "no call for an empty transcript")
}

func TestOpenAIResponder_IngestDocument(t *testing.T) {
	f := newFakeOpenAI(t, nil)
	r := newTestResponder(f, nil)

	id, err := r.IngestDocument(context.Background(), Document{
		TenantID: "t1", SessionID: "s1", Filename: "../../nota.pdf", Data: []byte("%PDF-1.4"),
	})
	require.NoError(t, err)
	assert.Equal(t, "file-abc", id)

	_, err = r.IngestDocument(context.Background(), Document{Filename: "x.pdf"})
	assert.Error(t, err)

	_, err = r.IngestDocument(context.Background(), Document{Filename: "x.pdf", Data: make([]byte, MaxDocumentBytes+1)})
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
}

func TestThreadStore_EvictsOldest(t *testing.T) {
	s := newThreadStore(2)
	s.put("a", nil)
	s.put("b", nil)
	s.put("c", nil)

	_, ok := s.get("a")
	assert.False(t, ok)
	_, ok = s.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, s.len())
}

func TestScriptedResponder(t *testing.T) {
	s := NewScriptedResponder().
		Reply(Response{Text: "primeira", ResponseID: "R1"}).
		Fail(errors.New("timeout"))

	ctx := context.Background()
	resp, err := s.MakeResponse(ctx, Request{Text: "a"})
	require.NoError(t, err)
	assert.Equal(t, "R1", resp.ResponseID)

	_, err = s.MakeResponse(ctx, Request{Text: "b"})
	assert.Error(t, err)

	resp, err = s.MakeResponse(ctx, Request{Text: "c"})
	require.NoError(t, err)
	assert.Equal(t, "eco: c", resp.Text)
	assert.Len(t, s.Requests(), 3)
}

func TestOpenAIResponder_EndSessionForgetsBudget(t *testing.T) {
	budgets := budget.New(budget.DefaultConfig())
	budgets.Update("sess-1", budget.Usage{InputTokens: 100, OutputTokens: 50})
	r := NewOpenAIResponder(OpenAIConfig{APIKey: "k"}, budgets, nil)

	r.EndSession("sess-1")
	assert.Zero(t, budgets.Len())
}
