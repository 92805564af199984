// ABOUTME: OpenAI-compatible assistant adapter built on go-openai chat completions
// ABOUTME: Chains turns by response ID, condenses history past the budget, and maps tool calls to intents

package ai

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/2389/atende-gateway/internal/budget"
	"github.com/2389/atende-gateway/internal/queue"
	"github.com/2389/atende-gateway/internal/store"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultTimeout    = 30 * time.Second
	defaultMaxThreads = 10000

	toolEnterQueue = "enter_queue"
	toolEndChat    = "end_ai_chat"
)

const defaultSystemPrompt = `Você é o assistente virtual de atendimento da empresa.
Responda em português, de forma breve e cordial.
Quando o cliente pedir para falar com uma pessoa, use a ferramenta enter_queue com o nome do departamento.
Quando o assunto estiver resolvido e o cliente se despedir, use a ferramenta end_ai_chat.`

// OpenAIConfig configures the adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	SystemPrompt string
	// MaxThreads bounds the in-memory continuation chains.
	MaxThreads int
	// History rebuilds a chain this process does not hold, after a restart
	// or when another replica answered the previous turn. Optional.
	History HistorySource
}

// HistorySource reads a session's persisted messages and token usage.
type HistorySource interface {
	ListAIMessages(ctx context.Context, sessionID string) ([]*store.AIMessage, error)
	GetSessionUsage(ctx context.Context, sessionID string) ([]*store.AIUsage, error)
}

// OpenAIResponder implements Responder and Summarizer over one client.
type OpenAIResponder struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	system  string
	budget  *budget.Manager
	threads *threadStore
	history HistorySource
	logger  *slog.Logger
}

// NewOpenAIResponder creates the adapter. budgets may be nil, in which case
// no output ceiling is applied and history is never condensed.
func NewOpenAIResponder(cfg OpenAIConfig, budgets *budget.Manager, logger *slog.Logger) *OpenAIResponder {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	maxThreads := cfg.MaxThreads
	if maxThreads <= 0 {
		maxThreads = defaultMaxThreads
	}

	return &OpenAIResponder{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: timeout,
		system:  system,
		budget:  budgets,
		threads: newThreadStore(maxThreads),
		history: cfg.History,
		logger:  logger.With("component", "ai"),
	}
}

// EndSession drops the session's token budget.
func (r *OpenAIResponder) EndSession(sessionID string) {
	if r.budget != nil {
		r.budget.Forget(sessionID)
	}
}

// MakeResponse sends one user turn and returns the reply.
func (r *OpenAIResponder) MakeResponse(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	history, found := r.threads.get(req.LastResponseID)
	if req.LastResponseID != "" && !found {
		history = r.rebuild(ctx, req)
	}
	if len(history) == 0 {
		history = []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: r.system}}
	}

	summarized := false
	var limits budget.Limits
	if r.budget != nil {
		limits = r.budget.Limits(req.ConversationID)
		if len(history) > 1 && estimateTokens(history)+estimateText(req.Text) > limits.InputLimit {
			condensed, err := r.condense(ctx, req.TenantID, history)
			if err != nil {
				// Oversized history is still answerable; the next turn retries.
				r.logger.Warn("history condensation failed", "session_id", req.ConversationID, "error", err)
			} else {
				history = condensed
				summarized = true
			}
		}
	}

	messages := append(history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
		Tools:    intentTools(),
	}
	if limits.OutputLimit > 0 {
		chatReq.MaxTokens = limits.OutputLimit
	}

	start := time.Now()
	resp, err := r.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	msg := resp.Choices[0].Message
	intents := r.parseIntents(msg.ToolCalls)

	// Only the text goes back into history so the chain stays replayable
	// without tool result messages.
	if msg.Content != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: msg.Content,
		})
	}

	responseID := resp.ID
	if responseID == "" {
		responseID = uuid.New().String()
	}
	r.threads.put(responseID, messages)

	usage := &Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	if r.budget != nil {
		r.budget.Update(req.ConversationID, budget.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		})
	}

	r.logger.Debug("assistant replied",
		"tenant_id", req.TenantID,
		"session_id", req.ConversationID,
		"latency_ms", time.Since(start).Milliseconds(),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"intents", len(intents),
		"summarized", summarized,
	)

	return &Response{
		Text:       strings.TrimSpace(msg.Content),
		ResponseID: responseID,
		Usage:      usage,
		Model:      resp.Model,
		Summarized: summarized,
		Intents:    intents,
	}, nil
}

// rebuild restores a missing chain from the session's stored messages. The
// store already holds the current user turn, which MakeResponse appends
// itself, so a trailing copy of it is dropped.
func (r *OpenAIResponder) rebuild(ctx context.Context, req Request) []openai.ChatCompletionMessage {
	if r.history == nil || req.ConversationID == "" {
		r.logger.Warn("continuation not found, starting fresh", "session_id", req.ConversationID, "response_id", req.LastResponseID)
		return nil
	}
	stored, err := r.history.ListAIMessages(ctx, req.ConversationID)
	if err != nil {
		r.logger.Warn("rebuilding continuation failed, starting fresh", "session_id", req.ConversationID, "error", err)
		return nil
	}
	if n := len(stored); n > 0 && stored[n-1].Role == store.RoleUser && stored[n-1].Content == req.Text {
		stored = stored[:n-1]
	}

	history := make([]openai.ChatCompletionMessage, 0, len(stored)+1)
	history = append(history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: r.system})
	for _, m := range stored {
		role := openai.ChatMessageRoleUser
		if m.Role == store.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		history = append(history, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	r.reseedBudget(ctx, req.ConversationID)
	r.logger.Debug("continuation rebuilt from store", "session_id", req.ConversationID, "messages", len(stored))
	return history
}

// reseedBudget replays the session's recorded usage into the budget so a
// rebuilt chain is sized like the one that was lost.
func (r *OpenAIResponder) reseedBudget(ctx context.Context, sessionID string) {
	if r.budget == nil {
		return
	}
	usages, err := r.history.GetSessionUsage(ctx, sessionID)
	if err != nil {
		r.logger.Warn("reading session usage failed", "session_id", sessionID, "error", err)
		return
	}
	r.budget.Forget(sessionID)
	for _, u := range usages {
		r.budget.Update(sessionID, budget.Usage{InputTokens: int(u.InputTokens), OutputTokens: int(u.OutputTokens)})
	}
}

// Summarize condenses transcript lines into a few sentences.
func (r *OpenAIResponder) Summarize(ctx context.Context, tenantID string, lines []string) (string, error) {
	if len(lines) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.model,
		MaxTokens: 300,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summaryPrompt},
			{Role: openai.ChatMessageRoleUser, Content: strings.Join(lines, "\n")},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	r.logger.Debug("summarized transcript", "tenant_id", tenantID, "lines", len(lines))
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

const summaryPrompt = `Resuma a conversa de atendimento abaixo em até três frases, em português.
Inclua o problema do cliente e como terminou.`

// condense replaces everything but the system prompt with a summary.
func (r *OpenAIResponder) condense(ctx context.Context, tenantID string, history []openai.ChatCompletionMessage) ([]openai.ChatCompletionMessage, error) {
	lines := make([]string, 0, len(history))
	for _, m := range history[1:] {
		lines = append(lines, m.Role+": "+m.Content)
	}
	summary, err := r.Summarize(ctx, tenantID, lines)
	if err != nil {
		return nil, err
	}
	return []openai.ChatCompletionMessage{
		history[0],
		{Role: openai.ChatMessageRoleSystem, Content: "Resumo da conversa até aqui: " + summary},
	}, nil
}

func (r *OpenAIResponder) parseIntents(calls []openai.ToolCall) []queue.Intent {
	var intents []queue.Intent
	for _, call := range calls {
		var args struct {
			Department string `json:"department"`
			Reason     string `json:"reason"`
		}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				r.logger.Warn("ignoring tool call with malformed arguments", "tool", call.Function.Name, "error", err)
				continue
			}
		}
		switch call.Function.Name {
		case toolEnterQueue:
			intents = append(intents, queue.Intent{Type: queue.IntentEnterQueue, Department: args.Department})
		case toolEndChat:
			intents = append(intents, queue.Intent{Type: queue.IntentEndAIChat, Reason: args.Reason})
		default:
			r.logger.Warn("ignoring unknown tool call", "tool", call.Function.Name)
		}
	}
	return intents
}

func intentTools() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolEnterQueue,
				Description: "Coloca o cliente na fila de atendimento humano de um departamento.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"department": map[string]any{"type": "string", "description": "Nome do departamento"},
					},
					"required": []string{"department"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolEndChat,
				Description: "Encerra a conversa com o assistente.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"reason": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

// estimateText approximates tokens at four characters each.
func estimateText(s string) int {
	return (len(s) + 3) / 4
}

func estimateTokens(msgs []openai.ChatCompletionMessage) int {
	n := 0
	for _, m := range msgs {
		n += estimateText(m.Content) + 4
	}
	return n
}

// threadStore maps response IDs to the message history that produced them.
// Oldest chains are evicted past the size bound.
type threadStore struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type thread struct {
	id       string
	messages []openai.ChatCompletionMessage
}

func newThreadStore(max int) *threadStore {
	return &threadStore{max: max, order: list.New(), entries: make(map[string]*list.Element)}
}

func (s *threadStore) get(id string) ([]openai.ChatCompletionMessage, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	msgs := el.Value.(*thread).messages
	out := make([]openai.ChatCompletionMessage, len(msgs))
	copy(out, msgs)
	return out, true
}

func (s *threadStore) put(id string, msgs []openai.ChatCompletionMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[id]; ok {
		el.Value.(*thread).messages = msgs
		s.order.MoveToBack(el)
		return
	}
	s.entries[id] = s.order.PushBack(&thread{id: id, messages: msgs})
	for s.order.Len() > s.max {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*thread).id)
	}
}

func (s *threadStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

var (
	_ Responder    = (*OpenAIResponder)(nil)
	_ Summarizer   = (*OpenAIResponder)(nil)
	_ SessionEnder = (*OpenAIResponder)(nil)
)
