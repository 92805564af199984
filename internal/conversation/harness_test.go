// ABOUTME: Shared test harness: SQLite store, recording sender and scripted assistant

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/2389/atende-gateway/internal/ai"
	"github.com/2389/atende-gateway/internal/dedupe"
	"github.com/2389/atende-gateway/internal/messaging"
	"github.com/2389/atende-gateway/internal/queue"
	"github.com/2389/atende-gateway/internal/store"
)

const (
	tenant    = "t1"
	customerA = "5511900000001"
	customerB = "5511900000002"
	employee  = "5511800000001"
)

type intentSink struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (s *intentSink) Enqueue(_ context.Context, job queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *intentSink) all() []queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.Job(nil), s.jobs...)
}

type fakeMedia struct{}

func (fakeMedia) DownloadMedia(_ context.Context, _, _ string) (*messaging.Media, error) {
	return &messaging.Media{Data: []byte("%PDF-1.4 fake"), MIME: "application/pdf"}, nil
}

type harness struct {
	t       *testing.T
	store   *store.SQLStore
	sender  *messaging.Recorder
	ai      *ai.ScriptedResponder
	intents *intentSink
	m       *Manager
	d       *Dispatcher
	seq     int
}

func setupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, setupTestStore(t), 0)
}

func newHarnessWith(t *testing.T, st *store.SQLStore, rotation int64) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   st,
		sender:  messaging.NewRecorder(),
		ai:      ai.NewScriptedResponder(),
		intents: &intentSink{},
	}
	h.m = NewManager(Deps{
		Store:               st,
		Sender:              h.sender,
		AI:                  h.ai,
		Summarizer:          h.ai,
		Ingestor:            h.ai,
		Media:               fakeMedia{},
		Intents:             h.intents,
		LogRotationMaxBytes: rotation,
	}, ManagerOptions{SweepInterval: time.Hour})
	t.Cleanup(h.m.Close)

	seen := dedupe.New(dedupe.Options{})
	t.Cleanup(seen.Close)
	h.d = NewDispatcher(h.m, seen, time.Minute, nil)

	h.seed()
	return h
}

func (h *harness) seed() {
	ctx := context.Background()
	for _, d := range []store.Department{
		{Name: "Suporte", Description: "Problemas técnicos"},
		{Name: "Vendas", Description: "Planos e contratos"},
	} {
		d.ID = uuid.New().String()
		d.TenantID = tenant
		err := h.store.CreateDepartment(ctx, &d)
		if err != nil {
			// Shared store between harnesses.
			require.ErrorIs(h.t, err, store.ErrDuplicate)
		}
	}
	require.NoError(h.t, h.store.UpsertEmployee(ctx, &store.Employee{
		TenantID: tenant, Phone: employee, Name: "Carla", DepartmentName: "Suporte",
	}))
	cats, err := h.store.ListFaqCategories(ctx, tenant)
	require.NoError(h.t, err)
	if len(cats) == 0 {
		require.NoError(h.t, h.store.CreateFaqEntry(ctx, &store.FaqEntry{
			ID: uuid.New().String(), TenantID: tenant, Category: "Pagamentos",
			Question: "Quais formas de pagamento?", Answer: "Pix e cartão.", Position: 1,
		}))
	}
}

func (h *harness) nextID() string {
	h.seq++
	return fmt.Sprintf("wamid.%d", h.seq)
}

func (h *harness) inbound(from string, content queue.Content) queue.Job {
	return queue.NewInboundJob(queue.IncomingMessage{
		TenantID:   tenant,
		MessageID:  h.nextID(),
		From:       from,
		To:         "551130000000",
		Name:       "Ana",
		Content:    content,
		ReceivedAt: time.Now().UTC(),
	})
}

func (h *harness) handle(job queue.Job) {
	h.t.Helper()
	require.NoError(h.t, h.d.Handle(context.Background(), job))
}

func (h *harness) say(from, text string) {
	h.t.Helper()
	h.handle(h.inbound(from, queue.Content{Kind: queue.ContentText, Text: text}))
}

func (h *harness) state(phone string) string {
	c, _ := h.m.GetContext(context.Background(), tenant, phone)
	return c.StateName()
}

// persisted returns the stored state name, or initial when none was written.
func (h *harness) persisted(phone string) string {
	snap, err := h.store.LoadState(context.Background(), tenant, phone)
	if errors.Is(err, store.ErrNotFound) {
		return store.StateInitial
	}
	require.NoError(h.t, err)
	return snap.StateName
}

func (h *harness) snapshot(phone string) *store.Snapshot {
	snap, err := h.store.LoadState(context.Background(), tenant, phone)
	require.NoError(h.t, err)
	return snap
}

func (h *harness) lastText(phone string) string {
	s, ok := h.sender.Last(phone)
	if !ok {
		return ""
	}
	return s.Text
}

func (h *harness) activeConversation(phone string) *store.ActiveConversation {
	conv, err := h.store.GetActiveConversationByPhone(context.Background(), tenant, phone)
	require.NoError(h.t, err)
	return conv
}

// bridge queues customer in Suporte and lets the employee pick them up.
func (h *harness) bridge(customer string) *store.ActiveConversation {
	h.t.Helper()
	h.say(customer, "departamentos")
	h.say(customer, "Suporte")
	require.Equal(h.t, store.StateWaitingInQueue, h.state(customer))
	h.say(employee, "atender")
	return h.activeConversation(customer)
}

func sessionsOf(t *testing.T, snap *store.Snapshot) map[string]string {
	t.Helper()
	var data struct {
		Sessions map[string]string `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(snap.Data, &data))
	return data.Sessions
}
