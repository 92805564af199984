package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/atende-gateway/internal/messaging"
	"github.com/2389/atende-gateway/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManager_RestoreMatchesPersistedAtEveryStep(t *testing.T) {
	st := setupTestStore(t)
	h := newHarnessWith(t, st, 0)

	inputs := []string{"oi", "faq", "Pagamentos", "qualquer", "voltar", "departamentos", "Vendas"}
	for _, in := range inputs {
		h.say(customerA, in)
		assert.Equal(t, h.persisted(customerA), h.state(customerA), "after %q", in)
	}

	// A cold cache on the same store resumes where the warm one left off.
	cold := newHarnessWith(t, st, 0)
	c, isNew := cold.m.GetContext(context.Background(), tenant, customerA)
	assert.False(t, isNew)
	require.Equal(t, store.StateWaitingInQueue, c.StateName())
	assert.Equal(t, waitingInQueueState{DepartmentName: "Vendas"}, c.State())

	// Replaying the inputs from scratch lands in the same state.
	fresh := newHarness(t)
	for _, in := range inputs {
		fresh.say(customerA, in)
	}
	assert.Equal(t, h.state(customerA), fresh.state(customerA))
}

func TestManager_UnknownActorIsNew(t *testing.T) {
	h := newHarness(t)

	c, isNew := h.m.GetContext(context.Background(), tenant, customerB)
	assert.True(t, isNew)
	assert.Equal(t, store.StateInitial, c.StateName())

	again, isNew := h.m.GetContext(context.Background(), tenant, customerB)
	assert.False(t, isNew)
	assert.Same(t, c, again)
	assert.Equal(t, 1, h.m.Len())
}

func TestManager_MalformedSnapshotRestoresInitial(t *testing.T) {
	tests := []struct {
		name   string
		params store.SaveStateParams
	}{
		{"unknown state", store.SaveStateParams{StateName: "limbo"}},
		{"missing data", store.SaveStateParams{StateName: store.StateWaitingInQueue}},
		{"wrong shape", store.SaveStateParams{StateName: store.StateInConversation, Data: []byte(`{"conversationId":""}`)}},
		{"faq without category", store.SaveStateParams{StateName: store.StateFaqCategory, Data: []byte(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.store.SaveState(context.Background(), tenant, customerA, tt.params)
			require.NoError(t, err)

			c, isNew := h.m.GetContext(context.Background(), tenant, customerA)
			assert.False(t, isNew)
			assert.Equal(t, store.StateInitial, c.StateName())
		})
	}
}

func TestManager_AIChatWithoutSessionsRestores(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.SaveState(context.Background(), tenant, customerA, store.SaveStateParams{
		StateName: store.StateAIChat, Data: []byte(`{}`),
	})
	require.NoError(t, err)

	c, _ := h.m.GetContext(context.Background(), tenant, customerA)
	require.Equal(t, store.StateAIChat, c.StateName())
	assert.NotNil(t, c.State().(aiChatState).Sessions)
}

func TestManager_SweepEvictsIdleContexts(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Deps{
		Store:  setupTestStore(t),
		Sender: messaging.NewRecorder(),
		Now:    clock.Now,
	}, ManagerOptions{IdleTTL: 10 * time.Minute, SweepInterval: time.Hour})
	t.Cleanup(m.Close)
	ctx := context.Background()

	idle, _ := m.GetContext(ctx, tenant, customerA)
	busy, _ := m.GetContext(ctx, tenant, customerB)
	require.Equal(t, 2, m.Len())

	clock.Advance(5 * time.Minute)
	assert.Zero(t, m.Sweep())

	clock.Advance(6 * time.Minute)
	busy.mu.Lock()
	assert.Equal(t, 1, m.Sweep())
	busy.mu.Unlock()
	assert.Equal(t, 1, m.Len())

	again, isNew := m.GetContext(ctx, tenant, customerA)
	assert.True(t, isNew)
	assert.NotSame(t, idle, again)

	kept, _ := m.GetContext(ctx, tenant, customerB)
	assert.Same(t, busy, kept)
}

func TestManager_ApplyStateUpdatesCachedContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _ := h.m.GetContext(ctx, tenant, customerA)

	next := waitingInQueueState{DepartmentName: "Suporte"}
	require.NoError(t, h.m.ApplyState(ctx, tenant, customerA, next))

	assert.Equal(t, next, c.State())
	assert.Equal(t, h.snapshot(customerA).Version, c.Version())
}

func TestTranscript_RotatesOversizedLog(t *testing.T) {
	h := newHarnessWith(t, setupTestStore(t), 10)
	ctx := context.Background()
	conv := h.bridge(customerA)

	first, err := h.store.GetOpenLog(ctx, conv.ID)
	require.NoError(t, err)

	h.say(employee, "0123456789")
	h.say(employee, "abc")

	rotated, err := h.store.GetLog(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CloseReasonRotated, rotated.CloseReason)
	assert.EqualValues(t, 10, rotated.Bytes)

	current, err := h.store.GetOpenLog(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, current.ID)
	assert.EqualValues(t, 3, current.Bytes)

	msgs, err := h.store.ListLogMessages(ctx, current.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.AuthorEmployee, msgs[0].Author)
}

func TestTranscript_SingleOversizedMessageIsKept(t *testing.T) {
	h := newHarnessWith(t, setupTestStore(t), 4)
	ctx := context.Background()
	conv := h.bridge(customerA)

	h.say(customerA, "mensagem longa demais")

	log, err := h.store.GetOpenLog(ctx, conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, len("mensagem longa demais"), log.Bytes)
}
