// ABOUTME: Manager caches live Contexts and restores them from persisted snapshots
// ABOUTME: Idle entries are swept periodically; the store stays the source of truth

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/atende-gateway/internal/store"
)

// Defaults for ManagerOptions.
const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// ManagerOptions configures the Context cache.
type ManagerOptions struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// Manager is the keyed cache of live Contexts.
type Manager struct {
	deps  *Deps
	coord *Coordinator

	mu      sync.Mutex
	entries map[string]*Context
	idleTTL time.Duration

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewManager creates the cache and starts its sweep.
func NewManager(deps Deps, opts ManagerOptions) *Manager {
	deps.withDefaults()
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	m := &Manager{
		deps:    &deps,
		entries: make(map[string]*Context),
		idleTTL: opts.IdleTTL,
		done:    make(chan struct{}),
		logger:  deps.Logger.With("component", "contexts"),
	}
	m.coord = newCoordinator(m.deps, m)

	go m.sweepLoop(opts.SweepInterval)
	return m
}

// Coordinator returns the hand-off coordinator.
func (m *Manager) Coordinator() *Coordinator {
	return m.coord
}

func cacheKey(tenantID, phone string) string {
	return tenantID + ":" + phone
}

// GetContext returns the actor's Context. On a miss the persisted snapshot
// is restored; isNew reports that none existed.
func (m *Manager) GetContext(ctx context.Context, tenantID, phone string) (*Context, bool) {
	key := cacheKey(tenantID, phone)

	m.mu.Lock()
	if c, ok := m.entries[key]; ok {
		c.lastUsed = m.deps.Now()
		m.mu.Unlock()
		return c, false
	}
	m.mu.Unlock()

	c := newContext(m, tenantID, phone)
	isNew, cache := m.restore(ctx, c)
	if !cache {
		return c, isNew
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[key]; ok {
		// Another worker restored it first.
		existing.lastUsed = m.deps.Now()
		return existing, false
	}
	c.lastUsed = m.deps.Now()
	m.entries[key] = c
	return c, isNew
}

// restore loads the snapshot into c. Returns whether no snapshot existed
// and whether the Context may be cached.
func (m *Manager) restore(ctx context.Context, c *Context) (isNew, cache bool) {
	snap, err := m.deps.Store.LoadState(ctx, c.TenantID, c.Phone)
	if errors.Is(err, store.ErrNotFound) {
		return true, true
	}
	if err != nil {
		c.logger.Error("loading snapshot failed, using initial state", "error", err)
		return false, false
	}

	st, err := restoreState(snap)
	if err != nil {
		c.logger.Warn("restoring snapshot failed, using initial state", "state", snap.StateName, "error", err)
		st = initialState{}
	}
	c.apply(st, snap.AISessionID, snap.Version)
	c.writes = 0
	return false, true
}

// ApplyState persists a state for an actor other than the one being handled
// and updates its cached Context, if any.
func (m *Manager) ApplyState(ctx context.Context, tenantID, phone string, st State) error {
	data, err := st.data()
	if err != nil {
		return err
	}
	snap, err := m.deps.Store.SaveState(ctx, tenantID, phone, store.SaveStateParams{
		StateName: st.Name(),
		Data:      data,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	c, ok := m.entries[cacheKey(tenantID, phone)]
	m.mu.Unlock()
	if ok {
		c.apply(st, "", snap.Version)
	}
	return nil
}

// Len returns the number of cached Contexts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep evicts Contexts idle longer than the TTL. Contexts with a job in
// flight are kept.
func (m *Manager) Sweep() int {
	cutoff := m.deps.Now().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, c := range m.entries {
		if !c.lastUsed.Before(cutoff) {
			continue
		}
		if !c.mu.TryLock() {
			continue
		}
		delete(m.entries, key)
		c.mu.Unlock()
		evicted++
	}
	if evicted > 0 {
		m.logger.Debug("evicted idle contexts", "count", evicted)
	}
	return evicted
}

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close stops the sweep.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}
