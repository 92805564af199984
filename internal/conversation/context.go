// ABOUTME: Context is the actor-scoped facade the states operate on
// ABOUTME: It persists every change of state name and rolls back when a handler fails

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/atende-gateway/internal/ai"
	"github.com/2389/atende-gateway/internal/messaging"
	"github.com/2389/atende-gateway/internal/queue"
	"github.com/2389/atende-gateway/internal/store"
)

// IntentPublisher accepts assistant tool intents for out-of-band handling.
type IntentPublisher interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Deps are the collaborators shared by every Context.
type Deps struct {
	Store  store.Store
	Sender messaging.Sender
	AI     ai.Responder

	// Optional collaborators.
	Summarizer ai.Summarizer
	Ingestor   ai.Ingestor
	Media      messaging.MediaFetcher
	Intents    IntentPublisher

	// LogRotationMaxBytes closes a conversation log and opens a new one
	// once it would grow past this size. Zero disables rotation.
	LogRotationMaxBytes int64
	// SummaryTimeout bounds transcript summarization. Defaults to 30s.
	SummaryTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (d *Deps) withDefaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.SummaryTimeout <= 0 {
		d.SummaryTimeout = 30 * time.Second
	}
}

// Context is one actor's live conversation.
type Context struct {
	TenantID string
	Phone    string

	// mu serializes jobs for this actor. Held by the Dispatcher.
	mu sync.Mutex

	// stateMu guards the fields below. Other actors' jobs may move this
	// actor through Manager.ApplyState while mu is held elsewhere.
	stateMu     sync.Mutex
	state       State
	aiSessionID string
	version     int64
	writes      int

	// Resolved per job, never reused across Context lifetimes.
	name     string
	employee *store.Employee

	lastUsed time.Time // guarded by Manager.mu

	m      *Manager
	logger *slog.Logger
}

func newContext(m *Manager, tenantID, phone string) *Context {
	return &Context{
		TenantID: tenantID,
		Phone:    phone,
		state:    initialState{},
		m:        m,
		logger:   m.logger.With("tenant_id", tenantID, "phone", phone),
	}
}

// State returns the current state.
func (c *Context) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// StateName returns the current state's name.
func (c *Context) StateName() string {
	return c.State().Name()
}

// AISessionID returns the referenced assistant session, if any.
func (c *Context) AISessionID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.aiSessionID
}

// Version returns the version of the last persisted snapshot.
func (c *Context) Version() int64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.version
}

// IsEmployee reports whether the actor resolved to an employee on this job.
func (c *Context) IsEmployee() bool {
	return c.employee != nil
}

// DisplayName is the actor's name, falling back to the phone.
func (c *Context) DisplayName() string {
	if c.name != "" {
		return c.name
	}
	return c.Phone
}

// SetActor resolves the actor as employee or customer. Customers are
// recorded with the display name the channel reported.
func (c *Context) SetActor(ctx context.Context, displayName string) error {
	deps := c.m.deps
	emp, err := deps.Store.GetEmployee(ctx, c.TenantID, c.Phone)
	switch {
	case err == nil:
		c.employee = emp
		c.name = emp.Name
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("resolving employee: %w", err)
	}

	c.employee = nil
	cust := &store.Customer{TenantID: c.TenantID, Phone: c.Phone, Name: displayName}
	if err := deps.Store.UpsertCustomer(ctx, cust); err != nil {
		return fmt.Errorf("recording customer: %w", err)
	}
	c.name = displayName
	if c.name == "" {
		if stored, err := deps.Store.GetCustomer(ctx, c.TenantID, c.Phone); err == nil {
			c.name = stored.Name
		}
	}
	return nil
}

// Receive hands one input to the current state. A handler error is logged,
// the actor gets an apology and the pre-message state is restored.
func (c *Context) Receive(ctx context.Context, input string) {
	c.stateMu.Lock()
	prevState, prevSession, prevWrites := c.state, c.aiSessionID, c.writes
	c.stateMu.Unlock()

	err := prevState.Handle(ctx, c, input)
	if err == nil {
		return
	}

	c.logger.Error("handling message failed", "state", prevState.Name(), "error", err)

	c.stateMu.Lock()
	persisted := c.writes != prevWrites
	c.state, c.aiSessionID = prevState, prevSession
	c.stateMu.Unlock()

	if persisted {
		if perr := c.persist(ctx); perr != nil {
			c.logger.Error("restoring snapshot failed", "state", prevState.Name(), "error", perr)
		}
	}
	if serr := c.sendText(ctx, msgApology); serr != nil {
		c.logger.Warn("sending apology failed", "error", serr)
	}
}

// transition moves to next. A change of state name is persisted first and
// only then applied in memory.
func (c *Context) transition(ctx context.Context, next State) error {
	c.stateMu.Lock()
	same := c.state.Name() == next.Name()
	c.stateMu.Unlock()

	if same {
		c.stateMu.Lock()
		c.state = next
		c.stateMu.Unlock()
		return nil
	}
	if err := c.save(ctx, next, c.AISessionID()); err != nil {
		return err
	}
	c.logger.Debug("state changed", "state", next.Name())
	return nil
}

// transitionAndPersist moves to next and persists even when the name is unchanged.
func (c *Context) transitionAndPersist(ctx context.Context, next State) error {
	return c.save(ctx, next, c.AISessionID())
}

// persist writes the current state.
func (c *Context) persist(ctx context.Context) error {
	c.stateMu.Lock()
	st, session := c.state, c.aiSessionID
	c.stateMu.Unlock()
	return c.save(ctx, st, session)
}

func (c *Context) save(ctx context.Context, st State, aiSessionID string) error {
	data, err := st.data()
	if err != nil {
		return fmt.Errorf("encoding %s state: %w", st.Name(), err)
	}
	snap, err := c.m.deps.Store.SaveState(ctx, c.TenantID, c.Phone, store.SaveStateParams{
		StateName:   st.Name(),
		Data:        data,
		AISessionID: aiSessionID,
	})
	if err != nil {
		return fmt.Errorf("persisting %s state: %w", st.Name(), err)
	}

	c.stateMu.Lock()
	c.state = st
	c.aiSessionID = aiSessionID
	c.version = snap.Version
	c.writes++
	c.stateMu.Unlock()
	return nil
}

func (c *Context) setAISession(id string) {
	c.stateMu.Lock()
	c.aiSessionID = id
	c.stateMu.Unlock()
}

// apply replaces the in-memory state after another component persisted it.
func (c *Context) apply(st State, aiSessionID string, version int64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = st
	c.aiSessionID = aiSessionID
	c.version = version
	c.writes++
}

func (c *Context) sendText(ctx context.Context, text string) error {
	return c.m.deps.Sender.SendText(ctx, c.TenantID, c.Phone, text)
}

func (c *Context) sendButtons(ctx context.Context, text string, buttons []messaging.Button) error {
	return c.m.deps.Sender.SendButtons(ctx, c.TenantID, c.Phone, text, buttons)
}

// sendOptions renders choices as a list, or as text when they do not fit one.
func (c *Context) sendOptions(ctx context.Context, body string, options []option) error {
	if len(options) > messaging.MaxListRows {
		text := body
		for _, o := range options {
			text += "\n• " + o.title
		}
		return c.sendText(ctx, text)
	}
	rows := make([]messaging.Row, 0, len(options))
	for _, o := range options {
		rows = append(rows, messaging.Row{ID: o.title, Title: o.title, Description: o.description})
	}
	return c.m.deps.Sender.SendList(ctx, c.TenantID, c.Phone, body, listButton, []messaging.Section{{Rows: rows}})
}

type option struct {
	title       string
	description string
}

// showInitialMenu renders the main menu for the resolved actor.
func (c *Context) showInitialMenu(ctx context.Context) error {
	if c.IsEmployee() {
		return c.sendText(ctx, msgEmployeeMenu)
	}
	return c.sendButtons(ctx, msgWelcome, []messaging.Button{
		{ID: cmdFaq, Title: btnFaq},
		{ID: cmdDepartments, Title: btnDepartments},
		{ID: cmdAssistant, Title: btnAssistant},
	})
}

// goInitial transitions to Initial and renders the menu.
func (c *Context) goInitial(ctx context.Context) error {
	if err := c.transition(ctx, initialState{}); err != nil {
		return err
	}
	return c.showInitialMenu(ctx)
}

func (c *Context) now() time.Time {
	return c.m.deps.Now()
}
