// ABOUTME: Hand-off coordinator: department queues, bridged conversations and their closing
// ABOUTME: Side effects after the critical write are best-effort and logged individually

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/atende-gateway/internal/store"
)

var (
	// ErrEmployeeNotAllowed is returned when an employee tries a customer-only action.
	ErrEmployeeNotAllowed = errors.New("employees cannot join department queues")

	// ErrDepartmentNotFound is returned when the named department does not exist.
	ErrDepartmentNotFound = errors.New("department not found")
)

// Coordinator bridges customers waiting in department queues to employees.
type Coordinator struct {
	deps       *Deps
	manager    *Manager
	transcript *Transcript
	logger     *slog.Logger
}

func newCoordinator(deps *Deps, m *Manager) *Coordinator {
	return &Coordinator{
		deps:       deps,
		manager:    m,
		transcript: newTranscript(deps),
		logger:     deps.Logger.With("component", "handoff"),
	}
}

// Transcript returns the conversation log writer.
func (co *Coordinator) Transcript() *Transcript {
	return co.transcript
}

// Enqueue adds a customer to a department queue. Duplicate entries are
// rejected by the store with store.ErrAlreadyQueued; callers that want a
// friendlier path check FindCustomerQueueDepartment first.
func (co *Coordinator) Enqueue(ctx context.Context, tenantID, department, phone string) (*store.QueueEntry, error) {
	st := co.deps.Store
	if _, err := st.GetEmployee(ctx, tenantID, phone); err == nil {
		return nil, ErrEmployeeNotAllowed
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving employee: %w", err)
	}

	dept, err := st.GetDepartmentByName(ctx, tenantID, department)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDepartmentNotFound, department)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving department: %w", err)
	}

	entry, err := st.EnqueueCustomer(ctx, tenantID, dept.Name, phone, co.deps.Now())
	if err != nil {
		return nil, err
	}
	co.logger.Info("customer queued", "tenant_id", tenantID, "department", dept.Name, "phone", phone)
	return entry, nil
}

// DequeueNext pops the oldest customer waiting in a department.
// Returns store.ErrNotFound when the queue is empty.
func (co *Coordinator) DequeueNext(ctx context.Context, tenantID, department string) (*store.QueueEntry, error) {
	return co.deps.Store.DequeueNext(ctx, tenantID, department)
}

// AttendNext hands the next waiting customer of the employee's department
// to the employee behind c.
func (co *Coordinator) AttendNext(ctx context.Context, c *Context) error {
	dept := c.employee.DepartmentName
	if dept == "" {
		return c.sendText(ctx, msgNoDepartment)
	}

	entry, err := co.DequeueNext(ctx, c.TenantID, dept)
	if errors.Is(err, store.ErrNotFound) {
		return c.sendText(ctx, msgQueueEmpty)
	}
	if err != nil {
		return fmt.Errorf("dequeuing customer: %w", err)
	}

	conv, err := co.start(ctx, c, entry)
	if err != nil {
		// Put the customer back where they were.
		if _, rerr := co.deps.Store.EnqueueCustomer(ctx, entry.TenantID, entry.Department, entry.CustomerPhone, entry.CreatedAt); rerr != nil {
			co.logger.Error("requeueing customer failed", "phone", entry.CustomerPhone, "error", rerr)
		}
		return err
	}

	customerName := entry.CustomerPhone
	if cust, err := co.deps.Store.GetCustomer(ctx, entry.TenantID, entry.CustomerPhone); err == nil && cust.Name != "" {
		customerName = cust.Name
	}
	if err := co.deps.Sender.SendText(ctx, conv.TenantID, conv.CustomerPhone, msgConnectedCustomer(conv.EmployeeName, conv.DepartmentName)); err != nil {
		co.logger.Warn("notifying customer failed", "conversation_id", conv.ID, "error", err)
	}
	return c.sendText(ctx, msgConnectedEmployee(customerName))
}

// start creates the bridged conversation and moves both actors into it.
func (co *Coordinator) start(ctx context.Context, c *Context, entry *store.QueueEntry) (*store.ActiveConversation, error) {
	st := co.deps.Store
	now := co.deps.Now()
	conv := &store.ActiveConversation{
		ID:             uuid.New().String(),
		TenantID:       entry.TenantID,
		EmployeePhone:  c.Phone,
		EmployeeName:   c.DisplayName(),
		DepartmentName: entry.Department,
		CustomerPhone:  entry.CustomerPhone,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := st.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("starting conversation: %w", err)
	}

	next := inConversationState{
		CustomerPhone:  conv.CustomerPhone,
		EmployeePhone:  conv.EmployeePhone,
		ConversationID: conv.ID,
	}
	if err := c.transition(ctx, next); err != nil {
		if cerr := st.CloseConversation(ctx, conv.ID, store.ResolutionUnresolved, now); cerr != nil {
			co.logger.Error("abandoning conversation failed", "conversation_id", conv.ID, "error", cerr)
		}
		return nil, err
	}

	if _, err := co.transcript.Open(ctx, conv); err != nil {
		co.logger.Warn("opening conversation log failed", "conversation_id", conv.ID, "error", err)
	}

	if sess, err := st.GetOpenAISession(ctx, conv.TenantID, conv.CustomerPhone); err == nil {
		if err := st.LinkAISessionToConversation(ctx, sess.ID, conv.ID, now); err != nil {
			co.logger.Warn("linking ai session failed", "session_id", sess.ID, "error", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		co.logger.Warn("looking up ai session failed", "phone", conv.CustomerPhone, "error", err)
	}

	if err := co.manager.ApplyState(ctx, conv.TenantID, conv.CustomerPhone, next); err != nil {
		co.logger.Warn("moving customer into conversation failed", "conversation_id", conv.ID, "error", err)
	}

	co.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"tenant_id", conv.TenantID,
		"department", conv.DepartmentName,
		"employee", conv.EmployeePhone,
		"customer", conv.CustomerPhone,
	)
	return conv, nil
}

// Relay forwards text from one side of the bridge to the other. A failed
// delivery ends the conversation unresolved.
func (co *Coordinator) Relay(ctx context.Context, c *Context, conv *store.ActiveConversation, text string) error {
	fromEmployee := c.Phone == conv.EmployeePhone
	to, author, from := conv.EmployeePhone, store.AuthorCustomer, c.DisplayName()
	if fromEmployee {
		to, author, from = conv.CustomerPhone, store.AuthorEmployee, conv.EmployeeName
	}

	if err := co.deps.Sender.SendText(ctx, conv.TenantID, to, msgRelay(from, text)); err != nil {
		co.logger.Warn("forwarding message failed", "conversation_id", conv.ID, "to", to, "error", err)
		if cerr := co.Close(ctx, conv, store.ResolutionUnresolved); cerr != nil && !errors.Is(cerr, store.ErrNotFound) {
			return cerr
		}
		return c.sendText(ctx, msgForwardFailed)
	}

	now := co.deps.Now()
	if err := co.deps.Store.TouchConversation(ctx, conv.ID, now, fromEmployee); err != nil {
		co.logger.Warn("recording activity failed", "conversation_id", conv.ID, "error", err)
	}
	if err := co.transcript.Append(ctx, conv, author, text); err != nil {
		co.logger.Warn("appending transcript failed", "conversation_id", conv.ID, "error", err)
	}
	return nil
}

// Close ends a conversation. Returns store.ErrNotFound when it was already
// closed. The log, actor states and notices are best-effort.
func (co *Coordinator) Close(ctx context.Context, conv *store.ActiveConversation, resolution string) error {
	if err := co.deps.Store.CloseConversation(ctx, conv.ID, resolution, co.deps.Now()); err != nil {
		return err
	}
	co.logger.Info("conversation closed", "conversation_id", conv.ID, "resolution", resolution)

	if err := co.transcript.Close(ctx, conv, resolution); err != nil {
		co.logger.Warn("closing conversation log failed", "conversation_id", conv.ID, "error", err)
	}
	for _, phone := range []string{conv.CustomerPhone, conv.EmployeePhone} {
		if err := co.manager.ApplyState(ctx, conv.TenantID, phone, initialState{}); err != nil {
			co.logger.Warn("resetting actor state failed", "conversation_id", conv.ID, "phone", phone, "error", err)
		}
	}
	if err := co.deps.Sender.SendText(ctx, conv.TenantID, conv.CustomerPhone, msgClosedCustomer); err != nil {
		co.logger.Warn("sending closure notice failed", "conversation_id", conv.ID, "error", err)
	}
	if err := co.deps.Sender.SendText(ctx, conv.TenantID, conv.EmployeePhone, msgClosedEmployee); err != nil {
		co.logger.Warn("notifying employee failed", "conversation_id", conv.ID, "error", err)
	}
	return nil
}
