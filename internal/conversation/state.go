// ABOUTME: The closed set of conversation states and their snapshot codecs
// ABOUTME: Restoration goes through a dispatch table keyed by the persisted state name

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/2389/atende-gateway/internal/store"
)

// State is one position in the conversation flow.
type State interface {
	Name() string
	Handle(ctx context.Context, c *Context, input string) error
	data() (json.RawMessage, error)
}

var errUnknownState = errors.New("unknown state name")

// restorers rebuild a state from its persisted data.
var restorers = map[string]func(data json.RawMessage) (State, error){
	store.StateInitial:        func(json.RawMessage) (State, error) { return initialState{}, nil },
	store.StateFaqMenu:        func(json.RawMessage) (State, error) { return faqMenuState{}, nil },
	store.StateDepartmentMenu: func(json.RawMessage) (State, error) { return departmentMenuState{}, nil },
	store.StateFaqCategory: func(data json.RawMessage) (State, error) {
		var s faqCategoryState
		if err := decodeData(data, &s); err != nil {
			return nil, err
		}
		if s.Category == "" {
			return nil, errors.New("faq category state without category")
		}
		return s, nil
	},
	store.StateWaitingInQueue: func(data json.RawMessage) (State, error) {
		var s waitingInQueueState
		if err := decodeData(data, &s); err != nil {
			return nil, err
		}
		if s.DepartmentName == "" {
			return nil, errors.New("waiting state without department")
		}
		return s, nil
	},
	store.StateInConversation: func(data json.RawMessage) (State, error) {
		var s inConversationState
		if err := decodeData(data, &s); err != nil {
			return nil, err
		}
		if s.ConversationID == "" || s.CustomerPhone == "" || s.EmployeePhone == "" {
			return nil, errors.New("conversation state without participants")
		}
		return s, nil
	},
	store.StateAIChat: func(data json.RawMessage) (State, error) {
		var s aiChatState
		if err := decodeData(data, &s); err != nil {
			return nil, err
		}
		if s.Sessions == nil {
			s.Sessions = map[string]string{}
		}
		return s, nil
	},
}

// restoreState rebuilds the state a snapshot describes.
func restoreState(snap *store.Snapshot) (State, error) {
	restore, ok := restorers[snap.StateName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownState, snap.StateName)
	}
	return restore(snap.Data)
}

func decodeData(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return errors.New("missing state data")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding state data: %w", err)
	}
	return nil
}

func encodeData(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// --- initial ---

type initialState struct{}

func (initialState) Name() string                   { return store.StateInitial }
func (initialState) data() (json.RawMessage, error) { return nil, nil }

func (initialState) Handle(ctx context.Context, c *Context, input string) error {
	next, err := resumeActive(ctx, c)
	if err != nil {
		return err
	}
	if next != nil {
		if err := c.transition(ctx, next); err != nil {
			return err
		}
		return next.Handle(ctx, c, input)
	}

	switch cmd := normalize(input); {
	case cmd == cmdFaq || cmd == "1":
		return enterFaqMenu(ctx, c)
	case cmd == cmdDepartments || cmd == "2":
		if c.IsEmployee() {
			return c.sendText(ctx, msgClientsOnly)
		}
		return enterDepartmentMenu(ctx, c)
	case cmd == cmdAssistant || cmd == cmdAssistantAlt || cmd == "3":
		if c.IsEmployee() {
			return c.sendText(ctx, msgClientsOnly)
		}
		return startAIChat(ctx, c)
	case cmd == cmdAttend && c.IsEmployee():
		return c.m.coord.AttendNext(ctx, c)
	case cmd == cmdQueueLength && c.IsEmployee():
		return sendQueueLength(ctx, c)
	}
	return c.showInitialMenu(ctx)
}

// resumeActive finds a hand-off or queue membership the actor already has.
func resumeActive(ctx context.Context, c *Context) (State, error) {
	st := c.m.deps.Store
	conv, err := st.GetActiveConversationByPhone(ctx, c.TenantID, c.Phone)
	switch {
	case err == nil:
		return inConversationState{
			CustomerPhone:  conv.CustomerPhone,
			EmployeePhone:  conv.EmployeePhone,
			ConversationID: conv.ID,
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up active conversation: %w", err)
	}

	if c.IsEmployee() {
		return nil, nil
	}
	dept, err := st.FindCustomerQueueDepartment(ctx, c.TenantID, c.Phone)
	switch {
	case err == nil:
		return waitingInQueueState{DepartmentName: dept}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up queue membership: %w", err)
	}
	return nil, nil
}

func sendQueueLength(ctx context.Context, c *Context) error {
	dept := c.employee.DepartmentName
	if dept == "" {
		return c.sendText(ctx, msgNoDepartment)
	}
	n, err := c.m.deps.Store.QueueLength(ctx, c.TenantID, dept)
	if err != nil {
		return fmt.Errorf("reading queue length: %w", err)
	}
	return c.sendText(ctx, msgQueueLength(dept, n))
}

// --- faq ---

type faqMenuState struct{}

func (faqMenuState) Name() string                   { return store.StateFaqMenu }
func (faqMenuState) data() (json.RawMessage, error) { return nil, nil }

func enterFaqMenu(ctx context.Context, c *Context) error {
	categories, err := c.m.deps.Store.ListFaqCategories(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("listing faq categories: %w", err)
	}
	if len(categories) == 0 {
		if err := c.sendText(ctx, msgFaqEmpty); err != nil {
			return err
		}
		return c.goInitial(ctx)
	}
	if err := c.transition(ctx, faqMenuState{}); err != nil {
		return err
	}
	options := make([]option, 0, len(categories))
	for _, cat := range categories {
		options = append(options, option{title: cat})
	}
	return c.sendOptions(ctx, msgFaqMenu+"\n"+msgBackHint, options)
}

func (faqMenuState) Handle(ctx context.Context, c *Context, input string) error {
	if normalize(input) == cmdBack {
		return c.goInitial(ctx)
	}

	st := c.m.deps.Store
	categories, err := st.ListFaqCategories(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("listing faq categories: %w", err)
	}
	category, ok := pick(categories, input)
	if !ok {
		if err := c.sendText(ctx, msgFaqUnknown); err != nil {
			return err
		}
		return enterFaqMenu(ctx, c)
	}

	entries, err := st.ListFaqEntries(ctx, c.TenantID, category)
	if err != nil {
		return fmt.Errorf("listing faq entries: %w", err)
	}
	if err := c.transition(ctx, faqCategoryState{Category: category}); err != nil {
		return err
	}
	lines := make([]faqLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, faqLine{question: e.Question, answer: e.Answer})
	}
	if err := c.sendText(ctx, renderFaq(category, lines)); err != nil {
		return err
	}
	return c.sendText(ctx, msgFaqNext)
}

type faqCategoryState struct {
	Category string `json:"category"`
}

func (faqCategoryState) Name() string                     { return store.StateFaqCategory }
func (s faqCategoryState) data() (json.RawMessage, error) { return encodeData(s) }

// Handle ignores the input and returns to the category list.
func (faqCategoryState) Handle(ctx context.Context, c *Context, _ string) error {
	return enterFaqMenu(ctx, c)
}

// pick matches input against names case-insensitively, or as a 1-based index.
func pick(names []string, input string) (string, bool) {
	want := normalize(input)
	for _, n := range names {
		if normalize(n) == want {
			return n, true
		}
	}
	if i, err := strconv.Atoi(want); err == nil && i >= 1 && i <= len(names) {
		return names[i-1], true
	}
	return "", false
}

// --- departments ---

type departmentMenuState struct{}

func (departmentMenuState) Name() string                   { return store.StateDepartmentMenu }
func (departmentMenuState) data() (json.RawMessage, error) { return nil, nil }

func enterDepartmentMenu(ctx context.Context, c *Context) error {
	depts, err := c.m.deps.Store.ListDepartments(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("listing departments: %w", err)
	}
	if len(depts) == 0 {
		if err := c.sendText(ctx, msgDeptEmpty); err != nil {
			return err
		}
		return c.goInitial(ctx)
	}
	if err := c.transition(ctx, departmentMenuState{}); err != nil {
		return err
	}
	options := make([]option, 0, len(depts))
	for _, d := range depts {
		options = append(options, option{title: d.Name, description: d.Description})
	}
	return c.sendOptions(ctx, msgDeptMenu+"\n"+msgBackHint, options)
}

func (departmentMenuState) Handle(ctx context.Context, c *Context, input string) error {
	if normalize(input) == cmdBack {
		return c.goInitial(ctx)
	}
	if c.IsEmployee() {
		if err := c.sendText(ctx, msgClientsOnly); err != nil {
			return err
		}
		return c.goInitial(ctx)
	}

	depts, err := c.m.deps.Store.ListDepartments(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("listing departments: %w", err)
	}
	names := make([]string, 0, len(depts))
	for _, d := range depts {
		names = append(names, d.Name)
	}
	name, ok := pick(names, input)
	if !ok {
		if err := c.sendText(ctx, msgDeptUnknown); err != nil {
			return err
		}
		return enterDepartmentMenu(ctx, c)
	}

	err = joinQueue(ctx, c, name)
	if errors.Is(err, ErrDepartmentNotFound) {
		if err := c.sendText(ctx, msgDeptUnknown); err != nil {
			return err
		}
		return enterDepartmentMenu(ctx, c)
	}
	return err
}

// joinQueue puts the customer in a department queue and moves it to the
// waiting state, persisting immediately. A customer already waiting stays
// in the queue it joined first.
func joinQueue(ctx context.Context, c *Context, department string) error {
	st := c.m.deps.Store
	queued, err := alreadyQueued(ctx, c)
	if queued || err != nil {
		return err
	}

	entry, err := c.m.coord.Enqueue(ctx, c.TenantID, department, c.Phone)
	if errors.Is(err, store.ErrAlreadyQueued) {
		if queued, qerr := alreadyQueued(ctx, c); queued || qerr != nil {
			return qerr
		}
	}
	if err != nil {
		return err
	}

	if err := c.transitionAndPersist(ctx, waitingInQueueState{DepartmentName: entry.Department}); err != nil {
		return err
	}
	pos, err := st.QueuePosition(ctx, c.TenantID, c.Phone)
	if err != nil {
		c.logger.Warn("reading queue position failed", "error", err)
		pos = 0
	}
	return c.sendText(ctx, msgQueued(entry.Department, pos))
}

// alreadyQueued moves a customer who is already waiting to the waiting state.
func alreadyQueued(ctx context.Context, c *Context) (bool, error) {
	existing, err := c.m.deps.Store.FindCustomerQueueDepartment(ctx, c.TenantID, c.Phone)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking queue membership: %w", err)
	}
	if err := c.transitionAndPersist(ctx, waitingInQueueState{DepartmentName: existing}); err != nil {
		return true, err
	}
	return true, c.sendText(ctx, msgAlreadyQueued(existing))
}

// --- waiting ---

type waitingInQueueState struct {
	DepartmentName string `json:"departmentName"`
}

func (waitingInQueueState) Name() string                     { return store.StateWaitingInQueue }
func (s waitingInQueueState) data() (json.RawMessage, error) { return encodeData(s) }

func (s waitingInQueueState) Handle(ctx context.Context, c *Context, input string) error {
	st := c.m.deps.Store

	// An employee may have picked the customer up since the last message.
	conv, err := st.GetActiveConversationByPhone(ctx, c.TenantID, c.Phone)
	switch {
	case err == nil:
		next := inConversationState{
			CustomerPhone:  conv.CustomerPhone,
			EmployeePhone:  conv.EmployeePhone,
			ConversationID: conv.ID,
		}
		if err := c.transition(ctx, next); err != nil {
			return err
		}
		return next.Handle(ctx, c, input)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("looking up active conversation: %w", err)
	}

	if normalize(input) == cmdLeave {
		if err := st.RemoveFromQueue(ctx, c.TenantID, c.Phone); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("leaving queue: %w", err)
		}
		// A session the assistant escalated is over once the customer gives up.
		abandonAISession(ctx, c)
		if err := c.save(ctx, initialState{}, ""); err != nil {
			return err
		}
		if err := c.sendText(ctx, msgLeftQueue); err != nil {
			return err
		}
		return c.showInitialMenu(ctx)
	}

	if _, err := st.FindCustomerQueueDepartment(ctx, c.TenantID, c.Phone); errors.Is(err, store.ErrNotFound) {
		abandonAISession(ctx, c)
		if err := c.save(ctx, initialState{}, ""); err != nil {
			return err
		}
		return c.showInitialMenu(ctx)
	} else if err != nil {
		return fmt.Errorf("checking queue membership: %w", err)
	}
	return nil
}

// --- hand-off ---

type inConversationState struct {
	CustomerPhone  string `json:"customerPhone"`
	EmployeePhone  string `json:"employeePhone"`
	ConversationID string `json:"conversationId"`
}

func (inConversationState) Name() string                     { return store.StateInConversation }
func (s inConversationState) data() (json.RawMessage, error) { return encodeData(s) }

func (s inConversationState) Handle(ctx context.Context, c *Context, input string) error {
	conv, err := c.m.deps.Store.GetConversation(ctx, s.ConversationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !conv.Active) {
		return c.goInitial(ctx)
	}
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	if c.Phone == conv.EmployeePhone {
		switch normalize(input) {
		case cmdClose:
			return c.m.coord.Close(ctx, conv, store.ResolutionResolved)
		case cmdCloseFailed:
			return c.m.coord.Close(ctx, conv, store.ResolutionUnresolved)
		}
	}
	return c.m.coord.Relay(ctx, c, conv, input)
}

// --- assistant ---

type aiChatState struct {
	// Sessions maps each AI session ID to its last response ID.
	Sessions map[string]string `json:"sessions"`
}

func (aiChatState) Name() string                     { return store.StateAIChat }
func (s aiChatState) data() (json.RawMessage, error) { return encodeData(s) }

// with returns a copy of the state with the session's token set.
func (s aiChatState) with(sessionID, responseID string) aiChatState {
	out := aiChatState{Sessions: make(map[string]string, len(s.Sessions)+1)}
	for k, v := range s.Sessions {
		out.Sessions[k] = v
	}
	out.Sessions[sessionID] = responseID
	return out
}

// without returns a copy of the state without the session's entry.
func (s aiChatState) without(sessionID string) aiChatState {
	out := aiChatState{Sessions: make(map[string]string, len(s.Sessions))}
	for k, v := range s.Sessions {
		if k != sessionID {
			out.Sessions[k] = v
		}
	}
	return out
}

func (s aiChatState) Handle(ctx context.Context, c *Context, input string) error {
	current := c.AISessionID()
	if current == "" {
		return startAIChat(ctx, c)
	}
	switch normalize(input) {
	case cmdFinish, cmdBack:
		endAISession(ctx, c, current, store.EndReasonUserExited)
		if err := c.save(ctx, initialState{}, ""); err != nil {
			return err
		}
		if err := c.sendText(ctx, msgAIGoodbye); err != nil {
			return err
		}
		return c.showInitialMenu(ctx)
	}
	return assistantTurn(ctx, c, s, current, input)
}
