// ABOUTME: Data model and repository interfaces for atende-gateway persistence
// ABOUTME: Snapshots, directory entities, department queues, hand-offs, AI sessions, logs, usage

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyQueued is returned when a customer is already waiting in a department queue
	ErrAlreadyQueued = errors.New("customer already queued")

	// ErrDuplicate is returned when a row with the same natural key exists
	ErrDuplicate = errors.New("already exists")
)

// State names persisted in snapshots.
const (
	StateInitial        = "initial"
	StateFaqMenu        = "faq_menu"
	StateFaqCategory    = "faq_category"
	StateDepartmentMenu = "department_menu"
	StateWaitingInQueue = "waiting_in_queue"
	StateInConversation = "in_conversation"
	StateAIChat         = "ai_chat"
)

// Resolution outcomes for a closed hand-off.
const (
	ResolutionResolved   = "RESOLVED"
	ResolutionUnresolved = "UNRESOLVED"
)

// CloseReasonRotated marks a conversation log closed because it grew too large.
const CloseReasonRotated = "ROTATED"

// AI session end reasons.
const (
	EndReasonCompleted  = "COMPLETED"
	EndReasonEscalated  = "ESCALATED"
	EndReasonUserExited = "USER_EXITED"
	EndReasonTimeout    = "TIMEOUT"
)

// Snapshot is the persisted position of an actor in the conversation flow.
type Snapshot struct {
	TenantID    string
	Phone       string
	StateName   string
	Data        json.RawMessage // shape depends on StateName; nil when the state carries none
	AISessionID string          // empty when no AI session is referenced
	Version     int64
	UpdatedAt   time.Time
}

// SaveStateParams is the write side of a snapshot.
type SaveStateParams struct {
	StateName   string
	Data        json.RawMessage
	AISessionID string
}

// Department is a tenant's team that customers can queue for.
type Department struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Employee is a human operator. Phone is unique per tenant.
type Employee struct {
	TenantID       string
	Phone          string
	Name           string
	DepartmentName string
	CreatedAt      time.Time
}

// Customer is anyone messaging the tenant who is not an employee.
type Customer struct {
	TenantID  string
	Phone     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FaqEntry is one question/answer pair in a category.
type FaqEntry struct {
	ID        string
	TenantID  string
	Category  string
	Question  string
	Answer    string
	Position  int
	CreatedAt time.Time
}

// QueueEntry is a customer waiting for an operator.
type QueueEntry struct {
	Seq           int64
	TenantID      string
	Department    string
	CustomerPhone string
	CreatedAt     time.Time
}

// ActiveConversation bridges an employee and a customer.
type ActiveConversation struct {
	ID             string
	TenantID       string
	EmployeePhone  string
	EmployeeName   string
	DepartmentName string
	CustomerPhone  string
	StartedAt      time.Time
	FirstReplyAt   *time.Time
	LastActivityAt time.Time
	Active         bool
	ClosedAt       *time.Time
	Resolution     string
}

// AIChatSession is a bounded exchange with the assistant.
type AIChatSession struct {
	ID             string
	TenantID       string
	Phone          string
	StartedAt      time.Time
	EndedAt        *time.Time
	EndReason      string
	LastResponseID string
	ConversationID string // set when the session escalated to a hand-off
}

// AIMessage roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AIMessage is one entry of a session's ordered message log.
type AIMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// ConversationLog is the audit record of one bridged conversation segment.
type ConversationLog struct {
	ID             string
	TenantID       string
	ConversationID string
	CustomerPhone  string
	EmployeePhone  string
	DepartmentName string
	OpenedAt       time.Time
	ClosedAt       *time.Time
	CloseReason    string
	Summary        string
	Bytes          int64
	ArchivedAt     *time.Time
	ArchiveLocator string
	PurgeAfter     *time.Time
	PurgedAt       *time.Time
}

// LogMessage author roles.
const (
	AuthorCustomer = "customer"
	AuthorEmployee = "employee"
	AuthorSystem   = "system"
)

// LogMessage is a detail row of a conversation log.
type LogMessage struct {
	ID        string
	LogID     string
	Author    string
	Text      string
	CreatedAt time.Time
}

// AIUsage is the token consumption of one assistant call.
type AIUsage struct {
	ID           string
	TenantID     string
	SessionID    string
	ResponseID   string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CreatedAt    time.Time
}

// UsageFilter narrows usage aggregation. Nil fields are not applied.
type UsageFilter struct {
	TenantID *string
	Since    *time.Time
	Until    *time.Time
}

// UsageStats is an aggregate over AIUsage rows.
type UsageStats struct {
	TotalInput   int64
	TotalOutput  int64
	TotalTokens  int64
	RequestCount int64
}

// StateStore persists conversation snapshots keyed by (tenant, phone).
type StateStore interface {
	LoadState(ctx context.Context, tenantID, phone string) (*Snapshot, error)
	SaveState(ctx context.Context, tenantID, phone string, params SaveStateParams) (*Snapshot, error)
	ClearState(ctx context.Context, tenantID, phone string) error
}

// DepartmentRepository looks up a tenant's departments.
type DepartmentRepository interface {
	CreateDepartment(ctx context.Context, dept *Department) error
	ListDepartments(ctx context.Context, tenantID string) ([]*Department, error)
	// GetDepartmentByName matches case-insensitively.
	GetDepartmentByName(ctx context.Context, tenantID, name string) (*Department, error)
}

// EmployeeRepository resolves employee actors.
type EmployeeRepository interface {
	UpsertEmployee(ctx context.Context, emp *Employee) error
	GetEmployee(ctx context.Context, tenantID, phone string) (*Employee, error)
}

// CustomerRepository records customer actors.
type CustomerRepository interface {
	UpsertCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, tenantID, phone string) (*Customer, error)
}

// FaqRepository serves the knowledge base.
type FaqRepository interface {
	CreateFaqEntry(ctx context.Context, entry *FaqEntry) error
	ListFaqCategories(ctx context.Context, tenantID string) ([]string, error)
	ListFaqEntries(ctx context.Context, tenantID, category string) ([]*FaqEntry, error)
}

// QueueRepository holds the per-department FIFO waiting lists.
type QueueRepository interface {
	EnqueueCustomer(ctx context.Context, tenantID, department, phone string, at time.Time) (*QueueEntry, error)
	DequeueNext(ctx context.Context, tenantID, department string) (*QueueEntry, error)
	FindCustomerQueueDepartment(ctx context.Context, tenantID, phone string) (string, error)
	RemoveFromQueue(ctx context.Context, tenantID, phone string) error
	QueueLength(ctx context.Context, tenantID, department string) (int, error)
	QueuePosition(ctx context.Context, tenantID, phone string) (int, error)
}

// AIChatSessionRepository stores assistant sessions and their message logs.
type AIChatSessionRepository interface {
	CreateAISession(ctx context.Context, s *AIChatSession) error
	GetAISession(ctx context.Context, id string) (*AIChatSession, error)
	GetOpenAISession(ctx context.Context, tenantID, phone string) (*AIChatSession, error)
	ListIdleAISessions(ctx context.Context, idleBefore time.Time, limit int) ([]*AIChatSession, error)
	SetAISessionResponse(ctx context.Context, id, lastResponseID string) error
	EndAISession(ctx context.Context, id, reason string, at time.Time) error
	LinkAISessionToConversation(ctx context.Context, id, conversationID string, at time.Time) error
	AppendAIMessage(ctx context.Context, msg *AIMessage) error
	ListAIMessages(ctx context.Context, sessionID string) ([]*AIMessage, error)
}

// ConversationRepository stores human hand-offs.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, c *ActiveConversation) error
	GetConversation(ctx context.Context, id string) (*ActiveConversation, error)
	// GetActiveConversationByPhone matches either side of the bridge.
	GetActiveConversationByPhone(ctx context.Context, tenantID, phone string) (*ActiveConversation, error)
	ListActiveConversations(ctx context.Context) ([]*ActiveConversation, error)
	// TouchConversation records activity; an employee touch also sets the first reply time once.
	TouchConversation(ctx context.Context, id string, at time.Time, byEmployee bool) error
	// CloseConversation returns ErrNotFound when the conversation is not active.
	CloseConversation(ctx context.Context, id, resolution string, at time.Time) error
}

// ConversationLogRepository stores transcripts and their archive lifecycle.
type ConversationLogRepository interface {
	OpenLog(ctx context.Context, log *ConversationLog) error
	GetLog(ctx context.Context, id string) (*ConversationLog, error)
	GetOpenLog(ctx context.Context, conversationID string) (*ConversationLog, error)
	AppendLogMessage(ctx context.Context, msg *LogMessage) error
	ListLogMessages(ctx context.Context, logID string) ([]*LogMessage, error)
	CloseLog(ctx context.Context, id, reason, summary string, at time.Time) error
	ListClosedUnarchived(ctx context.Context, closedBefore time.Time, limit int) ([]*ConversationLog, error)
	MarkArchived(ctx context.Context, id, locator string, at, purgeAfter time.Time) error
	ListPurgeable(ctx context.Context, now time.Time, limit int) ([]*ConversationLog, error)
	// PurgeLog deletes the detail rows and marks the log purged in one transaction.
	PurgeLog(ctx context.Context, id string, at time.Time) (int64, error)
}

// UsageRepository records assistant token usage.
type UsageRepository interface {
	SaveAIUsage(ctx context.Context, u *AIUsage) error
	GetSessionUsage(ctx context.Context, sessionID string) ([]*AIUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is the full persistence surface.
type Store interface {
	StateStore
	DepartmentRepository
	EmployeeRepository
	CustomerRepository
	FaqRepository
	QueueRepository
	AIChatSessionRepository
	ConversationRepository
	ConversationLogRepository
	UsageRepository

	// Close releases any resources held by the store
	Close() error
}
