// Package store provides persistent storage for the gateway.
//
// # Architecture
//
// The package defines narrow repository interfaces that the conversation
// layer and the maintenance jobs depend on:
//
//   - StateStore: conversation snapshots keyed by (tenant, phone)
//   - DepartmentRepository, EmployeeRepository, CustomerRepository, FaqRepository:
//     tenant directory lookups
//   - QueueRepository: per-department FIFO waiting lists
//   - AIChatSessionRepository: assistant sessions and their message logs
//   - ConversationRepository: human hand-offs
//   - ConversationLogRepository: transcripts and their archive lifecycle
//   - UsageRepository: assistant token usage
//
// SQLStore implements all of them in a single struct over database/sql.
//
// # Dialects
//
// NewSQLiteStore opens a file with modernc.org/sqlite (WAL, foreign keys, one
// connection). NewPostgresStore opens a pool with github.com/lib/pq. Queries
// are written with '?' placeholders and rebound to $n for Postgres. The schema
// is created on open and uses only types both engines accept; timestamps are
// fixed-width UTC text so they compare correctly as strings.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist, or a conditional update
//     matched nothing (e.g. closing an already closed conversation)
//   - ErrAlreadyQueued: the customer already waits in a department queue
//   - ErrDuplicate: natural-key collision on insert
//
// # Testing
//
// Tests open a SQLite file in t.TempDir().
package store
