// ABOUTME: SQL implementation of Store for SQLite (modernc.org/sqlite) and Postgres (lib/pq)
// ABOUTME: Owns connection setup, schema creation, placeholder rebinding and shared scan helpers

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLiteStore creates a SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer connection; also keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, dialect: DialectSQLite, logger: logger}
	if err := s.createSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// NewPostgresStore connects to Postgres and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &SQLStore{db: db, dialect: DialectPostgres, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

// DB exposes the pool for components that need raw sessions, such as advisory locks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports the SQL flavor in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	schema := strings.ReplaceAll(schemaTemplate, "{{serial}}", serial)
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schemaTemplate = `
	CREATE TABLE IF NOT EXISTS conversation_states (
		tenant_id     TEXT NOT NULL,
		phone         TEXT NOT NULL,
		state_name    TEXT NOT NULL,
		data          TEXT,
		ai_session_id TEXT,
		version       INTEGER NOT NULL DEFAULT 1,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (tenant_id, phone)
	);

	CREATE TABLE IF NOT EXISTS departments (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		name        TEXT NOT NULL,
		name_key    TEXT NOT NULL,
		description TEXT,
		created_at  TEXT NOT NULL,
		UNIQUE (tenant_id, name_key)
	);

	CREATE TABLE IF NOT EXISTS employees (
		tenant_id       TEXT NOT NULL,
		phone           TEXT NOT NULL,
		name            TEXT NOT NULL,
		department_name TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		PRIMARY KEY (tenant_id, phone)
	);

	CREATE TABLE IF NOT EXISTS customers (
		tenant_id  TEXT NOT NULL,
		phone      TEXT NOT NULL,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, phone)
	);

	CREATE TABLE IF NOT EXISTS faq_entries (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		category   TEXT NOT NULL,
		question   TEXT NOT NULL,
		answer     TEXT NOT NULL,
		position   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_faq_tenant_category ON faq_entries(tenant_id, category);

	CREATE TABLE IF NOT EXISTS department_queue (
		seq            {{serial}},
		tenant_id      TEXT NOT NULL,
		department     TEXT NOT NULL,
		customer_phone TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		UNIQUE (tenant_id, customer_phone)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_order ON department_queue(tenant_id, department, created_at, seq);

	CREATE TABLE IF NOT EXISTS conversations (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		employee_phone   TEXT NOT NULL,
		employee_name    TEXT NOT NULL,
		department_name  TEXT NOT NULL,
		customer_phone   TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		first_reply_at   TEXT,
		last_activity_at TEXT NOT NULL,
		active           INTEGER NOT NULL DEFAULT 1,
		closed_at        TEXT,
		resolution       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_active ON conversations(active);
	CREATE INDEX IF NOT EXISTS idx_conversations_customer ON conversations(tenant_id, customer_phone, active);
	CREATE INDEX IF NOT EXISTS idx_conversations_employee ON conversations(tenant_id, employee_phone, active);

	CREATE TABLE IF NOT EXISTS ai_sessions (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		phone            TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		ended_at         TEXT,
		end_reason       TEXT,
		last_response_id TEXT,
		conversation_id  TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ai_sessions_open ON ai_sessions(tenant_id, phone, ended_at);

	CREATE TABLE IF NOT EXISTS ai_messages (
		seq        {{serial}},
		id         TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES ai_sessions(id),
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ai_messages_session ON ai_messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS conversation_logs (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		customer_phone  TEXT NOT NULL,
		employee_phone  TEXT NOT NULL,
		department_name TEXT NOT NULL,
		opened_at       TEXT NOT NULL,
		closed_at       TEXT,
		close_reason    TEXT,
		summary         TEXT,
		bytes           INTEGER NOT NULL DEFAULT 0,
		archived_at     TEXT,
		archive_locator TEXT,
		purge_after     TEXT,
		purged_at       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_logs_conversation ON conversation_logs(conversation_id, closed_at);
	CREATE INDEX IF NOT EXISTS idx_logs_archive ON conversation_logs(closed_at, archived_at);
	CREATE INDEX IF NOT EXISTS idx_logs_purge ON conversation_logs(purge_after, purged_at);

	CREATE TABLE IF NOT EXISTS log_messages (
		seq        {{serial}},
		id         TEXT NOT NULL UNIQUE,
		log_id     TEXT NOT NULL REFERENCES conversation_logs(id),
		author     TEXT NOT NULL,
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_log_messages_log ON log_messages(log_id, seq);

	CREATE TABLE IF NOT EXISTS ai_usage (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		response_id   TEXT,
		model         TEXT,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ai_usage_session ON ai_usage(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ai_usage_tenant ON ai_usage(tenant_id, created_at);
`

// q rewrites '?' placeholders into the dialect's form.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isConstraintViolation reports a UNIQUE/PRIMARY KEY violation on either dialect.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString, field string) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", field, err)
	}
	return &t, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// checkAffected maps a zero-row update to ErrNotFound.
func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
