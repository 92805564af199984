// ABOUTME: Conversation log repository: transcripts of bridged conversations and their archive lifecycle
// ABOUTME: open -> closed -> archived (locator + purge_after) -> purged (detail rows deleted)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const logColumns = `id, tenant_id, conversation_id, customer_phone, employee_phone, department_name,
	opened_at, closed_at, close_reason, summary, bytes, archived_at, archive_locator, purge_after, purged_at`

// OpenLog inserts a new open log.
func (s *SQLStore) OpenLog(ctx context.Context, log *ConversationLog) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO conversation_logs (id, tenant_id, conversation_id, customer_phone, employee_phone,
			department_name, opened_at, bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`),
		log.ID,
		log.TenantID,
		log.ConversationID,
		log.CustomerPhone,
		log.EmployeePhone,
		log.DepartmentName,
		formatTime(log.OpenedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation log: %w", err)
	}
	return nil
}

// GetLog returns the log by ID.
func (s *SQLStore) GetLog(ctx context.Context, id string) (*ConversationLog, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx, s.q(`SELECT `+logColumns+` FROM conversation_logs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

// GetOpenLog returns the conversation's log that has not been closed yet.
func (s *SQLStore) GetOpenLog(ctx context.Context, conversationID string) (*ConversationLog, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+logColumns+`
		FROM conversation_logs
		WHERE conversation_id = ? AND closed_at IS NULL
		ORDER BY opened_at DESC
		LIMIT 1
	`), conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

// AppendLogMessage inserts a detail row and grows the log's byte count in one transaction.
func (s *SQLStore) AppendLogMessage(ctx context.Context, msg *LogMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning log append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE conversation_logs SET bytes = bytes + ? WHERE id = ? AND closed_at IS NULL
	`), len(msg.Text), msg.LogID)
	if err != nil {
		return fmt.Errorf("updating log size: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO log_messages (id, log_id, author, text, created_at) VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.LogID, msg.Author, msg.Text, formatTime(msg.CreatedAt)); err != nil {
		return fmt.Errorf("inserting log message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing log append: %w", err)
	}
	return nil
}

// ListLogMessages returns the log's detail rows in insertion order.
func (s *SQLStore) ListLogMessages(ctx context.Context, logID string) ([]*LogMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, log_id, author, text, created_at
		FROM log_messages
		WHERE log_id = ?
		ORDER BY seq ASC
	`), logID)
	if err != nil {
		return nil, fmt.Errorf("querying log messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*LogMessage
	for rows.Next() {
		var m LogMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.LogID, &m.Author, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log message: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log messages: %w", err)
	}
	return msgs, nil
}

// CloseLog closes an open log. Returns ErrNotFound if it was already closed.
func (s *SQLStore) CloseLog(ctx context.Context, id, reason, summary string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE conversation_logs
		SET closed_at = ?, close_reason = ?, summary = ?
		WHERE id = ? AND closed_at IS NULL
	`), formatTime(at), reason, nullString(summary), id)
	if err != nil {
		return fmt.Errorf("closing conversation log: %w", err)
	}
	return checkAffected(result)
}

// ListClosedUnarchived returns logs closed before the cutoff that have no archive yet.
func (s *SQLStore) ListClosedUnarchived(ctx context.Context, closedBefore time.Time, limit int) ([]*ConversationLog, error) {
	return s.listLogs(ctx, `
		SELECT `+logColumns+`
		FROM conversation_logs
		WHERE closed_at IS NOT NULL AND closed_at < ? AND archived_at IS NULL
		ORDER BY closed_at ASC
		LIMIT ?
	`, formatTime(closedBefore), clampLimit(limit))
}

// MarkArchived records the blob locator and when the detail rows may be purged.
func (s *SQLStore) MarkArchived(ctx context.Context, id, locator string, at, purgeAfter time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE conversation_logs
		SET archived_at = ?, archive_locator = ?, purge_after = ?
		WHERE id = ? AND archived_at IS NULL
	`), formatTime(at), locator, formatTime(purgeAfter), id)
	if err != nil {
		return fmt.Errorf("marking log archived: %w", err)
	}
	return checkAffected(result)
}

// ListPurgeable returns archived logs whose grace period has elapsed.
func (s *SQLStore) ListPurgeable(ctx context.Context, now time.Time, limit int) ([]*ConversationLog, error) {
	return s.listLogs(ctx, `
		SELECT `+logColumns+`
		FROM conversation_logs
		WHERE archived_at IS NOT NULL AND purged_at IS NULL AND purge_after <= ?
		ORDER BY purge_after ASC
		LIMIT ?
	`, formatTime(now), clampLimit(limit))
}

// PurgeLog deletes the log's detail rows and marks it purged.
func (s *SQLStore) PurgeLog(ctx context.Context, id string, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE conversation_logs SET purged_at = ?
		WHERE id = ? AND archived_at IS NOT NULL AND purged_at IS NULL
	`), formatTime(at), id)
	if err != nil {
		return 0, fmt.Errorf("marking log purged: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return 0, err
	}

	result, err = tx.ExecContext(ctx, s.q(`DELETE FROM log_messages WHERE log_id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("deleting log messages: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}
	s.logger.Debug("purged log messages", "log_id", id, "deleted", deleted)
	return deleted, nil
}

func (s *SQLStore) listLogs(ctx context.Context, query string, args ...any) ([]*ConversationLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversation logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*ConversationLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation logs: %w", err)
	}
	return logs, nil
}

func scanLog(row rowScanner) (*ConversationLog, error) {
	var l ConversationLog
	var openedAt string
	var closedAt, reason, summary, archivedAt, locator, purgeAfter, purgedAt sql.NullString
	err := row.Scan(
		&l.ID,
		&l.TenantID,
		&l.ConversationID,
		&l.CustomerPhone,
		&l.EmployeePhone,
		&l.DepartmentName,
		&openedAt,
		&closedAt,
		&reason,
		&summary,
		&l.Bytes,
		&archivedAt,
		&locator,
		&purgeAfter,
		&purgedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation log: %w", err)
	}

	l.CloseReason = reason.String
	l.Summary = summary.String
	l.ArchiveLocator = locator.String
	if l.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, fmt.Errorf("parsing opened_at: %w", err)
	}
	for _, f := range []struct {
		dst  **time.Time
		src  sql.NullString
		name string
	}{
		{&l.ClosedAt, closedAt, "closed_at"},
		{&l.ArchivedAt, archivedAt, "archived_at"},
		{&l.PurgeAfter, purgeAfter, "purge_after"},
		{&l.PurgedAt, purgedAt, "purged_at"},
	} {
		if *f.dst, err = parseNullTime(f.src, f.name); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

// clampLimit applies the default and maximum batch sizes.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
