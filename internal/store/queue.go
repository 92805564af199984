// ABOUTME: Department queue repository: FIFO waiting lists of customers per department
// ABOUTME: A customer sits in at most one queue per tenant; dequeue pops oldest first

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueCustomer appends the customer to the department queue.
// Returns ErrAlreadyQueued when the customer already waits in any queue of the tenant.
func (s *SQLStore) EnqueueCustomer(ctx context.Context, tenantID, department, phone string, at time.Time) (*QueueEntry, error) {
	entry := &QueueEntry{
		TenantID:      tenantID,
		Department:    department,
		CustomerPhone: phone,
		CreatedAt:     at.UTC(),
	}

	insert := `
		INSERT INTO department_queue (tenant_id, department, customer_phone, created_at)
		VALUES (?, ?, ?, ?)
	`
	args := []any{tenantID, department, phone, formatTime(at)}

	if s.dialect == DialectPostgres {
		err := s.db.QueryRowContext(ctx, s.q(insert+" RETURNING seq"), args...).Scan(&entry.Seq)
		if err != nil {
			if isConstraintViolation(err) {
				return nil, ErrAlreadyQueued
			}
			return nil, fmt.Errorf("enqueuing customer: %w", err)
		}
		return entry, nil
	}

	result, err := s.db.ExecContext(ctx, insert, args...)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrAlreadyQueued
		}
		return nil, fmt.Errorf("enqueuing customer: %w", err)
	}
	if entry.Seq, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading queue sequence: %w", err)
	}

	s.logger.Debug("customer enqueued", "tenant_id", tenantID, "department", department, "phone", phone)
	return entry, nil
}

// DequeueNext pops the oldest entry of the department. Returns ErrNotFound when empty.
func (s *SQLStore) DequeueNext(ctx context.Context, tenantID, department string) (*QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT seq, tenant_id, department, customer_phone, created_at
		FROM department_queue
		WHERE tenant_id = ? AND department = ?
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`
	if s.dialect == DialectPostgres {
		// Competing employees on other replicas skip the row instead of waiting.
		query += " FOR UPDATE SKIP LOCKED"
	}

	entry, err := scanQueueEntry(tx.QueryRowContext(ctx, s.q(query), tenantID, department))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM department_queue WHERE seq = ?`), entry.Seq); err != nil {
		return nil, fmt.Errorf("removing dequeued entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing dequeue: %w", err)
	}
	return entry, nil
}

// FindCustomerQueueDepartment returns the department the customer waits in, or ErrNotFound.
func (s *SQLStore) FindCustomerQueueDepartment(ctx context.Context, tenantID, phone string) (string, error) {
	var dept string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT department FROM department_queue WHERE tenant_id = ? AND customer_phone = ?
	`), tenantID, phone).Scan(&dept)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying queue membership: %w", err)
	}
	return dept, nil
}

// RemoveFromQueue drops the customer from whatever queue they wait in. Returns ErrNotFound if none.
func (s *SQLStore) RemoveFromQueue(ctx context.Context, tenantID, phone string) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM department_queue WHERE tenant_id = ? AND customer_phone = ?
	`), tenantID, phone)
	if err != nil {
		return fmt.Errorf("removing from queue: %w", err)
	}
	return checkAffected(result)
}

// QueueLength counts customers waiting in the department.
func (s *SQLStore) QueueLength(ctx context.Context, tenantID, department string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM department_queue WHERE tenant_id = ? AND department = ?
	`), tenantID, department).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return n, nil
}

// QueuePosition returns the customer's 1-based position, or ErrNotFound when not queued.
func (s *SQLStore) QueuePosition(ctx context.Context, tenantID, phone string) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM department_queue q
		JOIN department_queue me
			ON me.tenant_id = q.tenant_id AND me.department = q.department
		WHERE me.tenant_id = ? AND me.customer_phone = ?
			AND (q.created_at < me.created_at OR (q.created_at = me.created_at AND q.seq <= me.seq))
	`), tenantID, phone).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("querying queue position: %w", err)
	}
	if pos == 0 {
		return 0, ErrNotFound
	}
	return pos, nil
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var e QueueEntry
	var createdAt string
	if err := row.Scan(&e.Seq, &e.TenantID, &e.Department, &e.CustomerPhone, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning queue entry: %w", err)
	}
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &e, nil
}
