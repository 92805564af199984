// ABOUTME: Tenant directory data: departments, employees, customers and FAQ entries
// ABOUTME: Administration of these rows lives outside the gateway; lookups are tenant-qualified

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateDepartment inserts a department. Names are unique per tenant, case-insensitively.
func (s *SQLStore) CreateDepartment(ctx context.Context, dept *Department) error {
	if dept.CreatedAt.IsZero() {
		dept.CreatedAt = time.Now().UTC()
	}
	query := s.q(`
		INSERT INTO departments (id, tenant_id, name, name_key, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		dept.ID,
		dept.TenantID,
		dept.Name,
		nameKey(dept.Name),
		nullString(dept.Description),
		formatTime(dept.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting department: %w", err)
	}
	return nil
}

// ListDepartments returns the tenant's departments ordered by name.
func (s *SQLStore) ListDepartments(ctx context.Context, tenantID string) ([]*Department, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, name, description, created_at
		FROM departments
		WHERE tenant_id = ?
		ORDER BY name_key ASC
	`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying departments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var depts []*Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		depts = append(depts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating department rows: %w", err)
	}
	return depts, nil
}

// GetDepartmentByName matches the name case-insensitively. Returns ErrNotFound.
func (s *SQLStore) GetDepartmentByName(ctx context.Context, tenantID, name string) (*Department, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, tenant_id, name, description, created_at
		FROM departments
		WHERE tenant_id = ? AND name_key = ?
	`), tenantID, nameKey(name))

	d, err := scanDepartment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDepartment(row rowScanner) (*Department, error) {
	var d Department
	var desc sql.NullString
	var createdAt string
	if err := row.Scan(&d.ID, &d.TenantID, &d.Name, &desc, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning department: %w", err)
	}
	d.Description = desc.String
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &d, nil
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// UpsertEmployee creates or replaces the employee record for the phone.
func (s *SQLStore) UpsertEmployee(ctx context.Context, emp *Employee) error {
	if emp.CreatedAt.IsZero() {
		emp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO employees (tenant_id, phone, name, department_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			name = excluded.name,
			department_name = excluded.department_name
	`), emp.TenantID, emp.Phone, emp.Name, emp.DepartmentName, formatTime(emp.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting employee: %w", err)
	}
	return nil
}

// GetEmployee returns ErrNotFound when the phone is not an employee of the tenant.
func (s *SQLStore) GetEmployee(ctx context.Context, tenantID, phone string) (*Employee, error) {
	var e Employee
	var createdAt string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT tenant_id, phone, name, department_name, created_at
		FROM employees
		WHERE tenant_id = ? AND phone = ?
	`), tenantID, phone).Scan(&e.TenantID, &e.Phone, &e.Name, &e.DepartmentName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying employee: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &e, nil
}

// UpsertCustomer records the customer, refreshing the display name when one is given.
func (s *SQLStore) UpsertCustomer(ctx context.Context, c *Customer) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO customers (tenant_id, phone, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN customers.name ELSE excluded.name END,
			updated_at = excluded.updated_at
	`), c.TenantID, c.Phone, c.Name, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting customer: %w", err)
	}
	return nil
}

// GetCustomer returns ErrNotFound for unknown phones.
func (s *SQLStore) GetCustomer(ctx context.Context, tenantID, phone string) (*Customer, error) {
	var c Customer
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT tenant_id, phone, name, created_at, updated_at
		FROM customers
		WHERE tenant_id = ? AND phone = ?
	`), tenantID, phone).Scan(&c.TenantID, &c.Phone, &c.Name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// CreateFaqEntry inserts one question/answer pair.
func (s *SQLStore) CreateFaqEntry(ctx context.Context, entry *FaqEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO faq_entries (id, tenant_id, category, question, answer, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.TenantID, entry.Category, entry.Question, entry.Answer, entry.Position, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting faq entry: %w", err)
	}
	return nil
}

// ListFaqCategories returns the distinct categories in alphabetical order.
func (s *SQLStore) ListFaqCategories(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT DISTINCT category FROM faq_entries WHERE tenant_id = ? ORDER BY category ASC
	`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying faq categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning faq category: %w", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating faq categories: %w", err)
	}
	return categories, nil
}

// ListFaqEntries returns a category's entries by position. The category matches case-insensitively.
func (s *SQLStore) ListFaqEntries(ctx context.Context, tenantID, category string) ([]*FaqEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, category, question, answer, position, created_at
		FROM faq_entries
		WHERE tenant_id = ? AND LOWER(category) = ?
		ORDER BY position ASC, created_at ASC
	`), tenantID, nameKey(category))
	if err != nil {
		return nil, fmt.Errorf("querying faq entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*FaqEntry
	for rows.Next() {
		var e FaqEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Category, &e.Question, &e.Answer, &e.Position, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning faq entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating faq entries: %w", err)
	}
	return entries, nil
}
