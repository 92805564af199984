// ABOUTME: Assistant token usage records
// ABOUTME: One row per assistant call, aggregated for per-tenant reporting

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveAIUsage stores a token usage record.
func (s *SQLStore) SaveAIUsage(ctx context.Context, u *AIUsage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO ai_usage (id, tenant_id, session_id, response_id, model, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		u.ID,
		u.TenantID,
		u.SessionID,
		nullString(u.ResponseID),
		nullString(u.Model),
		u.InputTokens,
		u.OutputTokens,
		formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"session_id", u.SessionID,
		"tenant_id", u.TenantID,
		"input_tokens", u.InputTokens,
		"output_tokens", u.OutputTokens,
	)
	return nil
}

// GetSessionUsage retrieves all usage records for a session.
func (s *SQLStore) GetSessionUsage(ctx context.Context, sessionID string) ([]*AIUsage, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, session_id, response_id, model, input_tokens, output_tokens, created_at
		FROM ai_usage
		WHERE session_id = ?
		ORDER BY created_at ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*AIUsage
	for rows.Next() {
		var u AIUsage
		var respID, model sql.NullString
		var createdAt string
		if err := rows.Scan(&u.ID, &u.TenantID, &u.SessionID, &respID, &model,
			&u.InputTokens, &u.OutputTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		u.ResponseID = respID.String
		u.Model = model.String
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		usages = append(usages, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COUNT(*)
		FROM ai_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.TenantID != nil {
		query += " AND tenant_id = ?"
		args = append(args, *filter.TenantID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	if err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.RequestCount,
	); err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	return &stats, nil
}
