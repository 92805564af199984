// ABOUTME: StateStore implementation: conversation snapshots keyed by tenant and phone
// ABOUTME: Saves upsert in place and bump the version; nothing in the flow deletes a snapshot

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LoadState returns the persisted snapshot, or ErrNotFound.
func (s *SQLStore) LoadState(ctx context.Context, tenantID, phone string) (*Snapshot, error) {
	query := s.q(`
		SELECT tenant_id, phone, state_name, data, ai_session_id, version, updated_at
		FROM conversation_states
		WHERE tenant_id = ? AND phone = ?
	`)

	var snap Snapshot
	var data, aiSession sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx, query, tenantID, phone).Scan(
		&snap.TenantID,
		&snap.Phone,
		&snap.StateName,
		&data,
		&aiSession,
		&snap.Version,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying state: %w", err)
	}

	if data.Valid && data.String != "" {
		snap.Data = json.RawMessage(data.String)
	}
	snap.AISessionID = aiSession.String
	snap.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &snap, nil
}

// SaveState writes the snapshot in place and returns the stored row.
func (s *SQLStore) SaveState(ctx context.Context, tenantID, phone string, params SaveStateParams) (*Snapshot, error) {
	if params.StateName == "" {
		return nil, errors.New("state name is required")
	}
	var data any
	if len(params.Data) > 0 {
		if !json.Valid(params.Data) {
			return nil, fmt.Errorf("state data for %s is not valid JSON", params.StateName)
		}
		data = string(params.Data)
	}

	query := s.q(`
		INSERT INTO conversation_states (tenant_id, phone, state_name, data, ai_session_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			state_name = excluded.state_name,
			data = excluded.data,
			ai_session_id = excluded.ai_session_id,
			version = conversation_states.version + 1,
			updated_at = excluded.updated_at
	`)

	_, err := s.db.ExecContext(ctx, query,
		tenantID,
		phone,
		params.StateName,
		data,
		nullString(params.AISessionID),
		formatTime(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}

	s.logger.Debug("saved state", "tenant_id", tenantID, "phone", phone, "state", params.StateName)
	return s.LoadState(ctx, tenantID, phone)
}

// ClearState removes the snapshot. Missing rows are not an error.
func (s *SQLStore) ClearState(ctx context.Context, tenantID, phone string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM conversation_states WHERE tenant_id = ? AND phone = ?`),
		tenantID, phone,
	)
	if err != nil {
		return fmt.Errorf("clearing state: %w", err)
	}
	return nil
}
