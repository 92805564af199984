// ABOUTME: Hand-off conversations and AI chat sessions
// ABOUTME: Closing is conditional on the row still being active so concurrent closers see ErrNotFound

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `id, tenant_id, employee_phone, employee_name, department_name, customer_phone,
	started_at, first_reply_at, last_activity_at, active, closed_at, resolution`

// CreateConversation inserts an active hand-off.
func (s *SQLStore) CreateConversation(ctx context.Context, c *ActiveConversation) error {
	c.Active = true
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.StartedAt
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL, NULL)
	`),
		c.ID,
		c.TenantID,
		c.EmployeePhone,
		c.EmployeeName,
		c.DepartmentName,
		c.CustomerPhone,
		formatTime(c.StartedAt),
		nullTime(c.FirstReplyAt),
		formatTime(c.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	s.logger.Debug("conversation started", "id", c.ID, "tenant_id", c.TenantID)
	return nil
}

// GetConversation returns the conversation by ID, active or not.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*ActiveConversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetActiveConversationByPhone finds the active hand-off where the phone is either party.
func (s *SQLStore) GetActiveConversationByPhone(ctx context.Context, tenantID, phone string) (*ActiveConversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_id = ? AND active = 1 AND (customer_phone = ? OR employee_phone = ?)
		ORDER BY started_at DESC
		LIMIT 1
	`), tenantID, phone, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListActiveConversations returns every active hand-off across tenants, oldest first.
func (s *SQLStore) ListActiveConversations(ctx context.Context) ([]*ActiveConversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE active = 1
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying active conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ActiveConversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return out, nil
}

// TouchConversation bumps last activity; an employee touch sets first_reply_at if unset.
func (s *SQLStore) TouchConversation(ctx context.Context, id string, at time.Time, byEmployee bool) error {
	query := `UPDATE conversations SET last_activity_at = ? WHERE id = ? AND active = 1`
	if byEmployee {
		query = `
			UPDATE conversations
			SET last_activity_at = ?, first_reply_at = COALESCE(first_reply_at, ?)
			WHERE id = ? AND active = 1
		`
	}
	ts := formatTime(at)
	args := []any{ts, id}
	if byEmployee {
		args = []any{ts, ts, id}
	}
	result, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return checkAffected(result)
}

// CloseConversation marks the conversation inactive. Returns ErrNotFound if it is not active.
func (s *SQLStore) CloseConversation(ctx context.Context, id, resolution string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE conversations
		SET active = 0, closed_at = ?, resolution = ?
		WHERE id = ? AND active = 1
	`), formatTime(at), resolution, id)
	if err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	s.logger.Debug("conversation closed", "id", id, "resolution", resolution)
	return nil
}

func scanConversation(row rowScanner) (*ActiveConversation, error) {
	var c ActiveConversation
	var startedAt, lastActivity string
	var firstReply, closedAt, resolution sql.NullString
	var active int
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.EmployeePhone,
		&c.EmployeeName,
		&c.DepartmentName,
		&c.CustomerPhone,
		&startedAt,
		&firstReply,
		&lastActivity,
		&active,
		&closedAt,
		&resolution,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.Active = active == 1
	c.Resolution = resolution.String
	if c.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if c.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if c.FirstReplyAt, err = parseNullTime(firstReply, "first_reply_at"); err != nil {
		return nil, err
	}
	if c.ClosedAt, err = parseNullTime(closedAt, "closed_at"); err != nil {
		return nil, err
	}
	return &c, nil
}

const aiSessionColumns = `id, tenant_id, phone, started_at, ended_at, end_reason, last_response_id, conversation_id`

// CreateAISession inserts an open session.
func (s *SQLStore) CreateAISession(ctx context.Context, sess *AIChatSession) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO ai_sessions (`+aiSessionColumns+`)
		VALUES (?, ?, ?, ?, NULL, NULL, ?, NULL)
	`), sess.ID, sess.TenantID, sess.Phone, formatTime(sess.StartedAt), nullString(sess.LastResponseID))
	if err != nil {
		return fmt.Errorf("inserting ai session: %w", err)
	}
	return nil
}

// GetAISession returns the session by ID.
func (s *SQLStore) GetAISession(ctx context.Context, id string) (*AIChatSession, error) {
	sess, err := scanAISession(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+aiSessionColumns+` FROM ai_sessions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// GetOpenAISession returns the most recent session of the actor that has not ended.
func (s *SQLStore) GetOpenAISession(ctx context.Context, tenantID, phone string) (*AIChatSession, error) {
	sess, err := scanAISession(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+aiSessionColumns+`
		FROM ai_sessions
		WHERE tenant_id = ? AND phone = ? AND ended_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`), tenantID, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListIdleAISessions returns open sessions whose last message, or start when
// they have none, is older than idleBefore. Oldest first.
func (s *SQLStore) ListIdleAISessions(ctx context.Context, idleBefore time.Time, limit int) ([]*AIChatSession, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+aiSessionColumns+`
		FROM ai_sessions s
		WHERE s.ended_at IS NULL
		  AND COALESCE((SELECT MAX(m.created_at) FROM ai_messages m WHERE m.session_id = s.id), s.started_at) < ?
		ORDER BY s.started_at ASC
		LIMIT ?
	`), formatTime(idleBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("querying idle ai sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*AIChatSession
	for rows.Next() {
		sess, err := scanAISession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating idle ai sessions: %w", err)
	}
	return sessions, nil
}

// SetAISessionResponse records the continuation token of the last assistant reply.
func (s *SQLStore) SetAISessionResponse(ctx context.Context, id, lastResponseID string) error {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE ai_sessions SET last_response_id = ? WHERE id = ?`),
		nullString(lastResponseID), id)
	if err != nil {
		return fmt.Errorf("updating ai session response: %w", err)
	}
	return checkAffected(result)
}

// EndAISession closes an open session. Returns ErrNotFound if it already ended.
func (s *SQLStore) EndAISession(ctx context.Context, id, reason string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE ai_sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL
	`), formatTime(at), reason, id)
	if err != nil {
		return fmt.Errorf("ending ai session: %w", err)
	}
	return checkAffected(result)
}

// LinkAISessionToConversation ends the session as ESCALATED and records the hand-off.
func (s *SQLStore) LinkAISessionToConversation(ctx context.Context, id, conversationID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE ai_sessions
		SET ended_at = ?, end_reason = ?, conversation_id = ?
		WHERE id = ? AND ended_at IS NULL
	`), formatTime(at), EndReasonEscalated, conversationID, id)
	if err != nil {
		return fmt.Errorf("linking ai session: %w", err)
	}
	return checkAffected(result)
}

// AppendAIMessage adds an entry to the session's message log.
func (s *SQLStore) AppendAIMessage(ctx context.Context, msg *AIMessage) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO ai_messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.Role, msg.Content, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting ai message: %w", err)
	}
	return nil
}

// ListAIMessages returns the session's messages in insertion order.
func (s *SQLStore) ListAIMessages(ctx context.Context, sessionID string) ([]*AIMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, role, content, created_at
		FROM ai_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying ai messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*AIMessage
	for rows.Next() {
		var m AIMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning ai message: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ai messages: %w", err)
	}
	return msgs, nil
}

func scanAISession(row rowScanner) (*AIChatSession, error) {
	var sess AIChatSession
	var startedAt string
	var endedAt, endReason, lastResp, convID sql.NullString
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.Phone, &startedAt, &endedAt, &endReason, &lastResp, &convID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ai session: %w", err)
	}
	sess.EndReason = endReason.String
	sess.LastResponseID = lastResp.String
	sess.ConversationID = convID.String
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt, "ended_at"); err != nil {
		return nil, err
	}
	return &sess, nil
}
