// ABOUTME: Assistant sessions: start, chained turns, document ingestion and tool intents
// ABOUTME: Each session keeps its own continuation token in the ai_chat snapshot

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/atende-gateway/internal/ai"
	"github.com/2389/atende-gateway/internal/queue"
	"github.com/2389/atende-gateway/internal/store"
)

// startAIChat opens a session and enters the ai_chat state.
func startAIChat(ctx context.Context, c *Context) error {
	deps := c.m.deps
	sess := &store.AIChatSession{
		ID:        uuid.New().String(),
		TenantID:  c.TenantID,
		Phone:     c.Phone,
		StartedAt: c.now(),
	}
	if err := deps.Store.CreateAISession(ctx, sess); err != nil {
		return fmt.Errorf("creating ai session: %w", err)
	}

	next := aiChatState{Sessions: map[string]string{}}
	if cur, ok := c.State().(aiChatState); ok {
		next = cur
	}
	if err := c.save(ctx, next.with(sess.ID, ""), sess.ID); err != nil {
		endAISession(ctx, c, sess.ID, store.EndReasonUserExited)
		return err
	}
	c.logger.Info("ai session started", "session_id", sess.ID)
	return c.sendText(ctx, msgAIWelcome)
}

// assistantTurn sends one user message and relays the reply. The new
// continuation token is persisted before the reply goes out.
func assistantTurn(ctx context.Context, c *Context, s aiChatState, sessionID, input string) error {
	deps := c.m.deps
	now := c.now()

	if err := deps.Store.AppendAIMessage(ctx, &store.AIMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   input,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("recording user message: %w", err)
	}

	resp, err := deps.AI.MakeResponse(ctx, ai.Request{
		TenantID:       c.TenantID,
		ConversationID: sessionID,
		UserPhone:      c.Phone,
		Role:           store.RoleUser,
		Text:           input,
		LastResponseID: s.Sessions[sessionID],
	})
	if err != nil {
		return fmt.Errorf("assistant call: %w", err)
	}
	if resp.Summarized {
		c.logger.Debug("assistant history condensed", "session_id", sessionID)
	}

	// Best-effort bookkeeping; the snapshot below is what chains the next turn.
	if err := deps.Store.SetAISessionResponse(ctx, sessionID, resp.ResponseID); err != nil {
		c.logger.Warn("recording response id failed", "session_id", sessionID, "error", err)
	}
	if resp.Text != "" {
		if err := deps.Store.AppendAIMessage(ctx, &store.AIMessage{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Role:      store.RoleAssistant,
			Content:   resp.Text,
			CreatedAt: c.now(),
		}); err != nil {
			c.logger.Warn("recording assistant message failed", "session_id", sessionID, "error", err)
		}
	}
	if resp.Usage != nil {
		if err := deps.Store.SaveAIUsage(ctx, &store.AIUsage{
			ID:           uuid.New().String(),
			TenantID:     c.TenantID,
			SessionID:    sessionID,
			ResponseID:   resp.ResponseID,
			Model:        resp.Model,
			InputTokens:  int64(resp.Usage.InputTokens),
			OutputTokens: int64(resp.Usage.OutputTokens),
		}); err != nil {
			c.logger.Warn("recording usage failed", "session_id", sessionID, "error", err)
		}
	}

	if err := c.transitionAndPersist(ctx, s.with(sessionID, resp.ResponseID)); err != nil {
		return err
	}
	if resp.Text != "" {
		if err := c.sendText(ctx, resp.Text); err != nil {
			return err
		}
	}
	if len(resp.Intents) > 0 {
		publishIntents(ctx, c, sessionID, resp.Intents)
	}
	return nil
}

// publishIntents queues the assistant's tool intents. They run as their own
// job because this actor's lock is held for the current one.
func publishIntents(ctx context.Context, c *Context, sessionID string, intents []queue.Intent) {
	pub := c.m.deps.Intents
	if pub == nil {
		c.logger.Warn("dropping assistant intents, no publisher", "count", len(intents))
		return
	}
	job := queue.NewIntentJob(queue.ToolIntents{
		TenantID:       c.TenantID,
		UserPhone:      c.Phone,
		ConversationID: sessionID,
		Intents:        intents,
	})
	if err := pub.Enqueue(ctx, job); err != nil {
		c.logger.Error("publishing assistant intents failed", "session_id", sessionID, "error", err)
	}
}

// endAISession closes a session. Already-ended sessions are ignored.
func endAISession(ctx context.Context, c *Context, sessionID, reason string) {
	deps := c.m.deps
	err := deps.Store.EndAISession(ctx, sessionID, reason, c.now())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("ending ai session failed", "session_id", sessionID, "error", err)
	}
	if ender, ok := deps.AI.(ai.SessionEnder); ok {
		ender.EndSession(sessionID)
	}
	c.logger.Info("ai session ended", "session_id", sessionID, "reason", reason)
}

// abandonAISession ends the actor's open session, if any, as USER_EXITED.
func abandonAISession(ctx context.Context, c *Context) {
	sessionID := c.AISessionID()
	if sessionID == "" {
		sess, err := c.m.deps.Store.GetOpenAISession(ctx, c.TenantID, c.Phone)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				c.logger.Warn("looking up ai session failed", "error", err)
			}
			return
		}
		sessionID = sess.ID
	}
	endAISession(ctx, c, sessionID, store.EndReasonUserExited)
}

// ExpireAISession ends an idle session as TIMEOUT under the actor's lock.
// A session the actor still chats in sends it back to the menu. The session
// a queued customer escalated from stays open so the hand-off can link it.
func (m *Manager) ExpireAISession(ctx context.Context, sess *store.AIChatSession) (bool, error) {
	c, _ := m.GetContext(ctx, sess.TenantID, sess.Phone)
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.AISessionID()
	if name := c.StateName(); current == sess.ID && (name == store.StateWaitingInQueue || name == store.StateInConversation) {
		return false, nil
	}

	err := m.deps.Store.EndAISession(ctx, sess.ID, store.EndReasonTimeout, m.deps.Now())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ending ai session: %w", err)
	}
	if ender, ok := m.deps.AI.(ai.SessionEnder); ok {
		ender.EndSession(sess.ID)
	}
	c.logger.Info("ai session ended", "session_id", sess.ID, "reason", store.EndReasonTimeout)

	st, ok := c.State().(aiChatState)
	if !ok {
		return true, nil
	}
	if sess.ID != current {
		if _, held := st.Sessions[sess.ID]; held {
			if err := c.transitionAndPersist(ctx, st.without(sess.ID)); err != nil {
				return true, err
			}
		}
		return true, nil
	}
	if err := c.save(ctx, initialState{}, ""); err != nil {
		return true, err
	}
	if err := c.sendText(ctx, msgAITimedOut); err != nil {
		c.logger.Warn("sending timeout notice failed", "error", err)
	}
	return true, nil
}

// ingestDocument hands a PDF to the assistant and tells it about the upload.
func ingestDocument(ctx context.Context, c *Context, media *queue.Media) error {
	deps := c.m.deps
	sessionID := c.AISessionID()
	if deps.Ingestor == nil || deps.Media == nil || sessionID == "" {
		return c.sendText(ctx, msgUnsupportedMedia)
	}

	doc, err := deps.Media.DownloadMedia(ctx, c.TenantID, media.ID)
	if err != nil {
		return fmt.Errorf("downloading document: %w", err)
	}
	filename := media.Filename
	if filename == "" {
		filename = media.ID + ".pdf"
	}
	ref, err := deps.Ingestor.IngestDocument(ctx, ai.Document{
		TenantID:  c.TenantID,
		SessionID: sessionID,
		Filename:  filename,
		Data:      doc.Data,
	})
	if errors.Is(err, ai.ErrDocumentTooLarge) {
		return c.sendText(ctx, msgDocumentTooLarge)
	}
	if err != nil {
		return fmt.Errorf("ingesting document: %w", err)
	}
	if err := c.sendText(ctx, msgDocumentReceived); err != nil {
		return err
	}

	st, ok := c.State().(aiChatState)
	if !ok {
		return nil
	}
	return assistantTurn(ctx, c, st, sessionID, msgDocumentNote(filename, ref))
}

// enterQueueFromIntent queues the customer in the department the assistant
// chose. On failure the actor is told and sent to the department menu.
func enterQueueFromIntent(ctx context.Context, c *Context, department string) error {
	if c.IsEmployee() {
		c.logger.Debug("ignoring queue intent for employee")
		return nil
	}

	err := joinQueue(ctx, c, department)
	if err == nil {
		return nil
	}
	c.logger.Warn("queue intent failed", "department", department, "error", err)

	notice := msgApology
	if errors.Is(err, ErrDepartmentNotFound) {
		notice = msgDeptUnknown
	}
	if serr := c.sendText(ctx, notice); serr != nil {
		return serr
	}
	return enterDepartmentMenu(ctx, c)
}

// endAIFromIntent ends the named session. Only the current session's exit
// moves the actor back to the menu; an overlapping session keeps its token.
func endAIFromIntent(ctx context.Context, c *Context, sessionID string) error {
	current := c.AISessionID()
	if sessionID == "" {
		sessionID = current
	}
	if sessionID == "" {
		return nil
	}
	endAISession(ctx, c, sessionID, store.EndReasonCompleted)

	st, ok := c.State().(aiChatState)
	if !ok {
		return nil
	}
	if sessionID != current {
		return c.transitionAndPersist(ctx, st.without(sessionID))
	}
	if err := c.save(ctx, initialState{}, ""); err != nil {
		return err
	}
	if err := c.sendText(ctx, msgAIGoodbye); err != nil {
		return err
	}
	return c.showInitialMenu(ctx)
}
