package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/atende-gateway/internal/blob"
	"github.com/2389/atende-gateway/internal/store"
)

var baseTime = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func setupBlobs(t *testing.T) *blob.FSStore {
	t.Helper()
	b, err := blob.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type recordingCloser struct {
	mu     sync.Mutex
	closed map[string]string
	fail   map[string]error
}

func newRecordingCloser() *recordingCloser {
	return &recordingCloser{closed: map[string]string{}, fail: map[string]error{}}
}

func (c *recordingCloser) Close(_ context.Context, conv *store.ActiveConversation, resolution string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.fail[conv.ID]; ok {
		return err
	}
	c.closed[conv.ID] = resolution
	return nil
}

func ptr[T any](v T) *T { return &v }

func TestAutoClose(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	convs := []*store.ActiveConversation{
		// Waiting 20m for a first reply, SLA is 15m.
		{ID: "sla", StartedAt: baseTime.Add(-20 * time.Minute), LastActivityAt: baseTime.Add(-time.Minute)},
		// Answered and recently active.
		{ID: "ok", StartedAt: baseTime.Add(-20 * time.Minute), FirstReplyAt: ptr(baseTime.Add(-19 * time.Minute)), LastActivityAt: baseTime.Add(-time.Hour)},
		// Answered but silent for 3h, idle limit is 2h.
		{ID: "idle", StartedAt: baseTime.Add(-4 * time.Hour), FirstReplyAt: ptr(baseTime.Add(-4 * time.Hour)), LastActivityAt: baseTime.Add(-3 * time.Hour)},
		// Expired, but the closer reports it already closed.
		{ID: "gone", StartedAt: baseTime.Add(-time.Hour)},
		// Expired, closer fails.
		{ID: "broken", StartedAt: baseTime.Add(-time.Hour)},
	}
	for i, c := range convs {
		c.TenantID = "t1"
		c.EmployeePhone = "55118000000" + string(rune('0'+i))
		c.CustomerPhone = "55119000000" + string(rune('0'+i))
		c.EmployeeName = "Carla"
		c.DepartmentName = "Suporte"
		require.NoError(t, st.CreateConversation(ctx, c))
	}

	closer := newRecordingCloser()
	closer.fail["gone"] = store.ErrNotFound
	closer.fail["broken"] = errors.New("db down")

	job := NewAutoClose(st, closer, AutoCloseConfig{
		SLA:  15 * time.Minute,
		Idle: 2 * time.Hour,
		Now:  fixedNow(baseTime),
	}, nil)
	assert.Equal(t, NameAutoClose, job.Name())

	stats, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Examined: 5, Processed: 2, Failed: 1}, stats)
	assert.Equal(t, map[string]string{
		"sla":  store.ResolutionUnresolved,
		"idle": store.ResolutionUnresolved,
	}, closer.closed)
}

func TestAutoClose_ZeroDeadlinesDisableChecks(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateConversation(ctx, &store.ActiveConversation{
		ID: "c1", TenantID: "t1", EmployeePhone: "e", CustomerPhone: "c",
		StartedAt: baseTime.Add(-48 * time.Hour),
	}))

	closer := newRecordingCloser()
	stats, err := NewAutoClose(st, closer, AutoCloseConfig{Now: fixedNow(baseTime)}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Examined)
	assert.Empty(t, closer.closed)
}

// seedClosedLog creates a log with two messages closed at closedAt.
func seedClosedLog(t *testing.T, st *store.SQLStore, id string, closedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.OpenLog(ctx, &store.ConversationLog{
		ID: id, TenantID: "t1", ConversationID: "conv-" + id,
		CustomerPhone: "5511900000001", EmployeePhone: "5511800000001",
		DepartmentName: "Suporte", OpenedAt: closedAt.Add(-time.Hour),
	}))
	for i, text := range []string{"Olá", "Tudo resolvido"} {
		author := store.AuthorCustomer
		if i == 1 {
			author = store.AuthorEmployee
		}
		require.NoError(t, st.AppendLogMessage(ctx, &store.LogMessage{
			ID: id + "-m" + string(rune('0'+i)), LogID: id, Author: author, Text: text,
			CreatedAt: closedAt.Add(-time.Duration(30-i) * time.Minute),
		}))
	}
	require.NoError(t, st.CloseLog(ctx, id, store.ResolutionResolved, "2 mensagens", closedAt))
}

func TestArchiveAndPurge(t *testing.T) {
	st := setupTestStore(t)
	blobs := setupBlobs(t)
	ctx := context.Background()

	seedClosedLog(t, st, "old", baseTime.Add(-48*time.Hour))
	seedClosedLog(t, st, "recent", baseTime.Add(-time.Hour))

	archive := NewArchive(st, blobs, ArchiveConfig{
		Delay:      24 * time.Hour,
		PurgeGrace: 7 * 24 * time.Hour,
		Now:        fixedNow(baseTime),
	}, nil)
	stats, err := archive.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Examined: 1, Processed: 1}, stats)

	old, err := st.GetLog(ctx, "old")
	require.NoError(t, err)
	require.NotNil(t, old.ArchivedAt)
	require.NotNil(t, old.PurgeAfter)
	assert.True(t, old.PurgeAfter.Equal(baseTime.Add(7*24*time.Hour)))
	assert.Equal(t, ArchiveKey(old)+".zst", old.ArchiveLocator)

	recent, err := st.GetLog(ctx, "recent")
	require.NoError(t, err)
	assert.Nil(t, recent.ArchivedAt)

	raw, err := blobs.Get(ctx, old.ArchiveLocator)
	require.NoError(t, err)
	var doc archivedLog
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "old", doc.ID)
	assert.Equal(t, "2 mensagens", doc.Summary)
	require.Len(t, doc.Messages, 2)
	assert.Equal(t, "Olá", doc.Messages[0].Text)

	// A second run finds nothing new.
	stats, err = archive.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Examined)

	// Inside the grace period nothing is purged.
	purge := NewPurge(st, blobs, PurgeConfig{Now: fixedNow(baseTime.Add(24 * time.Hour))}, nil)
	stats, err = purge.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Examined)

	_, before, err := ReadLog(ctx, st, blobs, "old")
	require.NoError(t, err)
	require.Len(t, before, 2)

	purge = NewPurge(st, blobs, PurgeConfig{Now: fixedNow(baseTime.Add(8 * 24 * time.Hour))}, nil)
	stats, err = purge.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Examined: 1, Processed: 1}, stats)

	msgs, err := st.ListLogMessages(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	old, err = st.GetLog(ctx, "old")
	require.NoError(t, err)
	assert.NotNil(t, old.PurgedAt)

	// Purged logs read back from the archive.
	log, after, err := ReadLog(ctx, st, blobs, "old")
	require.NoError(t, err)
	assert.Equal(t, "2 mensagens", log.Summary)
	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].Author, after[i].Author)
		assert.Equal(t, before[i].Text, after[i].Text)
		assert.True(t, before[i].CreatedAt.Equal(after[i].CreatedAt))
	}
}

func TestReadLog_Errors(t *testing.T) {
	st := setupTestStore(t)
	blobs := setupBlobs(t)
	ctx := context.Background()

	_, _, err := ReadLog(ctx, st, blobs, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	seedClosedLog(t, st, "lost", baseTime.Add(-48*time.Hour))
	require.NoError(t, st.MarkArchived(ctx, "lost", "nowhere.json.zst", baseTime, baseTime))
	_, err = st.PurgeLog(ctx, "lost", baseTime)
	require.NoError(t, err)

	_, _, err = ReadLog(ctx, st, blobs, "lost")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestPurge_SkipsMissingArchive(t *testing.T) {
	st := setupTestStore(t)
	blobs := setupBlobs(t)
	ctx := context.Background()

	seedClosedLog(t, st, "lost", baseTime.Add(-48*time.Hour))
	require.NoError(t, st.MarkArchived(ctx, "lost", "nowhere.json.zst", baseTime, baseTime.Add(time.Hour)))

	stats, err := NewPurge(st, blobs, PurgeConfig{Now: fixedNow(baseTime.Add(2 * time.Hour))}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Examined: 1, Failed: 1}, stats)

	msgs, err := st.ListLogMessages(ctx, "lost")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "detail rows kept")
}

type failingBlobs struct{ blob.Store }

func (failingBlobs) Put(context.Context, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func TestArchive_BlobFailureLeavesLogUnarchived(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	seedClosedLog(t, st, "old", baseTime.Add(-48*time.Hour))

	stats, err := NewArchive(st, failingBlobs{}, ArchiveConfig{Delay: time.Hour, Now: fixedNow(baseTime)}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Examined: 1, Failed: 1}, stats)

	got, err := st.GetLog(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got.ArchivedAt)
}

type recordingExpirer struct {
	mu      sync.Mutex
	expired []string
	skip    map[string]bool
	fail    map[string]error
}

func (e *recordingExpirer) ExpireAISession(_ context.Context, sess *store.AIChatSession) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.fail[sess.ID]; ok {
		return false, err
	}
	if e.skip[sess.ID] {
		return false, nil
	}
	e.expired = append(e.expired, sess.ID)
	return true, nil
}

func TestAITimeout(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"quiet", "busy", "queued", "broken"} {
		require.NoError(t, st.CreateAISession(ctx, &store.AIChatSession{
			ID: id, TenantID: "t1", Phone: "5511" + id, StartedAt: baseTime.Add(-3 * time.Hour),
		}))
	}
	require.NoError(t, st.AppendAIMessage(ctx, &store.AIMessage{
		ID: "m1", SessionID: "busy", Role: store.RoleUser, Content: "oi", CreatedAt: baseTime.Add(-10 * time.Minute),
	}))

	expirer := &recordingExpirer{
		skip: map[string]bool{"queued": true},
		fail: map[string]error{"broken": errors.New("db down")},
	}
	job := NewAITimeout(st, expirer, AITimeoutConfig{Idle: time.Hour, Now: fixedNow(baseTime)}, nil)
	assert.Equal(t, NameAITimeout, job.Name())

	stats, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Examined: 3, Processed: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"quiet"}, expirer.expired)
}

func TestAITimeout_ZeroIdleDisables(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateAISession(ctx, &store.AIChatSession{
		ID: "s1", TenantID: "t1", Phone: "c", StartedAt: baseTime.Add(-48 * time.Hour),
	}))

	expirer := &recordingExpirer{}
	stats, err := NewAITimeout(st, expirer, AITimeoutConfig{Now: fixedNow(baseTime)}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, expirer.expired)
}
