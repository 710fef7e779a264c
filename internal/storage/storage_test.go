package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
	"github.com/ebibibi/claude-discord/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory(logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := &SessionRecord{
		ThreadID:       "thread-1",
		AgentSessionID: "abc-def-123",
		WorkingDir:     "/repos/app",
		Model:          "opus",
	}
	require.NoError(t, store.UpsertSession(ctx, record))

	got, err := store.GetSession(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "abc-def-123", got.AgentSessionID)
	assert.Equal(t, "/repos/app", got.WorkingDir)
	assert.Equal(t, "opus", got.Model)
	assert.False(t, got.StartedAt.IsZero(), "started_at not set on upsert")
	assert.False(t, got.UpdatedAt.IsZero(), "updated_at not set on upsert")

	// Upsert replaces by thread_id but keeps started_at.
	record.AgentSessionID = "new-session-id"
	require.NoError(t, store.UpsertSession(ctx, record))

	updated, err := store.GetSession(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "new-session-id", updated.AgentSessionID)
	assert.True(t, updated.StartedAt.Equal(got.StartedAt), "started_at must survive upserts")
}

func TestSessionGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSessionDeleteAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, threadID := range []string{"a", "b", "c"} {
		require.NoError(t, store.UpsertSession(ctx, &SessionRecord{ThreadID: threadID}))
	}
	require.NoError(t, store.DeleteSession(ctx, "b"))
	assert.NoError(t, store.DeleteSession(ctx, "missing"), "deleting absent record should be a no-op")

	records, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.NotEqual(t, "b", r.ThreadID, "deleted record still listed")
	}
}

func TestResumeMarkUnmarkList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkResume(ctx, "t1", ReasonShutdown))
	require.NoError(t, store.MarkResume(ctx, "t2", ReasonManual))
	// Re-marking replaces the reason.
	require.NoError(t, store.MarkResume(ctx, "t1", ReasonUpgradeRestart))

	entries, err := store.ListPendingResumes(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byThread := map[string]ResumeReason{}
	for _, e := range entries {
		byThread[e.ThreadID] = e.Reason
	}
	assert.Equal(t, ReasonUpgradeRestart, byThread["t1"], "re-mark did not replace reason")

	require.NoError(t, store.UnmarkResume(ctx, "t1"))
	entries, err = store.ListPendingResumes(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].ThreadID)
}

func TestResumeEntriesExpire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Backdate an entry past the ttl.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO resume_entries (thread_id, reason, marked_at) VALUES (?, ?, ?)`,
		"stale", ReasonShutdown, stale)
	require.NoError(t, err)
	require.NoError(t, store.MarkResume(ctx, "fresh", ReasonShutdown))

	entries, err := store.ListPendingResumes(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1, "stale entry not expired")
	assert.Equal(t, "fresh", entries[0].ThreadID)
}

func TestLoungeAppendOrderingAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var lastSeq int64
	for i := 0; i < 5; i++ {
		seq, err := store.AppendLoungeMessage(ctx, &CoordinationEvent{
			SessionLabel: "session-a",
			Message:      fmt.Sprintf("update %d", i),
			Kind:         "update",
		}, 3)
		require.NoError(t, err)
		assert.Greater(t, seq, lastSeq, "sequence not monotonic")
		lastSeq = seq
	}

	// Pruned to the newest 3; reads come back oldest-first.
	events, err := store.RecentLoungeMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "update 2", events[0].Message)
	assert.Equal(t, "update 4", events[2].Message)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq, "messages not in ascending sequence order")
	}
}

func TestLoungeRecentLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.AppendLoungeMessage(ctx, &CoordinationEvent{
			SessionLabel: "s",
			Message:      fmt.Sprintf("m%d", i),
			Kind:         "update",
		}, 0)
		require.NoError(t, err)
	}

	events, err := store.RecentLoungeMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2, "limit should keep the newest entries")
	assert.Equal(t, "m2", events[0].Message)
	assert.Equal(t, "m3", events[1].Message)

	none, err := store.RecentLoungeMessages(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, none, "limit 0 should return nothing")
}
