package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/smallnest/checkpointgo/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SqliteCheckpointStore {
	t.Helper()
	ss, err := NewSqliteCheckpointStore(SqliteOptions{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return ss
}

func newCheckpoint(threadID, id string) *store.Checkpoint {
	return &store.Checkpoint{
		ID:       id,
		ThreadID: threadID,
		State:    json.RawMessage(`{"step":"plan","messages":3}`),
		Metadata: map[string]any{"source": "agent-loop"},
	}
}

// lapse backdates the expiry deadline of every row in the thread so the
// store treats them as already expired.
func lapse(t *testing.T, ss *SqliteCheckpointStore, threadID string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	_, err := ss.db.Exec(
		fmt.Sprintf("UPDATE %s SET expires_at = ? WHERE thread_id = ?", ss.tableName),
		past, threadID,
	)
	require.NoError(t, err)
}

func TestSqliteCheckpointStore_PutGet(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	cp := newCheckpoint("thread-123", "cp-1")
	err := ss.Put(ctx, cp)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), cp.Sequence)
	assert.False(t, cp.CreatedAt.IsZero())

	loaded, err := ss.Get(ctx, "thread-123", "cp-1")
	assert.NoError(t, err)
	assert.NotNil(t, loaded)
	assert.Equal(t, "cp-1", loaded.ID)
	assert.Equal(t, "thread-123", loaded.ThreadID)
	assert.JSONEq(t, `{"step":"plan","messages":3}`, string(loaded.State))
	assert.Equal(t, "agent-loop", loaded.Metadata["source"])
	assert.Equal(t, int64(1), loaded.Sequence)

	// Missing checkpoints and threads yield nil without error.
	missing, err := ss.Get(ctx, "thread-123", "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = ss.Get(ctx, "ghost-thread", "")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSqliteCheckpointStore_LatestAndList(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"cp-1", "cp-2", "cp-3"} {
		assert.NoError(t, ss.Put(ctx, newCheckpoint("thread-123", id)))
	}

	latest, err := ss.Get(ctx, "thread-123", "")
	assert.NoError(t, err)
	assert.NotNil(t, latest)
	assert.Equal(t, "cp-3", latest.ID)
	assert.Equal(t, int64(3), latest.Sequence)

	ids, err := ss.List(ctx, "thread-123", 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-1", "cp-2", "cp-3"}, ids)

	ids, err = ss.List(ctx, "thread-123", 2)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-1", "cp-2"}, ids)

	// Re-putting an id draws a fresh sequence and moves it to the newest
	// position.
	rewrite := newCheckpoint("thread-123", "cp-1")
	rewrite.State = json.RawMessage(`{"step":"plan-revised","messages":4}`)
	assert.NoError(t, ss.Put(ctx, rewrite))
	assert.Equal(t, int64(4), rewrite.Sequence)

	latest, err = ss.Get(ctx, "thread-123", "")
	assert.NoError(t, err)
	assert.Equal(t, "cp-1", latest.ID)
	assert.JSONEq(t, `{"step":"plan-revised","messages":4}`, string(latest.State))

	ids, err = ss.List(ctx, "thread-123", 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-2", "cp-3", "cp-1"}, ids)
}

func TestSqliteCheckpointStore_DefaultLimit(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= store.DefaultListLimit+5; i++ {
		assert.NoError(t, ss.Put(ctx, newCheckpoint("thread-123", fmt.Sprintf("cp-%03d", i))))
	}

	ids, err := ss.List(ctx, "thread-123", 0)
	assert.NoError(t, err)
	assert.Len(t, ids, store.DefaultListLimit)
}

func TestSqliteCheckpointStore_Delete(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, ss.Put(ctx, newCheckpoint("thread-123", "cp-1")))
	assert.NoError(t, ss.Put(ctx, newCheckpoint("thread-123", "cp-2")))

	existed, err := ss.Delete(ctx, "thread-123")
	assert.NoError(t, err)
	assert.True(t, existed)

	gone, err := ss.Get(ctx, "thread-123", "cp-1")
	assert.NoError(t, err)
	assert.Nil(t, gone)

	// Deleting again reports a missing thread.
	existed, err = ss.Delete(ctx, "thread-123")
	assert.NoError(t, err)
	assert.False(t, existed)

	// A new save after delete starts a fresh history.
	fresh := newCheckpoint("thread-123", "cp-9")
	assert.NoError(t, ss.Put(ctx, fresh))
	assert.Equal(t, int64(1), fresh.Sequence)
}

func TestSqliteCheckpointStore_Delete_AllExpired(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	cp := newCheckpoint("thread-123", "cp-1")
	cp.TTLSeconds = 60
	assert.NoError(t, ss.Put(ctx, cp))
	lapse(t, ss, "thread-123")

	// Only expired rows remain, so the thread deletes as missing.
	existed, err := ss.Delete(ctx, "thread-123")
	assert.NoError(t, err)
	assert.False(t, existed)
}

func TestSqliteCheckpointStore_TTLExpiry(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	durable := newCheckpoint("thread-123", "cp-durable")
	assert.NoError(t, ss.Put(ctx, durable))

	ephemeral := newCheckpoint("thread-123", "cp-ephemeral")
	ephemeral.TTLSeconds = 60
	assert.NoError(t, ss.Put(ctx, ephemeral))

	latest, err := ss.Get(ctx, "thread-123", "")
	assert.NoError(t, err)
	assert.Equal(t, "cp-ephemeral", latest.ID)

	// Push the ephemeral row past its deadline.
	past := time.Now().UTC().Add(-time.Minute)
	_, err = ss.db.Exec(
		fmt.Sprintf("UPDATE %s SET expires_at = ? WHERE checkpoint_id = ?", ss.tableName),
		past, "cp-ephemeral",
	)
	require.NoError(t, err)

	gone, err := ss.Get(ctx, "thread-123", "cp-ephemeral")
	assert.NoError(t, err)
	assert.Nil(t, gone)

	latest, err = ss.Get(ctx, "thread-123", "")
	assert.NoError(t, err)
	assert.NotNil(t, latest)
	assert.Equal(t, "cp-durable", latest.ID)

	ids, err := ss.List(ctx, "thread-123", 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-durable"}, ids)
}

func TestSqliteCheckpointStore_ExpireOlderThan(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	old1 := newCheckpoint("thread-123", "cp-old-1")
	old1.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	assert.NoError(t, ss.Put(ctx, old1))

	old2 := newCheckpoint("thread-123", "cp-old-2")
	old2.CreatedAt = time.Now().UTC().Add(-90 * time.Minute)
	assert.NoError(t, ss.Put(ctx, old2))

	// Old but protected by an explicit TTL that has not lapsed.
	protected := newCheckpoint("thread-123", "cp-protected")
	protected.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	protected.TTLSeconds = 3600
	assert.NoError(t, ss.Put(ctx, protected))

	recent := newCheckpoint("thread-123", "cp-recent")
	assert.NoError(t, ss.Put(ctx, recent))

	removed, err := ss.ExpireOlderThan(ctx, "thread-123", time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)

	ids, err := ss.List(ctx, "thread-123", 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-protected", "cp-recent"}, ids)

	// The cleanup is idempotent.
	removed, err = ss.ExpireOlderThan(ctx, "thread-123", time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, removed)

	// Once the protecting TTL lapses the row is purged without counting.
	lapse(t, ss, "thread-123")
	removed, err = ss.ExpireOlderThan(ctx, "thread-123", time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, removed)

	ids, err = ss.List(ctx, "thread-123", 10)
	assert.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSqliteCheckpointStore_ExtendTTL(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	old1 := newCheckpoint("thread-123", "cp-1")
	old1.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	assert.NoError(t, ss.Put(ctx, old1))

	old2 := newCheckpoint("thread-123", "cp-2")
	old2.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	assert.NoError(t, ss.Put(ctx, old2))

	affected, err := ss.ExtendTTL(ctx, "thread-123", 2*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 2, affected)

	// Extended checkpoints carry their own deadline, so an age-based
	// cleanup with an older cutoff leaves them alone.
	removed, err := ss.ExpireOlderThan(ctx, "thread-123", 30*time.Minute)
	assert.NoError(t, err)
	assert.Zero(t, removed)

	ids, err := ss.List(ctx, "thread-123", 10)
	assert.NoError(t, err)
	assert.Len(t, ids, 2)

	// Extending a missing thread touches nothing.
	affected, err = ss.ExtendTTL(ctx, "ghost-thread", time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, affected)

	_, err = ss.ExtendTTL(ctx, "thread-123", 0)
	assert.True(t, store.IsValidation(err))
}

func TestSqliteCheckpointStore_Validation(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	err := ss.Put(ctx, newCheckpoint("", "cp-1"))
	assert.True(t, store.IsValidation(err))

	err = ss.Put(ctx, newCheckpoint("thread-123", "cp 1"))
	assert.True(t, store.IsValidation(err))

	_, err = ss.Get(ctx, "", "cp-1")
	assert.True(t, store.IsValidation(err))

	_, err = ss.List(ctx, "", 10)
	assert.True(t, store.IsValidation(err))

	_, err = ss.Delete(ctx, "")
	assert.True(t, store.IsValidation(err))
}

func TestSqliteCheckpointStore_ConcurrentPuts(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	const numGoroutines = 10
	errs := make(chan error, numGoroutines)
	for i := range numGoroutines {
		go func(n int) {
			errs <- ss.Put(ctx, newCheckpoint("shared-thread", fmt.Sprintf("cp-%d", n)))
		}(i)
	}
	for range numGoroutines {
		assert.NoError(t, <-errs)
	}

	ids, err := ss.List(ctx, "shared-thread", numGoroutines*2)
	assert.NoError(t, err)
	assert.Len(t, ids, numGoroutines)

	seen := make(map[string]bool, numGoroutines)
	for _, id := range ids {
		assert.False(t, seen[id], "id %s listed twice", id)
		seen[id] = true
	}

	latest, err := ss.Get(ctx, "shared-thread", "")
	assert.NoError(t, err)
	assert.Equal(t, int64(numGoroutines), latest.Sequence)
}

func TestSqliteCheckpointStore_ThreadIsolation(t *testing.T) {
	ss := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, ss.Put(ctx, newCheckpoint("agent-alpha", "cp-1")))
	assert.NoError(t, ss.Put(ctx, newCheckpoint("agent-beta", "cp-1")))

	_, err := ss.Delete(ctx, "agent-alpha")
	assert.NoError(t, err)

	got, err := ss.Get(ctx, "agent-beta", "cp-1")
	assert.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSqliteCheckpointStore_HealthCheck(t *testing.T) {
	ss := newTestStore(t)

	h := ss.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Err)
	assert.GreaterOrEqual(t, h.Latency, time.Duration(0))
}

func TestSqliteCheckpointStore_CustomTableName(t *testing.T) {
	ss, err := NewSqliteCheckpointStore(SqliteOptions{Path: ":memory:", TableName: "agent_checkpoints"})
	require.NoError(t, err)
	defer ss.Close()

	assert.Equal(t, "agent_checkpoints", ss.tableName)
	assert.NoError(t, ss.Put(context.Background(), newCheckpoint("thread-123", "cp-1")))

	loaded, err := ss.Get(context.Background(), "thread-123", "cp-1")
	assert.NoError(t, err)
	assert.NotNil(t, loaded)
}
