package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/smallnest/checkpointgo/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisCheckpointStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rs, err := NewRedisCheckpointStore(RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs, mr
}

func newCheckpoint(threadID, id string) *store.Checkpoint {
	return &store.Checkpoint{
		ID:       id,
		ThreadID: threadID,
		State:    json.RawMessage(`{"step":"plan","messages":3}`),
		Metadata: map[string]any{"source": "agent-loop"},
	}
}

func TestRedisCheckpointStore(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()
	threadID := "thread-123"

	// Test Put
	cp := newCheckpoint(threadID, "cp-1")
	err := rs.Put(ctx, cp)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), cp.Sequence)
	assert.False(t, cp.CreatedAt.IsZero())

	// Test Get
	loaded, err := rs.Get(ctx, threadID, "cp-1")
	assert.NoError(t, err)
	assert.NotNil(t, loaded)
	assert.Equal(t, "cp-1", loaded.ID)
	assert.Equal(t, threadID, loaded.ThreadID)
	assert.JSONEq(t, `{"step":"plan","messages":3}`, string(loaded.State))
	assert.Equal(t, "agent-loop", loaded.Metadata["source"])

	// Test Get missing: no error, nil checkpoint
	missing, err := rs.Get(ctx, threadID, "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	// Test Get latest with more checkpoints
	assert.NoError(t, rs.Put(ctx, newCheckpoint(threadID, "cp-2")))
	assert.NoError(t, rs.Put(ctx, newCheckpoint(threadID, "cp-3")))

	latest, err := rs.Get(ctx, threadID, "")
	assert.NoError(t, err)
	assert.NotNil(t, latest)
	assert.Equal(t, "cp-3", latest.ID)
	assert.Equal(t, int64(3), latest.Sequence)

	// Test List: ascending save order
	ids, err := rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-1", "cp-2", "cp-3"}, ids)

	// Test List cap
	ids, err = rs.List(ctx, threadID, 2)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-1", "cp-2"}, ids)

	// Test re-put: same id takes a fresh sequence at the newest position
	rewrite := newCheckpoint(threadID, "cp-1")
	rewrite.State = json.RawMessage(`{"step":"plan-revised","messages":4}`)
	assert.NoError(t, rs.Put(ctx, rewrite))
	assert.Equal(t, int64(4), rewrite.Sequence)

	latest, err = rs.Get(ctx, threadID, "")
	assert.NoError(t, err)
	assert.Equal(t, "cp-1", latest.ID)
	assert.JSONEq(t, `{"step":"plan-revised","messages":4}`, string(latest.State))

	ids, err = rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-2", "cp-3", "cp-1"}, ids)

	// Test Delete reports the thread existed
	existed, err := rs.Delete(ctx, threadID)
	assert.NoError(t, err)
	assert.True(t, existed)

	gone, err := rs.Get(ctx, threadID, "cp-1")
	assert.NoError(t, err)
	assert.Nil(t, gone)

	ids, err = rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Empty(t, ids)

	// Test Delete missing thread
	existed, err = rs.Delete(ctx, threadID)
	assert.NoError(t, err)
	assert.False(t, existed)

	// Test fresh history after delete: sequences restart
	fresh := newCheckpoint(threadID, "cp-9")
	assert.NoError(t, rs.Put(ctx, fresh))
	assert.Equal(t, int64(1), fresh.Sequence)

	ids, err = rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-9"}, ids)
}

func TestRedisCheckpointStore_TTL(t *testing.T) {
	rs, mr := newTestStore(t)
	ctx := context.Background()
	threadID := "ttl-thread"

	durable := newCheckpoint(threadID, "cp-durable")
	assert.NoError(t, rs.Put(ctx, durable))

	ephemeral := newCheckpoint(threadID, "cp-ephemeral")
	ephemeral.TTLSeconds = 1
	assert.NoError(t, rs.Put(ctx, ephemeral))

	// Both visible before the TTL elapses, the ephemeral one is latest.
	latest, err := rs.Get(ctx, threadID, "")
	assert.NoError(t, err)
	assert.Equal(t, "cp-ephemeral", latest.ID)

	mr.FastForward(1500 * time.Millisecond)

	// The ephemeral checkpoint disappears on its own.
	gone, err := rs.Get(ctx, threadID, "cp-ephemeral")
	assert.NoError(t, err)
	assert.Nil(t, gone)

	// Latest falls back past the stale index entry to the durable one.
	latest, err = rs.Get(ctx, threadID, "")
	assert.NoError(t, err)
	assert.NotNil(t, latest)
	assert.Equal(t, "cp-durable", latest.ID)

	// List skips the lapsed checkpoint.
	ids, err := rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-durable"}, ids)
}

func TestRedisCheckpointStore_DeleteAllExpired(t *testing.T) {
	rs, mr := newTestStore(t)
	ctx := context.Background()
	threadID := "expired-thread"

	cp := newCheckpoint(threadID, "cp-1")
	cp.TTLSeconds = 1
	assert.NoError(t, rs.Put(ctx, cp))
	mr.FastForward(2 * time.Second)

	// Only a stale index entry remains, so the thread deletes as missing.
	existed, err := rs.Delete(ctx, threadID)
	assert.NoError(t, err)
	assert.False(t, existed)
}

func TestRedisCheckpointStore_ExpireOlderThan(t *testing.T) {
	rs, mr := newTestStore(t)
	ctx := context.Background()
	threadID := "cleanup-thread"

	// Backdate two checkpoints well past the cutoff.
	old1 := newCheckpoint(threadID, "cp-old-1")
	old1.CreatedAt = time.Now().Add(-2 * time.Hour)
	assert.NoError(t, rs.Put(ctx, old1))

	old2 := newCheckpoint(threadID, "cp-old-2")
	old2.CreatedAt = time.Now().Add(-90 * time.Minute)
	assert.NoError(t, rs.Put(ctx, old2))

	// One old checkpoint protected by an explicit TTL, one recent one.
	protected := newCheckpoint(threadID, "cp-protected")
	protected.CreatedAt = time.Now().Add(-2 * time.Hour)
	protected.TTLSeconds = 3600
	assert.NoError(t, rs.Put(ctx, protected))

	recent := newCheckpoint(threadID, "cp-recent")
	assert.NoError(t, rs.Put(ctx, recent))

	removed, err := rs.ExpireOlderThan(ctx, threadID, time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)

	ids, err := rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-protected", "cp-recent"}, ids)

	// Running the cleanup again removes nothing more.
	removed, err = rs.ExpireOlderThan(ctx, threadID, time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, removed)

	// Once the protecting TTL lapses the entry is reclaimed, not counted.
	mr.FastForward(2 * time.Hour)
	removed, err = rs.ExpireOlderThan(ctx, threadID, time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, removed)

	ids, err = rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"cp-recent"}, ids)
}

func TestRedisCheckpointStore_ExtendTTL(t *testing.T) {
	rs, mr := newTestStore(t)
	ctx := context.Background()
	threadID := "extend-thread"

	old1 := newCheckpoint(threadID, "cp-1")
	old1.CreatedAt = time.Now().Add(-2 * time.Hour)
	assert.NoError(t, rs.Put(ctx, old1))

	old2 := newCheckpoint(threadID, "cp-2")
	old2.CreatedAt = time.Now().Add(-2 * time.Hour)
	assert.NoError(t, rs.Put(ctx, old2))

	affected, err := rs.ExtendTTL(ctx, threadID, 2*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 2, affected)

	// The extended checkpoints now carry their own deadline, so age-based
	// cleanup with an older cutoff leaves them alone.
	removed, err := rs.ExpireOlderThan(ctx, threadID, 30*time.Minute)
	assert.NoError(t, err)
	assert.Zero(t, removed)

	ids, err := rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Len(t, ids, 2)

	// After the extended TTL lapses they disappear on their own.
	mr.FastForward(3 * time.Hour)
	ids, err = rs.List(ctx, threadID, 10)
	assert.NoError(t, err)
	assert.Empty(t, ids)

	// Extending a missing thread touches nothing.
	affected, err = rs.ExtendTTL(ctx, "ghost-thread", time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, affected)

	// A non-positive TTL is rejected up front.
	_, err = rs.ExtendTTL(ctx, threadID, 0)
	assert.True(t, store.IsValidation(err))
}

func TestRedisCheckpointStore_Validation(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	err := rs.Put(ctx, newCheckpoint("", "cp-1"))
	assert.True(t, store.IsValidation(err))

	err = rs.Put(ctx, newCheckpoint("thread-123", "cp 1"))
	assert.True(t, store.IsValidation(err))

	_, err = rs.Get(ctx, "", "cp-1")
	assert.True(t, store.IsValidation(err))

	_, err = rs.List(ctx, "", 10)
	assert.True(t, store.IsValidation(err))

	_, err = rs.Delete(ctx, "")
	assert.True(t, store.IsValidation(err))
}

func TestRedisCheckpointStore_ConcurrentPuts(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()
	threadID := "shared-thread"

	const numGoroutines = 10
	errs := make(chan error, numGoroutines)
	for i := range numGoroutines {
		go func(n int) {
			errs <- rs.Put(ctx, newCheckpoint(threadID, fmt.Sprintf("cp-%d", n)))
		}(i)
	}
	for range numGoroutines {
		assert.NoError(t, <-errs)
	}

	ids, err := rs.List(ctx, threadID, numGoroutines*2)
	assert.NoError(t, err)
	assert.Len(t, ids, numGoroutines)

	seen := make(map[string]bool, numGoroutines)
	for _, id := range ids {
		assert.False(t, seen[id], "id %s listed twice", id)
		seen[id] = true
	}
}

func TestRedisCheckpointStore_HealthCheck(t *testing.T) {
	rs, mr := newTestStore(t)
	ctx := context.Background()

	h := rs.HealthCheck(ctx)
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Err)

	mr.Close()

	h = rs.HealthCheck(ctx)
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Err)
}

func TestRedisCheckpointStore_FromClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	rs := NewRedisCheckpointStoreFromClient(client, "custom:")
	ctx := context.Background()

	assert.NoError(t, rs.Put(ctx, newCheckpoint("thread-123", "cp-1")))

	// Keys land under the caller's prefix.
	assert.True(t, mr.Exists("custom:checkpoint:thread-123:cp-1"))
	assert.True(t, mr.Exists("custom:thread:thread-123:checkpoints"))

	// Close does not close the caller's client.
	assert.NoError(t, rs.Close())
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestRedisCheckpointStore_BadURL(t *testing.T) {
	_, err := NewRedisCheckpointStore(RedisOptions{URL: "http://not-a-redis-url"})
	assert.Error(t, err)
}
