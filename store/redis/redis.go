package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/checkpointgo/store"
)

// DefaultPrefix is the key namespace used when RedisOptions.Prefix is empty.
const DefaultPrefix = "ckpt:"

// latestScanPage is how many index entries Get inspects per round trip when
// walking newest-first past stale entries.
const latestScanPage = 32

// RedisCheckpointStore implements store.CheckpointStore using Redis. Each
// thread keeps a sorted-set index ordered by sequence number plus one blob
// key per checkpoint, so TTLs apply to individual checkpoints.
type RedisCheckpointStore struct {
	client     *redis.Client
	prefix     string
	ownsClient bool
}

var _ store.CheckpointStore = (*RedisCheckpointStore)(nil)

// RedisOptions configuration for the Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// URL, when set, takes precedence over Addr/Password/DB. It accepts the
	// redis:// and rediss:// forms understood by redis.ParseURL.
	URL string

	TLSConfig *tls.Config

	Prefix string // Key prefix, default "ckpt:"
}

// NewRedisCheckpointStore creates a Redis checkpoint store with its own
// client. Close releases the client.
func NewRedisCheckpointStore(opts RedisOptions) (*RedisCheckpointStore, error) {
	ropts := &redis.Options{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		PoolSize:  opts.PoolSize,
		TLSConfig: opts.TLSConfig,
	}
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		if opts.PoolSize > 0 {
			parsed.PoolSize = opts.PoolSize
		}
		if opts.TLSConfig != nil {
			parsed.TLSConfig = opts.TLSConfig
		}
		ropts = parsed
	}

	s := newRedisStore(redis.NewClient(ropts), opts.Prefix)
	s.ownsClient = true
	return s, nil
}

// NewRedisCheckpointStoreFromClient wraps an existing client. The caller
// keeps ownership; Close becomes a no-op.
func NewRedisCheckpointStoreFromClient(client *redis.Client, prefix string) *RedisCheckpointStore {
	return newRedisStore(client, prefix)
}

func newRedisStore(client *redis.Client, prefix string) *RedisCheckpointStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCheckpointStore{client: client, prefix: prefix}
}

func (s *RedisCheckpointStore) blobKey(threadID, checkpointID string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s", s.prefix, threadID, checkpointID)
}

func (s *RedisCheckpointStore) indexKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:checkpoints", s.prefix, threadID)
}

func (s *RedisCheckpointStore) seqKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:seq", s.prefix, threadID)
}

func (s *RedisCheckpointStore) blobKeys(threadID string, ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.blobKey(threadID, id)
	}
	return keys
}

func (s *RedisCheckpointStore) connErr(op string, err error) error {
	return &store.ConnectionError{Backend: "redis", Op: op, Err: err}
}

func decodeCheckpoint(data []byte) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &store.SerializationError{Op: "decode", Err: err}
	}
	return &cp, nil
}

// Put stores a checkpoint under a fresh sequence number drawn from the
// thread's counter. Re-putting an id moves it to the newest position. The
// assigned sequence is written back into checkpoint.Sequence.
func (s *RedisCheckpointStore) Put(ctx context.Context, checkpoint *store.Checkpoint) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}

	stored := *checkpoint
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	seq, err := s.client.Incr(ctx, s.seqKey(stored.ThreadID)).Result()
	if err != nil {
		return s.connErr("assign sequence", err)
	}
	stored.Sequence = seq

	data, err := json.Marshal(&stored)
	if err != nil {
		return &store.SerializationError{Op: "encode", Err: err}
	}

	ttl := stored.TTL()

	// The blob write is queued ahead of the index write, so a failure
	// partway can leave an unindexed blob but never an index entry whose
	// blob is missing.
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.blobKey(stored.ThreadID, stored.ID), data, ttl)
	pipe.ZAdd(ctx, s.indexKey(stored.ThreadID), redis.Z{
		Score:  float64(seq),
		Member: stored.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return s.connErr("save checkpoint", err)
	}

	if err := s.adjustIndexTTL(ctx, stored.ThreadID, ttl); err != nil {
		return err
	}

	checkpoint.Sequence = stored.Sequence
	checkpoint.CreatedAt = stored.CreatedAt
	return nil
}

// adjustIndexTTL keeps the index and sequence keys alive at least as long
// as the longest-lived blob of the thread.
func (s *RedisCheckpointStore) adjustIndexTTL(ctx context.Context, threadID string, ttl time.Duration) error {
	indexKey := s.indexKey(threadID)
	seqKey := s.seqKey(threadID)

	if ttl <= 0 {
		pipe := s.client.Pipeline()
		pipe.Persist(ctx, indexKey)
		pipe.Persist(ctx, seqKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return s.connErr("persist thread index", err)
		}
		return nil
	}

	current, err := s.client.TTL(ctx, indexKey).Result()
	if err != nil {
		return s.connErr("read index ttl", err)
	}
	// -1 means an earlier checkpoint already made the index immortal.
	if current == -1 || current >= ttl {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, indexKey, ttl)
	pipe.Expire(ctx, seqKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.connErr("extend index ttl", err)
	}
	return nil
}

// Get retrieves a checkpoint by id, or the latest live one when
// checkpointID is empty. Missing and expired checkpoints yield (nil, nil).
func (s *RedisCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return s.getLatest(ctx, threadID)
	}
	if err := store.ValidateCheckpointID(checkpointID); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.blobKey(threadID, checkpointID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, s.connErr("load checkpoint", err)
	}
	return decodeCheckpoint(data)
}

// getLatest walks the index newest-first and returns the first entry whose
// blob still exists, skipping entries whose blob expired under them.
func (s *RedisCheckpointStore) getLatest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	indexKey := s.indexKey(threadID)
	for start := int64(0); ; start += latestScanPage {
		ids, err := s.client.ZRevRange(ctx, indexKey, start, start+latestScanPage-1).Result()
		if err != nil {
			return nil, s.connErr("read thread index", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		values, err := s.client.MGet(ctx, s.blobKeys(threadID, ids)...).Result()
		if err != nil {
			return nil, s.connErr("load checkpoints", err)
		}
		for _, v := range values {
			data, ok := v.(string)
			if !ok {
				continue
			}
			return decodeCheckpoint([]byte(data))
		}
	}
}

// List returns live checkpoint ids in ascending sequence order, capped at
// limit. A non-positive limit falls back to store.DefaultListLimit.
func (s *RedisCheckpointStore) List(ctx context.Context, threadID string, limit int) ([]string, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, s.connErr("read thread index", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Fetch the whole index so expired blobs do not shrink the page below
	// limit while live ones remain further along.
	values, err := s.client.MGet(ctx, s.blobKeys(threadID, ids)...).Result()
	if err != nil {
		return nil, s.connErr("load checkpoints", err)
	}

	live := make([]string, 0, min(limit, len(ids)))
	for i, v := range values {
		if v == nil {
			continue
		}
		live = append(live, ids[i])
		if len(live) == limit {
			break
		}
	}
	return live, nil
}

// Delete removes the thread's checkpoints, index and sequence counter. It
// reports true only when at least one live checkpoint was present.
func (s *RedisCheckpointStore) Delete(ctx context.Context, threadID string) (bool, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return false, err
	}

	indexKey := s.indexKey(threadID)
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return false, s.connErr("read thread index", err)
	}

	live := 0
	if len(ids) > 0 {
		values, err := s.client.MGet(ctx, s.blobKeys(threadID, ids)...).Result()
		if err != nil {
			return false, s.connErr("load checkpoints", err)
		}
		for _, v := range values {
			if v != nil {
				live++
			}
		}
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.blobKey(threadID, id))
	}
	pipe.Del(ctx, indexKey)
	pipe.Del(ctx, s.seqKey(threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, s.connErr("delete thread", err)
	}

	return live > 0, nil
}

// ExpireOlderThan removes untimed checkpoints created before now-maxAge and
// reports how many were removed. Checkpoints still holding a pending Redis
// expiry keep their own deadline; index entries whose blob already lapsed
// are swept out without counting.
func (s *RedisCheckpointStore) ExpireOlderThan(ctx context.Context, threadID string, maxAge time.Duration) (int, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)

	indexKey := s.indexKey(threadID)
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, s.connErr("read thread index", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	values, err := s.client.MGet(ctx, s.blobKeys(threadID, ids)...).Result()
	if err != nil {
		return 0, s.connErr("load checkpoints", err)
	}

	var stale []string      // index entries whose blob expired
	var candidates []string // live and old enough, pending a TTL check
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		cp, err := decodeCheckpoint([]byte(data))
		if err != nil {
			return 0, err
		}
		if cp.CreatedAt.Before(cutoff) {
			candidates = append(candidates, ids[i])
		}
	}

	// Only untimed blobs are removed by age; a candidate with a pending
	// expiry keeps its own deadline.
	var prune []string
	if len(candidates) > 0 {
		pipe := s.client.Pipeline()
		cmds := make([]*redis.DurationCmd, len(candidates))
		for i, id := range candidates {
			cmds[i] = pipe.TTL(ctx, s.blobKey(threadID, id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, s.connErr("read checkpoint ttls", err)
		}
		for i, id := range candidates {
			switch cmds[i].Val() {
			case -1: // no expiry set
				prune = append(prune, id)
			case -2: // lapsed between the MGET and here
				stale = append(stale, id)
			}
		}
	}

	if len(stale) == 0 && len(prune) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, id := range prune {
		pipe.Del(ctx, s.blobKey(threadID, id))
	}
	members := make([]any, 0, len(stale)+len(prune))
	for _, id := range stale {
		members = append(members, id)
	}
	for _, id := range prune {
		members = append(members, id)
	}
	pipe.ZRem(ctx, indexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.connErr("expire checkpoints", err)
	}

	return len(prune), nil
}

// ExtendTTL resets the expiry on every live checkpoint of the thread and
// reports how many were touched. The index and sequence keys are extended
// alongside so they outlive the blobs they point at.
func (s *RedisCheckpointStore) ExtendTTL(ctx context.Context, threadID string, ttl time.Duration) (int, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, &store.ValidationError{Field: "ttl", Value: ttl.String(), Reason: "must be positive"}
	}

	indexKey := s.indexKey(threadID)
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, s.connErr("read thread index", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Expire(ctx, s.blobKey(threadID, id), ttl)
	}
	pipe.Expire(ctx, indexKey, ttl)
	pipe.Expire(ctx, s.seqKey(threadID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.connErr("extend checkpoint ttl", err)
	}

	affected := 0
	for _, cmd := range cmds {
		if cmd.Val() {
			affected++
		}
	}
	return affected, nil
}

// HealthCheck pings the server and reports reachability with latency.
func (s *RedisCheckpointStore) HealthCheck(ctx context.Context) store.Health {
	return store.MeasureHealth(func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Close releases the client when the store created it.
func (s *RedisCheckpointStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
