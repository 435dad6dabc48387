package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smallnest/checkpointgo/store"
)

// DBPool defines the interface for the database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresCheckpointStore implements store.CheckpointStore using PostgreSQL.
// Rows carry an expires_at deadline; expired rows are filtered on read and
// reclaimed during cleanup, so no background reaper is needed.
type PostgresCheckpointStore struct {
	pool      DBPool
	tableName string
}

var _ store.CheckpointStore = (*PostgresCheckpointStore)(nil)

// PostgresOptions configuration for the Postgres connection
type PostgresOptions struct {
	ConnString string
	TableName  string // Default "checkpoints"
}

// NewPostgresCheckpointStore creates a new Postgres checkpoint store
func NewPostgresCheckpointStore(ctx context.Context, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewPostgresCheckpointStoreWithPool(pool, opts.TableName), nil
}

// NewPostgresCheckpointStoreWithPool creates a new Postgres checkpoint store
// with an existing pool. Useful for testing with mocks.
func NewPostgresCheckpointStoreWithPool(pool DBPool, tableName string) *PostgresCheckpointStore {
	if tableName == "" {
		tableName = "checkpoints"
	}
	return &PostgresCheckpointStore{
		pool:      pool,
		tableName: tableName,
	}
}

// InitSchema creates the checkpoints table if it doesn't exist
func (s *PostgresCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			state JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			seq BIGINT NOT NULL,
			ttl_seconds BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_thread_seq ON %s (thread_id, seq);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) connErr(op string, err error) error {
	return &store.ConnectionError{Backend: "postgres", Op: op, Err: err}
}

// Put stores a checkpoint under the next sequence number of its thread.
// Writers on the same thread are serialized with a transaction-scoped
// advisory lock, so concurrent saves cannot collide on a sequence. The
// assigned sequence is written back into checkpoint.Sequence.
func (s *PostgresCheckpointStore) Put(ctx context.Context, checkpoint *store.Checkpoint) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := *checkpoint
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	var metadataJSON []byte
	if stored.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(stored.Metadata)
		if err != nil {
			return &store.SerializationError{Op: "encode", Err: err}
		}
	}

	var expiresAt *time.Time
	if stored.TTLSeconds > 0 {
		deadline := now.Add(stored.TTL())
		expiresAt = &deadline
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.connErr("begin save", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", stored.ThreadID); err != nil {
		return s.connErr("lock thread", err)
	}

	var seq int64
	seqQuery := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE thread_id = $1", s.tableName)
	if err := tx.QueryRow(ctx, seqQuery, stored.ThreadID).Scan(&seq); err != nil {
		return s.connErr("assign sequence", err)
	}
	stored.Sequence = seq

	insert := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, state, metadata, created_at, seq, ttl_seconds, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			seq = EXCLUDED.seq,
			ttl_seconds = EXCLUDED.ttl_seconds,
			expires_at = EXCLUDED.expires_at
	`, s.tableName)

	_, err = tx.Exec(ctx, insert,
		stored.ThreadID,
		stored.ID,
		[]byte(stored.State),
		metadataJSON,
		stored.CreatedAt,
		seq,
		stored.TTLSeconds,
		expiresAt,
	)
	if err != nil {
		return s.connErr("save checkpoint", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.connErr("commit save", err)
	}
	committed = true

	checkpoint.Sequence = stored.Sequence
	checkpoint.CreatedAt = stored.CreatedAt
	return nil
}

func (s *PostgresCheckpointStore) scanRow(row pgx.Row, threadID string) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var stateJSON []byte
	var metadataJSON []byte
	var expiresAt *time.Time

	err := row.Scan(&cp.ID, &stateJSON, &metadataJSON, &cp.CreatedAt, &cp.Sequence, &cp.TTLSeconds, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, s.connErr("load checkpoint", err)
	}

	cp.ThreadID = threadID
	if len(stateJSON) > 0 {
		cp.State = json.RawMessage(stateJSON)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &cp.Metadata); err != nil {
			return nil, &store.SerializationError{Op: "decode", Err: err}
		}
	}
	return &cp, nil
}

// Get retrieves a checkpoint by id, or the latest live one when
// checkpointID is empty. Missing and expired checkpoints yield (nil, nil).
func (s *PostgresCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	if checkpointID == "" {
		query := fmt.Sprintf(`
			SELECT checkpoint_id, state, metadata, created_at, seq, ttl_seconds, expires_at
			FROM %s
			WHERE thread_id = $1 AND (expires_at IS NULL OR expires_at > now())
			ORDER BY seq DESC
			LIMIT 1
		`, s.tableName)
		return s.scanRow(s.pool.QueryRow(ctx, query, threadID), threadID)
	}

	if err := store.ValidateCheckpointID(checkpointID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT checkpoint_id, state, metadata, created_at, seq, ttl_seconds, expires_at
		FROM %s
		WHERE thread_id = $1 AND checkpoint_id = $2 AND (expires_at IS NULL OR expires_at > now())
	`, s.tableName)
	return s.scanRow(s.pool.QueryRow(ctx, query, threadID, checkpointID), threadID)
}

// List returns live checkpoint ids in ascending sequence order, capped at
// limit. A non-positive limit falls back to store.DefaultListLimit.
func (s *PostgresCheckpointStore) List(ctx context.Context, threadID string, limit int) ([]string, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	query := fmt.Sprintf(`
		SELECT checkpoint_id
		FROM %s
		WHERE thread_id = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY seq ASC
		LIMIT $2
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, threadID, limit)
	if err != nil {
		return nil, s.connErr("list checkpoints", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.connErr("scan checkpoint id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.connErr("list checkpoints", err)
	}
	return ids, nil
}

// Delete removes all rows of the thread and reports whether any of them
// was still live.
func (s *PostgresCheckpointStore) Delete(ctx context.Context, threadID string) (bool, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE thread_id = $1
		RETURNING (expires_at IS NULL OR expires_at > now())
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return false, s.connErr("delete thread", err)
	}
	defer rows.Close()

	live := 0
	for rows.Next() {
		var alive bool
		if err := rows.Scan(&alive); err != nil {
			return false, s.connErr("delete thread", err)
		}
		if alive {
			live++
		}
	}
	if err := rows.Err(); err != nil {
		return false, s.connErr("delete thread", err)
	}
	return live > 0, nil
}

// ExpireOlderThan removes untimed checkpoints created before now-maxAge and
// reports how many were removed. Rows holding an unexpired deadline are
// protected; rows whose deadline lapsed are purged without counting.
func (s *PostgresCheckpointStore) ExpireOlderThan(ctx context.Context, threadID string, maxAge time.Duration) (int, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	purge := fmt.Sprintf(`
		DELETE FROM %s
		WHERE thread_id = $1 AND expires_at IS NOT NULL AND expires_at <= now()
	`, s.tableName)
	if _, err := s.pool.Exec(ctx, purge, threadID); err != nil {
		return 0, s.connErr("purge expired checkpoints", err)
	}

	prune := fmt.Sprintf(`
		DELETE FROM %s
		WHERE thread_id = $1 AND expires_at IS NULL AND created_at < $2
	`, s.tableName)
	tag, err := s.pool.Exec(ctx, prune, threadID, cutoff)
	if err != nil {
		return 0, s.connErr("expire checkpoints", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExtendTTL resets the expiry deadline on every live checkpoint of the
// thread and reports how many rows were touched.
func (s *PostgresCheckpointStore) ExtendTTL(ctx context.Context, threadID string, ttl time.Duration) (int, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, &store.ValidationError{Field: "ttl", Value: ttl.String(), Reason: "must be positive"}
	}
	deadline := time.Now().UTC().Add(ttl)

	query := fmt.Sprintf(`
		UPDATE %s
		SET expires_at = $2, ttl_seconds = $3
		WHERE thread_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`, s.tableName)

	tag, err := s.pool.Exec(ctx, query, threadID, deadline, int64(ttl/time.Second))
	if err != nil {
		return 0, s.connErr("extend checkpoint ttl", err)
	}
	return int(tag.RowsAffected()), nil
}

// HealthCheck pings the database and reports reachability with latency.
func (s *PostgresCheckpointStore) HealthCheck(ctx context.Context) store.Health {
	return store.MeasureHealth(func() error {
		return s.pool.Ping(ctx)
	})
}

// Close closes the connection pool
func (s *PostgresCheckpointStore) Close() error {
	s.pool.Close()
	return nil
}
