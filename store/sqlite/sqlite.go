package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/smallnest/checkpointgo/store"
)

// SqliteCheckpointStore implements store.CheckpointStore using SQLite. It
// suits single-process deployments that want durability without running a
// database server.
type SqliteCheckpointStore struct {
	db        *sql.DB
	tableName string
}

var _ store.CheckpointStore = (*SqliteCheckpointStore)(nil)

// SqliteOptions configuration for the SQLite database
type SqliteOptions struct {
	Path      string // File path, or ":memory:" for a throwaway database
	TableName string // Default "checkpoints"
}

// NewSqliteCheckpointStore opens the database, applies the schema and
// returns the store.
func NewSqliteCheckpointStore(opts SqliteOptions) (*SqliteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// SQLite allows a single writer; one pooled connection keeps
	// concurrent callers queued instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}

	s := &SqliteCheckpointStore{
		db:        db,
		tableName: tableName,
	}

	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// InitSchema creates the checkpoints table if it doesn't exist
func (s *SqliteCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			state TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			seq INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_thread_seq ON %s (thread_id, seq);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SqliteCheckpointStore) connErr(op string, err error) error {
	return &store.ConnectionError{Backend: "sqlite", Op: op, Err: err}
}

// Put stores a checkpoint under the next sequence number of its thread.
// The read-increment-write runs in one transaction over the single pooled
// connection, so concurrent saves cannot collide on a sequence. The
// assigned sequence is written back into checkpoint.Sequence.
func (s *SqliteCheckpointStore) Put(ctx context.Context, checkpoint *store.Checkpoint) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := *checkpoint
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	} else {
		stored.CreatedAt = stored.CreatedAt.UTC()
	}

	var stateJSON any
	if len(stored.State) > 0 {
		stateJSON = string(stored.State)
	}
	var metadataJSON any
	if stored.Metadata != nil {
		data, err := json.Marshal(stored.Metadata)
		if err != nil {
			return &store.SerializationError{Op: "encode", Err: err}
		}
		metadataJSON = string(data)
	}

	var expiresAt sql.NullTime
	if stored.TTLSeconds > 0 {
		expiresAt = sql.NullTime{Time: now.Add(stored.TTL()), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.connErr("begin save", err)
	}
	defer tx.Rollback()

	var seq int64
	seqQuery := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE thread_id = ?", s.tableName)
	if err := tx.QueryRowContext(ctx, seqQuery, stored.ThreadID).Scan(&seq); err != nil {
		return s.connErr("assign sequence", err)
	}
	stored.Sequence = seq

	insert := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, state, metadata, created_at, seq, ttl_seconds, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_id) DO UPDATE SET
			state = excluded.state,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			seq = excluded.seq,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at
	`, s.tableName)

	_, err = tx.ExecContext(ctx, insert,
		stored.ThreadID,
		stored.ID,
		stateJSON,
		metadataJSON,
		stored.CreatedAt,
		seq,
		stored.TTLSeconds,
		expiresAt,
	)
	if err != nil {
		return s.connErr("save checkpoint", err)
	}

	if err := tx.Commit(); err != nil {
		return s.connErr("commit save", err)
	}

	checkpoint.Sequence = stored.Sequence
	checkpoint.CreatedAt = stored.CreatedAt
	return nil
}

func (s *SqliteCheckpointStore) scanRow(row *sql.Row, threadID string) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var stateJSON sql.NullString
	var metadataJSON sql.NullString

	err := row.Scan(&cp.ID, &stateJSON, &metadataJSON, &cp.CreatedAt, &cp.Sequence, &cp.TTLSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.connErr("load checkpoint", err)
	}

	cp.ThreadID = threadID
	if stateJSON.Valid && stateJSON.String != "" {
		cp.State = json.RawMessage(stateJSON.String)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &cp.Metadata); err != nil {
			return nil, &store.SerializationError{Op: "decode", Err: err}
		}
	}
	return &cp, nil
}

// Get retrieves a checkpoint by id, or the latest live one when
// checkpointID is empty. Missing and expired checkpoints yield (nil, nil).
func (s *SqliteCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	if checkpointID == "" {
		query := fmt.Sprintf(`
			SELECT checkpoint_id, state, metadata, created_at, seq, ttl_seconds
			FROM %s
			WHERE thread_id = ? AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY seq DESC
			LIMIT 1
		`, s.tableName)
		return s.scanRow(s.db.QueryRowContext(ctx, query, threadID, now), threadID)
	}

	if err := store.ValidateCheckpointID(checkpointID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT checkpoint_id, state, metadata, created_at, seq, ttl_seconds
		FROM %s
		WHERE thread_id = ? AND checkpoint_id = ? AND (expires_at IS NULL OR expires_at > ?)
	`, s.tableName)
	return s.scanRow(s.db.QueryRowContext(ctx, query, threadID, checkpointID, now), threadID)
}

// List returns live checkpoint ids in ascending sequence order, capped at
// limit. A non-positive limit falls back to store.DefaultListLimit.
func (s *SqliteCheckpointStore) List(ctx context.Context, threadID string, limit int) ([]string, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	query := fmt.Sprintf(`
		SELECT checkpoint_id
		FROM %s
		WHERE thread_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY seq ASC
		LIMIT ?
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, threadID, time.Now().UTC(), limit)
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
func (s *SqliteCheckpointStore) Delete(ctx context.Context, threadID string) (bool, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return false, err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.connErr("begin delete", err)
	}
	defer tx.Rollback()

	var live int
	countQuery := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE thread_id = ? AND (expires_at IS NULL OR expires_at > ?)",
		s.tableName,
	)
	if err := tx.QueryRowContext(ctx, countQuery, threadID, now).Scan(&live); err != nil {
		return false, s.connErr("count live checkpoints", err)
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.tableName)
	if _, err := tx.ExecContext(ctx, del, threadID); err != nil {
		return false, s.connErr("delete thread", err)
	}

	if err := tx.Commit(); err != nil {
		return false, s.connErr("commit delete", err)
	}
	return live > 0, nil
}

// ExpireOlderThan removes untimed checkpoints created before now-maxAge and
// reports how many were removed. Rows holding an unexpired deadline are
// protected; rows whose deadline lapsed are purged without counting.
func (s *SqliteCheckpointStore) ExpireOlderThan(ctx context.Context, threadID string, maxAge time.Duration) (int, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	cutoff := now.Add(-maxAge)

	purge := fmt.Sprintf(
		"DELETE FROM %s WHERE thread_id = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		s.tableName,
	)
	if _, err := s.db.ExecContext(ctx, purge, threadID, now); err != nil {
		return 0, s.connErr("purge expired checkpoints", err)
	}

	prune := fmt.Sprintf(
		"DELETE FROM %s WHERE thread_id = ? AND expires_at IS NULL AND created_at < ?",
		s.tableName,
	)
	result, err := s.db.ExecContext(ctx, prune, threadID, cutoff)
	if err != nil {
		return 0, s.connErr("expire checkpoints", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, s.connErr("expire checkpoints", err)
	}
	return int(removed), nil
}

// ExtendTTL resets the expiry deadline on every live checkpoint of the
// thread and reports how many rows were touched.
func (s *SqliteCheckpointStore) ExtendTTL(ctx context.Context, threadID string, ttl time.Duration) (int, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, &store.ValidationError{Field: "ttl", Value: ttl.String(), Reason: "must be positive"}
	}
	now := time.Now().UTC()

	query := fmt.Sprintf(`
		UPDATE %s
		SET expires_at = ?, ttl_seconds = ?
		WHERE thread_id = ? AND (expires_at IS NULL OR expires_at > ?)
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, now.Add(ttl), int64(ttl/time.Second), threadID, now)
	if err != nil {
		return 0, s.connErr("extend checkpoint ttl", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, s.connErr("extend checkpoint ttl", err)
	}
	return int(affected), nil
}

// HealthCheck pings the database and reports reachability with latency.
func (s *SqliteCheckpointStore) HealthCheck(ctx context.Context) store.Health {
	return store.MeasureHealth(func() error {
		return s.db.PingContext(ctx)
	})
}

// Close closes the database connection
func (s *SqliteCheckpointStore) Close() error {
	return s.db.Close()
}
