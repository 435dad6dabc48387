// Package sqlite provides SQLite-backed storage for conversation checkpoints.
//
// This package implements file-based checkpoint storage using SQLite, perfect
// for applications requiring a lightweight, serverless database solution with
// ACID compliance and no external server process.
//
// # Key Features
//
//   - Serverless, file-based database
//   - ACID transaction support
//   - Zero configuration needed
//   - Cross-platform compatibility
//   - Embedded database (no separate server process)
//   - Single-writer connection handling, safe under concurrent callers
//   - Support for custom table names
//   - Per-checkpoint TTL with filtered reads and explicit cleanup
//
// # Basic Usage
//
//	import (
//		"context"
//		"github.com/smallnest/checkpointgo/store/sqlite"
//	)
//
//	ss, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//		Path:      "./checkpoints.db", // Database file path
//		TableName: "checkpoints",      // Optional table name
//	})
//	if err != nil {
//		return err
//	}
//	defer ss.Close()
//
//	err = ss.Put(ctx, &store.Checkpoint{
//		ID:       "cp-1",
//		ThreadID: "thread-456",
//		State:    stateJSON,
//	})
//
// # Configuration
//
// ## Database File Options
//
//	// In-memory database (volatile, handy for tests)
//	ss, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//		Path: ":memory:",
//	})
//
//	// Persistent file database
//	ss, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//		Path: "./data/checkpoints.db",
//	})
//
//	// With custom URI options
//	ss, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//		Path: "file:./checkpoints.db?cache=shared&mode=rwc",
//	})
//
// # Concurrency
//
// SQLite allows one writer at a time. The store keeps a single pooled
// connection, so concurrent callers queue on it instead of failing with
// SQLITE_BUSY. Sequence assignment runs inside a transaction, which keeps
// histories gapless under concurrent saves. For high write concurrency,
// prefer the PostgreSQL or Redis stores.
//
// # Schema
//
// The constructor creates the table and index if they do not exist:
//
//	CREATE TABLE IF NOT EXISTS checkpoints (
//	    thread_id     TEXT NOT NULL,
//	    checkpoint_id TEXT NOT NULL,
//	    state         TEXT,
//	    metadata      TEXT,
//	    created_at    DATETIME NOT NULL,
//	    seq           INTEGER NOT NULL,
//	    ttl_seconds   INTEGER NOT NULL DEFAULT 0,
//	    expires_at    DATETIME,
//	    PRIMARY KEY (thread_id, checkpoint_id)
//	);
//
//	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_seq
//	    ON checkpoints (thread_id, seq);
//
// All timestamps are stored in UTC.
//
// # TTL Support
//
// Checkpoints saved with TTLSeconds > 0 get an expires_at deadline. Reads
// filter expired rows out, so expiry is visible immediately, and the rows
// themselves are reclaimed by ExpireOlderThan:
//
//	// Expires after one hour
//	cp := &store.Checkpoint{ID: "cp-1", ThreadID: "t-1", TTLSeconds: 3600}
//
//	// Reclaim lapsed rows and prune untimed history older than a week
//	removed, err := ss.ExpireOlderThan(ctx, "t-1", 7*24*time.Hour)
//
//	// Push the whole thread out another 24 hours
//	n, err := ss.ExtendTTL(ctx, "t-1", 24*time.Hour)
//
// # Error Handling
//
//	if err := ss.Put(ctx, checkpoint); err != nil {
//		switch {
//		case store.IsValidation(err):
//			// Bad thread or checkpoint id; do not retry.
//		case store.IsSerialization(err):
//			// State could not be encoded; do not retry.
//		case store.IsConnection(err):
//			// Database file unavailable; check path and permissions.
//		}
//	}
//
// Absence is not an error: Get on a missing or expired checkpoint returns
// (nil, nil), and Delete on an unknown thread returns (false, nil).
//
// # Development and Testing
//
//	// In-memory database for tests
//	ss, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//		Path: ":memory:",
//	})
//	if err != nil {
//		t.Fatal(err)
//	}
//
// # Best Practices
//
//  1. Ensure the database directory exists before opening
//  2. Close the store when done
//  3. Run ExpireOlderThan periodically to reclaim lapsed rows
//  4. Set appropriate file permissions on the database file
//  5. Back up with a simple file copy while the writer is idle
//  6. Use the PostgreSQL store when multiple processes need the data
//
// # Comparison with Other Stores
//
// | Feature            | SQLite Store | Redis Store | PostgreSQL Store |
// |--------------------|--------------|-------------|------------------|
// | Performance        | Medium       | Very High   | High             |
// | Memory Usage       | Low          | High        | Low              |
// | Concurrency        | Limited      | High        | High             |
// | Persistence        | Yes          | Optional    | Yes              |
// | Setup Complexity   | None         | Low         | Medium           |
// | Best For           | Single node  | Low latency | Shared durable   |
// | Backup             | Simple copy  | RDB/AOF     | pg_dump          |
package sqlite
