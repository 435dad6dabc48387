package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/store"
)

// DefaultListLimit is the manager's default page size for ListCheckpoints.
// It is deliberately smaller than the store's hard cap: the manager serves
// interactive callers, the store cap only bounds worst-case responses.
const DefaultListLimit = 10

// Saver is the narrow view consumed by a workflow executor: it saves and
// restores the state of its own threads and needs nothing else.
type Saver interface {
	SaveCheckpoint(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any, ttl time.Duration) (*store.Checkpoint, error)
	LoadCheckpoint(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error)
	ListCheckpoints(ctx context.Context, threadID string, limit int) ([]string, error)
}

// Admin is the narrow view consumed by an API or CLI layer: inspection and
// thread lifecycle, no writes.
type Admin interface {
	Health(ctx context.Context) store.Health
	ListCheckpoints(ctx context.Context, threadID string, limit int) ([]string, error)
	GetThreadMetadata(ctx context.Context, threadID string) (*store.ThreadMetadata, error)
	DeleteThread(ctx context.Context, threadID string) (bool, error)
}

// ManagerOptions configures a Manager. Store is required; everything else
// has working defaults.
type ManagerOptions struct {
	// Store is the backend all operations run against.
	Store store.CheckpointStore

	// Logger defaults to the package-level logger.
	Logger log.Logger

	// Metrics defaults to NoopMetrics.
	Metrics MetricsRecorder

	// DefaultTTL applies to saves that pass no TTL. Zero keeps checkpoints
	// until explicitly removed.
	DefaultTTL time.Duration

	// ListLimit is the default page size for ListCheckpoints, DefaultListLimit
	// when zero.
	ListLimit int
}

// Manager wraps a CheckpointStore with serialization, default TTLs, logging
// and metrics. It adds no caching and holds no state of its own, so any
// number of goroutines may share one Manager.
type Manager struct {
	store      store.CheckpointStore
	logger     log.Logger
	metrics    MetricsRecorder
	defaultTTL time.Duration
	listLimit  int
}

var (
	_ Saver = (*Manager)(nil)
	_ Admin = (*Manager)(nil)
)

// NewManager creates a Manager over the given store.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("manager requires a checkpoint store")
	}
	m := &Manager{
		store:      opts.Store,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		defaultTTL: opts.DefaultTTL,
		listLimit:  opts.ListLimit,
	}
	if m.logger == nil {
		m.logger = log.GetDefaultLogger()
	}
	if m.metrics == nil {
		m.metrics = NoopMetrics{}
	}
	if m.listLimit <= 0 {
		m.listLimit = DefaultListLimit
	}
	return m, nil
}

// SaveCheckpoint serializes state, stores it as a checkpoint on the thread
// and returns the stored record with its assigned sequence number. An empty
// checkpointID gets a generated one (see store.NewCheckpointID). A zero ttl
// applies the manager's default TTL; a negative ttl is rejected.
//
// Saving an id that already exists on the thread never fails: the new state
// wins and the checkpoint moves to the newest position.
func (m *Manager) SaveCheckpoint(ctx context.Context, threadID, checkpointID string, state any, metadata map[string]any, ttl time.Duration) (cp *store.Checkpoint, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "save", time.Since(start), err) }()

	if ttl < 0 {
		return nil, &store.ValidationError{Field: "ttl", Value: ttl.String(), Reason: "must not be negative"}
	}
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if checkpointID == "" {
		checkpointID = store.NewCheckpointID()
	}

	var stateJSON json.RawMessage
	if state != nil {
		stateJSON, err = json.Marshal(state)
		if err != nil {
			return nil, &store.SerializationError{Op: "encode", Err: err}
		}
	}

	cp = &store.Checkpoint{
		ID:         checkpointID,
		ThreadID:   threadID,
		State:      stateJSON,
		Metadata:   metadata,
		TTLSeconds: int64(ttl / time.Second),
	}

	if err = m.store.Put(ctx, cp); err != nil {
		log.Quietly(func() {
			m.logger.Error("failed to save checkpoint %s on thread %s: %v", checkpointID, threadID, err)
		})
		return nil, err
	}

	m.metrics.RecordStateSize(ctx, "save", int64(len(stateJSON)))
	m.logger.Debug("saved checkpoint %s on thread %s (seq %d)", cp.ID, threadID, cp.Sequence)
	return cp, nil
}

// LoadCheckpoint retrieves one checkpoint. An empty checkpointID loads the
// latest live checkpoint of the thread. A missing or expired checkpoint
// returns (nil, nil); callers distinguish "no prior state" from a broken
// store without parsing errors.
func (m *Manager) LoadCheckpoint(ctx context.Context, threadID, checkpointID string) (cp *store.Checkpoint, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "load", time.Since(start), err) }()

	cp, err = m.store.Get(ctx, threadID, checkpointID)
	if err != nil {
		log.Quietly(func() {
			m.logger.Error("failed to load checkpoint %q on thread %s: %v", checkpointID, threadID, err)
		})
		return nil, err
	}
	if cp != nil {
		m.metrics.RecordStateSize(ctx, "load", int64(len(cp.State)))
	}
	return cp, nil
}

// ListCheckpoints returns live checkpoint ids oldest first. limit <= 0
// applies the manager's default page size.
func (m *Manager) ListCheckpoints(ctx context.Context, threadID string, limit int) (ids []string, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "list", time.Since(start), err) }()

	if limit <= 0 {
		limit = m.listLimit
	}
	ids, err = m.store.List(ctx, threadID, limit)
	if err != nil {
		log.Quietly(func() {
			m.logger.Error("failed to list checkpoints on thread %s: %v", threadID, err)
		})
	}
	return ids, err
}

// CleanupExpired prunes the thread's untimed checkpoints older than maxAge
// and reclaims any whose TTL has lapsed. Returns the number of aged-out live
// checkpoints removed.
func (m *Manager) CleanupExpired(ctx context.Context, threadID string, maxAge time.Duration) (removed int, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "cleanup", time.Since(start), err) }()

	removed, err = m.store.ExpireOlderThan(ctx, threadID, maxAge)
	if err != nil {
		log.Quietly(func() {
			m.logger.Error("failed to clean up thread %s: %v", threadID, err)
		})
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("removed %d expired checkpoints from thread %s", removed, threadID)
	}
	return removed, nil
}

// ExtendTTL resets the expiry clock on every live checkpoint of the thread
// and returns how many were touched.
func (m *Manager) ExtendTTL(ctx context.Context, threadID string, ttl time.Duration) (affected int, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "extend_ttl", time.Since(start), err) }()

	affected, err = m.store.ExtendTTL(ctx, threadID, ttl)
	if err != nil {
		log.Quietly(func() {
			m.logger.Error("failed to extend ttl on thread %s: %v", threadID, err)
		})
		return 0, err
	}
	return affected, nil
}

// DeleteThread removes the thread and its entire history. Reports whether
// any live checkpoint existed; deleting an unknown thread is not an error.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) (existed bool, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "delete", time.Since(start), err) }()

	existed, err = m.store.Delete(ctx, threadID)
	if err != nil {
		log.Quietly(func() {
			m.logger.Error("failed to delete thread %s: %v", threadID, err)
		})
		return false, err
	}
	if existed {
		m.logger.Info("deleted thread %s", threadID)
	}
	return existed, nil
}

// GetThreadMetadata summarizes a thread's live checkpoints by scanning its
// history. Returns (nil, nil) for an unknown or fully expired thread. The
// count saturates at the store's list cap for very long histories.
func (m *Manager) GetThreadMetadata(ctx context.Context, threadID string) (meta *store.ThreadMetadata, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOperation(ctx, "thread_metadata", time.Since(start), err) }()

	ids, err := m.store.List(ctx, threadID, store.DefaultListLimit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	meta = &store.ThreadMetadata{
		ThreadID:        threadID,
		CheckpointCount: len(ids),
	}
	if first, ferr := m.store.Get(ctx, threadID, ids[0]); ferr == nil && first != nil {
		meta.FirstCreatedAt = first.CreatedAt
	}
	if latest, lerr := m.store.Get(ctx, threadID, ""); lerr == nil && latest != nil {
		meta.LastUpdatedAt = latest.CreatedAt
	}
	return meta, nil
}

// Health probes the underlying store.
func (m *Manager) Health(ctx context.Context) store.Health {
	h := m.store.HealthCheck(ctx)
	m.metrics.RecordOperation(ctx, "health", h.Latency, nil)
	return h
}

// Store exposes the underlying store for callers that need backend-specific
// operations.
func (m *Manager) Store() store.CheckpointStore {
	return m.store
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
