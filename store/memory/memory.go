package memory

import (
	"context"
	"sync"
	"time"

	"github.com/smallnest/checkpointgo/store"
)

// entry pairs a stored checkpoint with its expiry deadline.
type entry struct {
	cp        store.Checkpoint
	expiresAt time.Time // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// threadLog holds one thread's checkpoints in arrival order. All access
// goes through mu, so operations on the same thread are linearizable while
// different threads never contend.
type threadLog struct {
	mu      sync.Mutex
	nextSeq int64
	order   []*entry // ascending by sequence
	byID    map[string]*entry
	deleted bool
}

func (t *threadLog) removeLocked(e *entry) {
	delete(t.byID, e.cp.ID)
	for i, cur := range t.order {
		if cur == e {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// MemoryCheckpointStore is the volatile CheckpointStore variant: per-thread
// ordered checkpoint logs held in process memory, nothing survives a
// restart. It backs development setups and the fallback mode of the store
// selector.
type MemoryCheckpointStore struct {
	mu      sync.RWMutex
	threads map[string]*threadLog

	now func() time.Time
}

var _ store.CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates an empty volatile store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		threads: make(map[string]*threadLog),
		now:     time.Now,
	}
}

// getThread returns the log for threadID, creating it when create is set.
func (s *MemoryCheckpointStore) getThread(threadID string, create bool) *threadLog {
	s.mu.RLock()
	t := s.threads[threadID]
	s.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t = s.threads[threadID]; t == nil {
		t = &threadLog{byID: make(map[string]*entry)}
		s.threads[threadID] = t
	}
	return t
}

// Put appends the checkpoint to its thread, overwriting any previous entry
// with the same id. The assigned sequence is written back into
// checkpoint.Sequence, as is CreatedAt when the caller left it zero.
func (s *MemoryCheckpointStore) Put(ctx context.Context, checkpoint *store.Checkpoint) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	now := s.now()

	for {
		t := s.getThread(checkpoint.ThreadID, true)
		t.mu.Lock()
		if t.deleted {
			// A concurrent Delete took this log out of the table; retry so
			// the write lands in a fresh one instead of being stranded.
			t.mu.Unlock()
			continue
		}

		stored := *checkpoint
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		t.nextSeq++
		stored.Sequence = t.nextSeq

		e := &entry{cp: stored}
		if stored.TTLSeconds > 0 {
			e.expiresAt = now.Add(stored.TTL())
		}

		if old, ok := t.byID[stored.ID]; ok {
			t.removeLocked(old)
		}
		t.order = append(t.order, e)
		t.byID[stored.ID] = e
		t.mu.Unlock()

		checkpoint.Sequence = stored.Sequence
		checkpoint.CreatedAt = stored.CreatedAt
		return nil
	}
}

// Get returns a copy of the requested checkpoint, or the latest live one
// when checkpointID is empty. Absent or expired entries yield (nil, nil).
func (s *MemoryCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if checkpointID != "" {
		if err := store.ValidateCheckpointID(checkpointID); err != nil {
			return nil, err
		}
	}

	t := s.getThread(threadID, false)
	if t == nil {
		return nil, nil
	}
	now := s.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if checkpointID == "" {
		for i := len(t.order) - 1; i >= 0; i-- {
			if e := t.order[i]; !e.expired(now) {
				cp := e.cp
				return &cp, nil
			}
		}
		return nil, nil
	}

	e, ok := t.byID[checkpointID]
	if !ok || e.expired(now) {
		return nil, nil
	}
	cp := e.cp
	return &cp, nil
}

// List returns live checkpoint ids ascending by sequence, capped at limit.
func (s *MemoryCheckpointStore) List(ctx context.Context, threadID string, limit int) ([]string, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	t := s.getThread(threadID, false)
	if t == nil {
		return nil, nil
	}
	now := s.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, min(limit, len(t.order)))
	for _, e := range t.order {
		if e.expired(now) {
			continue
		}
		ids = append(ids, e.cp.ID)
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

// Delete drops the whole thread. It reports true only when at least one
// live checkpoint existed: a thread with zero live checkpoints is the same
// as a thread that never existed.
func (s *MemoryCheckpointStore) Delete(ctx context.Context, threadID string) (bool, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return false, err
	}

	s.mu.Lock()
	t := s.threads[threadID]
	delete(s.threads, threadID)
	s.mu.Unlock()
	if t == nil {
		return false, nil
	}
	now := s.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = true

	for _, e := range t.order {
		if !e.expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// ExpireOlderThan prunes untimed checkpoints created before now-maxAge and
// reports how many were removed. Entries holding an unexpired TTL are left
// alone; already-lapsed entries are reclaimed without counting.
func (s *MemoryCheckpointStore) ExpireOlderThan(ctx context.Context, threadID string, maxAge time.Duration) (int, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return 0, err
	}

	t := s.getThread(threadID, false)
	if t == nil {
		return 0, nil
	}
	now := s.now()
	cutoff := now.Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	kept := make([]*entry, 0, len(t.order))
	for _, e := range t.order {
		switch {
		case e.expired(now):
			delete(t.byID, e.cp.ID)
		case e.expiresAt.IsZero() && e.cp.CreatedAt.Before(cutoff):
			delete(t.byID, e.cp.ID)
			removed++
		default:
			kept = append(kept, e)
		}
	}
	t.order = kept
	return removed, nil
}

// ExtendTTL resets the expiry deadline on every live checkpoint of the
// thread and reports how many were touched.
func (s *MemoryCheckpointStore) ExtendTTL(ctx context.Context, threadID string, ttl time.Duration) (int, error) {
	if err := store.ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, &store.ValidationError{Field: "ttl", Value: ttl.String(), Reason: "must be positive"}
	}

	t := s.getThread(threadID, false)
	if t == nil {
		return 0, nil
	}
	now := s.now()
	deadline := now.Add(ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	affected := 0
	for _, e := range t.order {
		if e.expired(now) {
			continue
		}
		e.expiresAt = deadline
		e.cp.TTLSeconds = int64(ttl / time.Second)
		affected++
	}
	return affected, nil
}

// HealthCheck reports healthy as long as the thread table is reachable.
func (s *MemoryCheckpointStore) HealthCheck(ctx context.Context) store.Health {
	return store.MeasureHealth(func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return nil
	})
}

// Close is a no-op; histories vanish with the process.
func (s *MemoryCheckpointStore) Close() error {
	return nil
}
