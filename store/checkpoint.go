package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultListLimit caps List responses when the caller passes no limit,
// bounding response size for threads with long histories.
const DefaultListLimit = 50

// maxIDLen bounds thread and checkpoint id length in bytes.
const maxIDLen = 256

// Checkpoint is one immutable snapshot of workflow state within a thread.
// State is an opaque blob; the store never inspects or merges it.
type Checkpoint struct {
	ID         string          `json:"id"`
	ThreadID   string          `json:"thread_id"`
	State      json.RawMessage `json:"state,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Sequence   int64           `json:"sequence"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

// ThreadMetadata summarizes a thread's live checkpoints. It is derived by
// scanning the thread, never stored separately.
type ThreadMetadata struct {
	ThreadID        string    `json:"thread_id"`
	CheckpointCount int       `json:"checkpoint_count"`
	FirstCreatedAt  time.Time `json:"first_created_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// CheckpointStore defines the contract implemented by every backend variant.
// Callers hold exactly one implementation, chosen once at construction.
type CheckpointStore interface {
	// Put stores a checkpoint under (ThreadID, ID). Duplicate ids never
	// reject: the later write wins and takes the newest position in the
	// thread. The store assigns Sequence at arrival. Safe to retry.
	Put(ctx context.Context, checkpoint *Checkpoint) error

	// Get retrieves one checkpoint. An empty checkpointID returns the
	// latest non-expired checkpoint of the thread. Returns (nil, nil)
	// when the thread or checkpoint is absent or expired.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// List returns live checkpoint ids ascending by sequence (oldest
	// first). limit <= 0 applies DefaultListLimit.
	List(ctx context.Context, threadID string, limit int) ([]string, error)

	// Delete removes the thread with all its checkpoints. Idempotent:
	// deleting an absent thread returns (false, nil).
	Delete(ctx context.Context, threadID string) (bool, error)

	// ExpireOlderThan prunes live checkpoints without an explicit TTL
	// whose CreatedAt precedes now-maxAge and reports how many were
	// removed. Checkpoints holding an unexpired TTL are left alone until
	// that TTL lapses; already-lapsed entries are reclaimed uncounted.
	ExpireOlderThan(ctx context.Context, threadID string, maxAge time.Duration) (int, error)

	// ExtendTTL resets the TTL on every live checkpoint in the thread and
	// reports how many were touched.
	ExtendTTL(ctx context.Context, threadID string, ttl time.Duration) (int, error)

	// HealthCheck probes the backend with a lightweight round trip.
	HealthCheck(ctx context.Context) Health

	// Close releases the backend connection, if the store owns one.
	Close() error
}

// Health is the result of a store liveness probe.
type Health struct {
	Healthy bool
	Latency time.Duration
	Err     string
}

// MarshalJSON emits latency in milliseconds to match the external health
// contract.
func (h Health) MarshalJSON() ([]byte, error) {
	type wire struct {
		Healthy   bool    `json:"healthy"`
		LatencyMS float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}
	return json.Marshal(wire{h.Healthy, float64(h.Latency.Microseconds()) / 1000.0, h.Err})
}

// MeasureHealth runs probe and folds its error and round-trip time into a
// Health report.
func MeasureHealth(probe func() error) Health {
	start := time.Now()
	err := probe()
	h := Health{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		h.Err = err.Error()
	}
	return h
}

// TTL returns the checkpoint's TTL as a duration, zero when unset.
func (c *Checkpoint) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// DecodeState unmarshals the opaque state blob into v.
func (c *Checkpoint) DecodeState(v any) error {
	if len(c.State) == 0 {
		return &SerializationError{Op: "decode", Err: fmt.Errorf("checkpoint %s has no state", c.ID)}
	}
	if err := json.Unmarshal(c.State, v); err != nil {
		return &SerializationError{Op: "decode", Err: err}
	}
	return nil
}

// Validate checks the checkpoint's identifiers before any I/O.
func (c *Checkpoint) Validate() error {
	if err := ValidateThreadID(c.ThreadID); err != nil {
		return err
	}
	return ValidateCheckpointID(c.ID)
}

// ValidateThreadID rejects malformed thread ids.
func ValidateThreadID(id string) error {
	return validateID("thread_id", id)
}

// ValidateCheckpointID rejects malformed checkpoint ids.
func ValidateCheckpointID(id string) error {
	return validateID("checkpoint_id", id)
}

func validateID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Value: id, Reason: "must not be empty"}
	}
	if len(id) > maxIDLen {
		return &ValidationError{Field: field, Value: id, Reason: fmt.Sprintf("exceeds %d bytes", maxIDLen)}
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ValidationError{Field: field, Value: id, Reason: "contains whitespace or control characters"}
		}
	}
	return nil
}

// NewCheckpointID generates a checkpoint id of the recommended shape, a
// millisecond timestamp plus a random suffix, e.g. "cp-1756078964123-1a2b3c4d".
// Concurrent writers on the same thread get collision-free ids that still
// sort roughly by creation time. Id generation stays with the caller; stores
// never invent ids.
func NewCheckpointID() string {
	return fmt.Sprintf("cp-%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}
