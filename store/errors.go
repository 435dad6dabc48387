package store

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed thread or checkpoint id. Operations
// reject with it before attempting any I/O.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// SerializationError reports state or metadata that cannot be encoded or
// decoded. Never swallowed: a dropped one would make a workflow resume
// silently impossible.
type SerializationError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to %s checkpoint state: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ConnectionError reports a durable backend that is unreachable or failing
// mid-operation. At construction time it triggers the volatile fallback; at
// runtime it surfaces through HealthCheck as healthy=false and through
// operations as a wrapped error.
type ConnectionError struct {
	Backend string // "redis", "postgres" or "sqlite"
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSerialization reports whether err is or wraps a SerializationError.
func IsSerialization(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// IsConnection reports whether err is or wraps a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
