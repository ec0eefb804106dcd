package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors shared across the engine. Wrap with pkg/errors to add
// context; match with errors.Is.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrParameterMissing   = errors.New("parameter missing")
	ErrValidationFailed   = errors.New("validation failed")
	ErrChannelClosed      = errors.New("channel closed")
)

// StorageErrorKind classifies storage failures.
type StorageErrorKind int

const (
	StorageConnection StorageErrorKind = iota
	StorageSchema
	StorageQuery
	StorageSerialization
)

func (k StorageErrorKind) String() string {
	switch k {
	case StorageConnection:
		return "connection"
	case StorageSchema:
		return "schema"
	case StorageQuery:
		return "query"
	case StorageSerialization:
		return "serialization"
	}
	return "unknown"
}

// StorageError wraps a storage failure with its category and the operation
// that produced it.
type StorageError struct {
	Kind StorageErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err; a nil err returns nil.
func NewStorageError(kind StorageErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: kind, Op: op, Err: err}
}

// CompileError reports a parse or expansion failure in the query document.
type CompileError struct {
	Line, Col int
	Msg       string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("compile error at %d:%d: %s", e.Line, e.Col, e.Msg)
	}
	return "compile error: " + e.Msg
}

// ErrExpansionCycle is wrapped by compile errors caused by cyclic helper
// function expansion.
var ErrExpansionCycle = errors.New("function expansion cycle")

// ErrUnknownHelper is wrapped when a render call references an undefined
// module helper in a context that requires one.
var ErrUnknownHelper = errors.New("unknown helper")

// SyncError classifies a delegate or provider failure as transient
// (retry with backoff) or permanent (roll back the optimistic write).
type SyncError struct {
	Transient bool
	Err       error
}

func (e *SyncError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient sync error: %v", e.Err)
	}
	return fmt.Sprintf("permanent sync error: %v", e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable sync failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable sync failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Transient: false, Err: err}
}

// IsTransient reports whether err is a transient sync failure. Unclassified
// errors are treated as permanent.
func IsTransient(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Transient
}

// StreamLagged signals that a bounded change channel overflowed and the
// consumer must resync. It is a status event, not a fatal error.
type StreamLagged struct {
	EntityType string
	Lost       uint64
}

func (e *StreamLagged) Error() string {
	return fmt.Sprintf("stream lagged for %s: %d events lost", e.EntityType, e.Lost)
}
