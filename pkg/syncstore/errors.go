package syncstore

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	ErrNodeNotFound = errors.New("node not found")
	ErrEdgeNotFound = errors.New("edge not found")
	ErrClosed       = errors.New("store is closed")
	ErrReadOnly     = errors.New("write in read-only transaction")
	ErrMarshal      = errors.New("marshal failed")
)

// StoreError provides structured error information for storage operations.
type StoreError struct {
	Op      string // Operation that failed (e.g., "PutNode", "AppendChangelog")
	Entity  string // Entity kind (e.g., "node", "edge", "changelog")
	ID      uint64 // Entity ID (if applicable)
	Session string
	Cause   error
}

func (e *StoreError) Error() string {
	var where string
	switch {
	case e.ID != 0 && e.Session != "":
		where = fmt.Sprintf(" %s %d in session %s", e.Entity, e.ID, e.Session)
	case e.ID != 0:
		where = fmt.Sprintf(" %s %d", e.Entity, e.ID)
	case e.Session != "":
		where = fmt.Sprintf(" %s in session %s", e.Entity, e.Session)
	case e.Entity != "":
		where = " " + e.Entity
	}
	return fmt.Sprintf("%s%s: %v", e.Op, where, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ErrorBuilder provides a fluent interface for building StoreErrors.
type ErrorBuilder struct {
	err StoreError
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: StoreError{Op: op}}
}

// Node sets the entity to "node" with the given ID.
func (b *ErrorBuilder) Node(id uint64) *ErrorBuilder {
	b.err.Entity = "node"
	b.err.ID = id
	return b
}

// Edge sets the entity to "edge" with the given ID.
func (b *ErrorBuilder) Edge(id uint64) *ErrorBuilder {
	b.err.Entity = "edge"
	b.err.ID = id
	return b
}

// Entity sets a free-form entity kind.
func (b *ErrorBuilder) Entity(kind string) *ErrorBuilder {
	b.err.Entity = kind
	return b
}

// Session sets the session the operation was scoped to.
func (b *ErrorBuilder) Session(id string) *ErrorBuilder {
	b.err.Session = id
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	return &b.err
}

// NodeNotFoundError creates a node not found error.
func NodeNotFoundError(session string, id uint64) error {
	return NewError("get").Node(id).Session(session).Cause(ErrNodeNotFound).Err()
}

// EdgeNotFoundError creates an edge not found error.
func EdgeNotFoundError(session string, id uint64) error {
	return NewError("get").Edge(id).Session(session).Cause(ErrEdgeNotFound).Err()
}

// MarshalError creates a marshal error for the given entity.
func MarshalError(entity string, id uint64, cause error) error {
	b := NewError("marshal").Entity(entity).Cause(fmt.Errorf("%w: %w", ErrMarshal, cause))
	b.err.ID = id
	return b.Err()
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound) || errors.Is(err, ErrEdgeNotFound)
}

// IsClosed returns true if the error indicates the store is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
