package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

var (
	// ErrPersistence wraps every failure of the underlying store
	ErrPersistence = errors.New("persistence failure")

	// ErrMalformedClock is returned when a clock cannot be decoded
	ErrMalformedClock = vclock.ErrMalformedClock

	ErrPayloadTooLarge = errors.New("payload exceeds entity limit")
	ErrSessionRequired = errors.New("session id and graph name are required")
	ErrEntityExists    = errors.New("entity already exists")
	ErrEntityDeleted   = errors.New("entity is deleted")
	ErrDanglingEdge    = errors.New("edge endpoint missing or deleted")
)

// ApplyError reports a payload whose application failed part way. Nothing
// it applied was kept; Applied counts the entities processed before the
// failure.
type ApplyError struct {
	Session string
	Graph   string
	Applied int
	Cause   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s/%s aborted after %d entities: %v", e.Session, e.Graph, e.Applied, e.Cause)
}

func (e *ApplyError) Unwrap() error {
	return e.Cause
}

// IsApplyError returns the ApplyError in err's chain, if any
func IsApplyError(err error) (*ApplyError, bool) {
	var ae *ApplyError
	ok := errors.As(err, &ae)
	return ae, ok
}

// storeErr classifies an error returned from a store transaction. Domain
// and caller errors pass through; everything else is a persistence failure.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPersistence),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrEntityExists),
		errors.Is(err, ErrEntityDeleted),
		errors.Is(err, ErrDanglingEdge),
		errors.Is(err, ErrSessionRequired),
		errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrMalformedClock),
		errors.Is(err, protocol.ErrMalformedPayload),
		errors.Is(err, protocol.ErrMalformedRequest),
		errors.Is(err, protocol.ErrIncompleteSync),
		syncstore.IsNotFound(err):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}
