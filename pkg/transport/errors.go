package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
	"github.com/dd0wney/cluso-graphsync/pkg/syncengine"
)

var (
	// ErrCommunication means the peer could not be reached or answered with
	// something unusable. Local state is never changed by such a failure.
	ErrCommunication = errors.New("peer communication failed")

	ErrUnsupported = errors.New("unsupported message type")
)

// Error codes carried by MsgError replies
const (
	CodeMalformedPayload = "malformed_payload"
	CodeMalformedRequest = "malformed_request"
	CodePayloadTooLarge  = "payload_too_large"
	CodeApplyFailed      = "apply_failed"
	CodeUnsupported      = "unsupported"
	CodeTimeout          = "timeout"
	CodeInternal         = "internal"
)

// RemoteError is a failure the peer reported in a MsgError reply
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer error %s: %s", e.Code, e.Message)
}

// Unwrap maps the code back to the sentinel the peer failed with, so that
// errors.Is works across the wire
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeMalformedPayload:
		return protocol.ErrMalformedPayload
	case CodeMalformedRequest:
		return protocol.ErrMalformedRequest
	case CodePayloadTooLarge:
		return syncengine.ErrPayloadTooLarge
	case CodeUnsupported:
		return ErrUnsupported
	default:
		return nil
	}
}

// IsRemoteError reports whether err carries a peer's error reply
func IsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ErrorCode picks the wire code for a handler error
func ErrorCode(err error) string {
	var applyErr *syncengine.ApplyError
	switch {
	case errors.Is(err, protocol.ErrMalformedPayload):
		return CodeMalformedPayload
	case errors.Is(err, protocol.ErrMalformedRequest), errors.Is(err, syncengine.ErrSessionRequired):
		return CodeMalformedRequest
	case errors.Is(err, syncengine.ErrPayloadTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.As(err, &applyErr):
		return CodeApplyFailed
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
