package protocol

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/validation"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

var (
	// ErrMalformedPayload rejects a payload as a whole
	ErrMalformedPayload = errors.New("malformed sync payload")
	// ErrMalformedRequest rejects a sync request
	ErrMalformedRequest = errors.New("malformed sync request")
	// ErrIncompleteSync means the receiver did not process everything sent
	ErrIncompleteSync = errors.New("incomplete sync")
)

// Validate checks a full sync request
func (r *SyncFullRequest) Validate() error {
	if err := validation.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return nil
}

// Validate checks an incremental sync request
func (r *SyncIncrementalRequest) Validate() error {
	if err := validation.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return nil
}

// Validate checks the payload header and every entity it carries. One bad
// entity rejects the whole payload.
func (p *GraphSyncPayload) Validate() error {
	if err := validation.Struct(p); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	for _, n := range p.Nodes {
		if err := p.checkEntity(n.Ref(), n.SessionID, n.VectorClock); err != nil {
			return err
		}
	}
	for _, e := range p.Edges {
		if err := p.checkEntity(e.Ref(), e.SessionID, e.VectorClock); err != nil {
			return err
		}
	}
	for _, t := range p.Tombstones {
		if err := p.checkEntity(t.Ref(), t.SessionID, t.VectorClock); err != nil {
			return err
		}
	}
	return nil
}

func (p *GraphSyncPayload) checkEntity(ref changelog.EntityRef, sessionID string, clock vclock.VectorClock) error {
	if sessionID != p.SessionID {
		return fmt.Errorf("%w: %s belongs to session %q, payload is for %q", ErrMalformedPayload, ref, sessionID, p.SessionID)
	}
	if clock.IsZero() {
		return fmt.Errorf("%w: %s: %w: empty vector clock", ErrMalformedPayload, ref, vclock.ErrMalformedClock)
	}
	return nil
}

// Validate checks a sync response and its payload
func (r *SyncResponse) Validate() error {
	if err := validation.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if r.Payload.SyncType != r.SyncType {
		return fmt.Errorf("%w: response is %s but payload is %s", ErrMalformedPayload, r.SyncType, r.Payload.SyncType)
	}
	return r.Payload.Validate()
}

// Validate checks an ack
func (a *SyncAck) Validate() error {
	return validation.Struct(a)
}

// Validate checks a conflict report
func (c *ConflictReport) Validate() error {
	return validation.Struct(c)
}

// Validate checks a conflict ack
func (a *ConflictAck) Validate() error {
	return validation.Struct(a)
}

// VerifyAck checks that the receiver processed everything in payload.
// ErrIncompleteSync tells the sender to retry; re-sending is idempotent.
func VerifyAck(payload *GraphSyncPayload, ack *SyncAck) error {
	if ack == nil {
		return fmt.Errorf("%w: no ack", ErrIncompleteSync)
	}
	if ack.SessionID != payload.SessionID || ack.GraphName != payload.GraphName {
		return fmt.Errorf("%w: ack for %s/%s, sent %s/%s", ErrIncompleteSync,
			ack.SessionID, ack.GraphName, payload.SessionID, payload.GraphName)
	}
	want := payload.EntityCount()
	if ack.ReceivedCount != want || ack.AppliedCount != want {
		return fmt.Errorf("%w: sent %d entities, peer received %d and applied %d",
			ErrIncompleteSync, want, ack.ReceivedCount, ack.AppliedCount)
	}
	return nil
}

// Validatable is implemented by every message body
type Validatable interface {
	Validate() error
}

// DecodeValid decodes the message body into v and validates it. A body that
// fails to decode because of a malformed vector clock is reported as a
// malformed payload.
func DecodeValid(m *Message, v Validatable) error {
	if err := m.Decode(v); err != nil {
		if errors.Is(err, vclock.ErrMalformedClock) {
			return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return fmt.Errorf("failed to decode %s: %w", m.Type, err)
	}
	return v.Validate()
}
