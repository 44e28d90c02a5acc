package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/blake2b"
)

// MessageType represents the type of sync message
type MessageType uint8

const (
	// Requests
	MsgSyncFullRequest MessageType = iota + 1
	MsgSyncIncrementalRequest

	// Data messages
	MsgSyncResponse
	MsgSyncPayload
	MsgSyncAck
	MsgConflictReport
	MsgConflictAck

	// Error messages
	MsgError
)

// String returns a human-readable name for a message type.
func (t MessageType) String() string {
	switch t {
	case MsgSyncFullRequest:
		return "SyncFullRequest"
	case MsgSyncIncrementalRequest:
		return "SyncIncrementalRequest"
	case MsgSyncResponse:
		return "SyncResponse"
	case MsgSyncPayload:
		return "SyncPayload"
	case MsgSyncAck:
		return "SyncAck"
	case MsgConflictReport:
		return "ConflictReport"
	case MsgConflictAck:
		return "ConflictAck"
	case MsgError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// CompressionThreshold is the body size above which message data is
// snappy-compressed.
var CompressionThreshold = 4096

var (
	ErrChecksumMismatch = errors.New("message checksum mismatch")
	ErrEmptyMessage     = errors.New("empty message")
)

// Message is the envelope every sync exchange travels in. Checksum is the
// BLAKE2b-256 digest of the uncompressed body.
type Message struct {
	Type       MessageType `json:"type"`
	Timestamp  int64       `json:"timestamp"`
	Compressed bool        `json:"compressed,omitempty"`
	Checksum   []byte      `json:"checksum,omitempty"`
	Data       []byte      `json:"data,omitempty"`
}

// NewMessage creates a new message with the given type and data
func NewMessage(msgType MessageType, data any) (*Message, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", msgType, err)
	}

	sum := blake2b.Sum256(body)
	msg := &Message{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
		Checksum:  sum[:],
		Data:      body,
	}

	if len(body) > CompressionThreshold {
		msg.Data = snappy.Encode(nil, body)
		msg.Compressed = true
	}

	return msg, nil
}

// Body returns the verified, uncompressed message body
func (m *Message) Body() ([]byte, error) {
	body := m.Data
	if m.Compressed {
		decoded, err := snappy.Decode(nil, m.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s body: %w", m.Type, err)
		}
		body = decoded
	}

	if len(m.Checksum) > 0 {
		sum := blake2b.Sum256(body)
		if !bytes.Equal(sum[:], m.Checksum) {
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, m.Type)
		}
	}

	return body, nil
}

// Decode decodes message data into the provided interface
func (m *Message) Decode(v any) error {
	body, err := m.Body()
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// Encode serializes a message envelope for the wire
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a message envelope from the wire
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}
	return &m, nil
}

// NewErrorMessage wraps err in a MsgError message
func NewErrorMessage(code string, err error) *Message {
	msg, encErr := NewMessage(MsgError, ErrorBody{Code: code, Message: err.Error()})
	if encErr != nil {
		// ErrorBody always encodes
		panic(fmt.Sprintf("failed to build error message: %v", encErr))
	}
	return msg
}
