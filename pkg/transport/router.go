package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
)

// HandlerFunc answers one request message with a reply message
type HandlerFunc func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

// MessageRouter dispatches messages to registered handlers by type.
// Handler errors become MsgError replies.
type MessageRouter struct {
	handlers map[protocol.MessageType]HandlerFunc
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewMessageRouter creates a new message router.
func NewMessageRouter() *MessageRouter {
	return &MessageRouter{
		handlers: make(map[protocol.MessageType]HandlerFunc),
		logger:   logging.NewNopLogger(),
	}
}

// SetLogger sets the logger handler failures are reported to.
func (mr *MessageRouter) SetLogger(logger logging.Logger) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.logger = logging.OrNop(logger)
}

// Handle registers a handler for a specific message type.
func (mr *MessageRouter) Handle(msgType protocol.MessageType, handler HandlerFunc) *MessageRouter {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.handlers[msgType] = handler
	return mr
}

// HandleFunc registers a typed handler. The request body is decoded and
// validated before the handler sees it; its result is sent back as a
// replyType message.
func HandleFunc[T any, PT interface {
	*T
	protocol.Validatable
}](mr *MessageRouter, msgType, replyType protocol.MessageType, handler func(context.Context, PT) (any, error)) *MessageRouter {
	return mr.Handle(msgType, func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		req := PT(new(T))
		if err := protocol.DecodeValid(msg, req); err != nil {
			return nil, err
		}
		reply, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}
		return protocol.NewMessage(replyType, reply)
	})
}

// Dispatch routes a message to its handler and always returns a reply
func (mr *MessageRouter) Dispatch(ctx context.Context, msg *protocol.Message) *protocol.Message {
	mr.mu.RLock()
	handler, ok := mr.handlers[msg.Type]
	logger := mr.logger
	mr.mu.RUnlock()

	if !ok {
		return protocol.NewErrorMessage(CodeUnsupported, fmt.Errorf("%w: %s", ErrUnsupported, msg.Type))
	}

	reply, err := handler(ctx, msg)
	if err != nil {
		code := ErrorCode(err)
		logger.Warn("request failed",
			logging.String("type", msg.Type.String()),
			logging.String("code", code),
			logging.Error(err))
		return protocol.NewErrorMessage(code, err)
	}
	return reply
}

// DispatchRaw decodes a wire envelope, dispatches it and encodes the reply
func (mr *MessageRouter) DispatchRaw(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		return protocol.Encode(protocol.NewErrorMessage(CodeMalformedRequest, err))
	}
	return protocol.Encode(mr.Dispatch(ctx, msg))
}

// HasHandler returns true if a handler is registered for the message type.
func (mr *MessageRouter) HasHandler(msgType protocol.MessageType) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, ok := mr.handlers[msgType]
	return ok
}

// HandlerCount returns the number of registered handlers.
func (mr *MessageRouter) HandlerCount() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.handlers)
}

// MessageDispatcher is an interface for dispatching messages.
// This allows for easy mocking in tests.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, msg *protocol.Message) *protocol.Message
	DispatchRaw(ctx context.Context, data []byte) ([]byte, error)
}

// Ensure MessageRouter implements MessageDispatcher
var _ MessageDispatcher = (*MessageRouter)(nil)
