package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// Client sends sync requests to one peer over a mangos REQ socket.
// Requests are serialized; a REQ socket has one exchange in flight.
type Client struct {
	addr   string
	opts   options
	logger logging.Logger

	mu   sync.Mutex
	sock mangos.Socket
}

// Dial connects to a peer server. The connection is established in the
// background, so a peer that is not up yet only fails requests.
func Dial(addr string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	if err := sock.DialOptions(addr, map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{
		addr:   addr,
		opts:   o,
		logger: o.logger.With(logging.Component("transport.client"), logging.Peer(addr)),
		sock:   sock,
	}, nil
}

// Addr returns the peer address
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the socket
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.Close()
}

// RequestFull asks the peer for its whole graph
func (c *Client) RequestFull(ctx context.Context, session, graph string) (*protocol.SyncResponse, error) {
	var resp protocol.SyncResponse
	err := c.call(ctx, protocol.MsgSyncFullRequest,
		&protocol.SyncFullRequest{SessionID: session, GraphName: graph},
		protocol.MsgSyncResponse, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestIncremental asks the peer for what since does not cover. The peer
// may answer in full when its changelog no longer reaches back that far.
func (c *Client) RequestIncremental(ctx context.Context, session, graph string, since vclock.VectorClock, sinceTime *time.Time) (*protocol.SyncResponse, error) {
	var resp protocol.SyncResponse
	err := c.call(ctx, protocol.MsgSyncIncrementalRequest,
		&protocol.SyncIncrementalRequest{SessionID: session, GraphName: graph, SinceClock: since, SinceTime: sinceTime},
		protocol.MsgSyncResponse, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushPayload sends a payload for the peer to apply and returns its ack
func (c *Client) PushPayload(ctx context.Context, payload *protocol.GraphSyncPayload) (*protocol.SyncAck, error) {
	var ack protocol.SyncAck
	if err := c.call(ctx, protocol.MsgSyncPayload, payload, protocol.MsgSyncAck, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ReportConflicts forwards conflict records to the peer
func (c *Client) ReportConflicts(ctx context.Context, report *protocol.ConflictReport) (*protocol.ConflictAck, error) {
	var ack protocol.ConflictAck
	if err := c.call(ctx, protocol.MsgConflictReport, report, protocol.MsgConflictAck, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// call runs one request/reply exchange. Failures to reach the peer or to
// read its reply wrap ErrCommunication; errors the peer reports come back
// as *RemoteError.
func (c *Client) call(ctx context.Context, msgType protocol.MessageType, body any, replyType protocol.MessageType, out protocol.Validatable) (err error) {
	start := time.Now()
	var sent, received int
	defer func() {
		if c.opts.metrics == nil {
			return
		}
		c.opts.metrics.RecordTransportRequest(sideClient, msgType.String(), metrics.StatusOf(err), time.Since(start))
		c.opts.metrics.RecordTransportBytes(metrics.DirectionSent, sent)
		c.opts.metrics.RecordTransportBytes(metrics.DirectionReceived, received)
	}()

	timeout := c.opts.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: %w", ErrCommunication, context.DeadlineExceeded)
	}

	msg, err := protocol.NewMessage(msgType, body)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	raw, err := c.exchange(data, timeout)
	sent = len(data)
	if err != nil {
		c.logger.Debug("request failed", logging.String("type", msgType.String()), logging.Error(err))
		return fmt.Errorf("%w: %s to %s: %w", ErrCommunication, msgType, c.addr, err)
	}
	received = len(raw)

	reply, err := protocol.DecodeMessage(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	switch reply.Type {
	case replyType:
	case protocol.MsgError:
		var body protocol.ErrorBody
		if err := reply.Decode(&body); err != nil {
			return fmt.Errorf("%w: undecodable error reply: %w", ErrCommunication, err)
		}
		return &RemoteError{Code: body.Code, Message: body.Message}
	default:
		return fmt.Errorf("%w: expected %s reply to %s, got %s", ErrCommunication, replyType, msgType, reply.Type)
	}

	if err := protocol.DecodeValid(reply, out); err != nil {
		return fmt.Errorf("%w: invalid %s reply: %w", ErrCommunication, replyType, err)
	}
	return nil
}

func (c *Client) exchange(data []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sock.SetOption(mangos.OptionSendDeadline, timeout); err != nil {
		return nil, err
	}
	if err := c.sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return nil, err
	}
	if err := c.sock.Send(data); err != nil {
		return nil, err
	}
	return c.sock.Recv()
}
