package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
)

// Handler answers peers. *syncengine.Engine implements it.
type Handler interface {
	HandleFullRequest(ctx context.Context, req *protocol.SyncFullRequest) (*protocol.SyncResponse, error)
	HandleIncrementalRequest(ctx context.Context, req *protocol.SyncIncrementalRequest) (*protocol.SyncResponse, error)
	ApplyPayload(ctx context.Context, payload *protocol.GraphSyncPayload) (*protocol.SyncAck, error)
	ImportConflicts(ctx context.Context, report *protocol.ConflictReport) (int, error)
}

// Server answers sync requests on a mangos REP socket
type Server struct {
	router *MessageRouter
	opts   options
	logger logging.Logger

	mu     sync.Mutex
	sock   mangos.Socket
	addr   string
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer creates a server that routes requests to h
func NewServer(h Handler, opts ...Option) *Server {
	o := buildOptions(opts)
	s := &Server{
		router: NewMessageRouter(),
		opts:   o,
		logger: o.logger.With(logging.Component("transport.server")),
	}
	s.router.SetLogger(s.logger)

	HandleFunc[protocol.SyncFullRequest](s.router, protocol.MsgSyncFullRequest, protocol.MsgSyncResponse,
		func(ctx context.Context, req *protocol.SyncFullRequest) (any, error) {
			return h.HandleFullRequest(ctx, req)
		})
	HandleFunc[protocol.SyncIncrementalRequest](s.router, protocol.MsgSyncIncrementalRequest, protocol.MsgSyncResponse,
		func(ctx context.Context, req *protocol.SyncIncrementalRequest) (any, error) {
			return h.HandleIncrementalRequest(ctx, req)
		})
	HandleFunc[protocol.GraphSyncPayload](s.router, protocol.MsgSyncPayload, protocol.MsgSyncAck,
		func(ctx context.Context, payload *protocol.GraphSyncPayload) (any, error) {
			return h.ApplyPayload(ctx, payload)
		})
	HandleFunc[protocol.ConflictReport](s.router, protocol.MsgConflictReport, protocol.MsgConflictAck,
		func(ctx context.Context, report *protocol.ConflictReport) (any, error) {
			stored, err := h.ImportConflicts(ctx, report)
			if err != nil {
				return nil, err
			}
			return &protocol.ConflictAck{Received: len(report.Conflicts), Stored: stored}, nil
		})
	return s
}

// Router exposes the server's router, e.g. to register extra handlers
func (s *Server) Router() *MessageRouter {
	return s.router
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock != nil {
		return fmt.Errorf("server already listening on %s", s.addr)
	}

	sock, err := rep.NewSocket()
	if err != nil {
		return fmt.Errorf("failed to create REP socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.sock = sock
	s.addr = addr
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stopCh = make(chan struct{})

	for i := 0; i < s.opts.workers; i++ {
		mctx, err := sock.OpenContext()
		if err != nil {
			s.shutdown()
			return fmt.Errorf("failed to open socket context: %w", err)
		}
		if err := mctx.SetOption(mangos.OptionRecvDeadline, pollInterval); err != nil {
			mctx.Close()
			s.shutdown()
			return fmt.Errorf("failed to set receive deadline: %w", err)
		}
		s.wg.Add(1)
		go s.serve(mctx)
	}

	s.logger.Info("sync server listening",
		logging.Peer(addr),
		logging.Int("workers", s.opts.workers))
	return nil
}

// Stop stops accepting requests, waits for running handlers and closes
// the socket
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock == nil {
		return nil
	}
	err := s.shutdown()
	s.logger.Info("sync server stopped", logging.Peer(s.addr))
	return err
}

// shutdown is called with s.mu held
func (s *Server) shutdown() error {
	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
	err := s.sock.Close()
	s.sock = nil
	return err
}

func (s *Server) serve(mctx mangos.Context) {
	defer s.wg.Done()
	defer mctx.Close()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		raw, err := mctx.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			// Receive deadline, check for shutdown
			continue
		}

		reply := s.handle(raw)
		if err := mctx.Send(reply); err != nil {
			s.logger.Warn("failed to send reply", logging.Error(err))
		}
	}
}

func (s *Server) handle(raw []byte) []byte {
	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.timeout)
	defer cancel()

	var msgType protocol.MessageType
	var reply *protocol.Message
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		reply = protocol.NewErrorMessage(CodeMalformedRequest, err)
	} else {
		msgType = msg.Type
		reply = s.router.Dispatch(ctx, msg)
	}

	out, err := protocol.Encode(reply)
	if err != nil {
		s.logger.Error("failed to encode reply", logging.Error(err))
		reply = protocol.NewErrorMessage(CodeInternal, err)
		out, _ = protocol.Encode(reply)
	}

	if s.opts.metrics != nil {
		status := metrics.StatusSuccess
		if reply.Type == protocol.MsgError {
			status = metrics.StatusError
		}
		s.opts.metrics.RecordTransportRequest(sideServer, msgType.String(), status, time.Since(start))
		s.opts.metrics.RecordTransportBytes(metrics.DirectionReceived, len(raw))
		s.opts.metrics.RecordTransportBytes(metrics.DirectionSent, len(out))
	}
	return out
}
