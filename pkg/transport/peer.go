package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
	"github.com/dd0wney/cluso-graphsync/pkg/syncengine"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// Replica is the local side of a sync. *syncengine.Engine implements it.
type Replica interface {
	SyncState(ctx context.Context, session, graph string) (*syncstore.SyncState, error)
	Knowledge(ctx context.Context, session, graph string) (vclock.VectorClock, error)
	Apply(ctx context.Context, payload *protocol.GraphSyncPayload) (*syncengine.ApplyResult, error)
	Prepare(ctx context.Context, session, graph string) (*protocol.SyncResponse, error)
	ConfirmPush(ctx context.Context, payload *protocol.GraphSyncPayload, ack *protocol.SyncAck) error
	ConflictReport(session, graph string, records []*conflict.Record) *protocol.ConflictReport
}

// Remote is the peer side of a sync. *Client implements it.
type Remote interface {
	Addr() string
	RequestFull(ctx context.Context, session, graph string) (*protocol.SyncResponse, error)
	RequestIncremental(ctx context.Context, session, graph string, since vclock.VectorClock, sinceTime *time.Time) (*protocol.SyncResponse, error)
	PushPayload(ctx context.Context, payload *protocol.GraphSyncPayload) (*protocol.SyncAck, error)
	ReportConflicts(ctx context.Context, report *protocol.ConflictReport) (*protocol.ConflictAck, error)
}

var (
	_ Replica = (*syncengine.Engine)(nil)
	_ Handler = (*syncengine.Engine)(nil)
	_ Remote  = (*Client)(nil)
)

// SyncResult describes one SyncOnce round
type SyncResult struct {
	PullType       protocol.SyncType
	FallbackReason string
	Pulled         *syncengine.ApplyResult

	// PushType is empty when there was nothing to push
	PushType protocol.SyncType
	Pushed   int

	Duration time.Duration
}

// Peer keeps one graph in sync with one remote replica
type Peer struct {
	local   Replica
	remote  Remote
	session string
	graph   string
	logger  logging.Logger
}

// NewPeer pairs a local replica with a remote one for a graph
func NewPeer(local Replica, remote Remote, session, graph string, opts ...Option) *Peer {
	o := buildOptions(opts)
	return &Peer{
		local:   local,
		remote:  remote,
		session: session,
		graph:   graph,
		logger: o.logger.With(logging.Component("transport.peer"),
			logging.Peer(remote.Addr()),
			logging.Session(session),
			logging.Graph(graph)),
	}
}

// SyncOnce pulls what the peer has that this replica lacks, then pushes
// what the peer has not acknowledged. A failed pull stops the round.
func (p *Peer) SyncOnce(ctx context.Context) (*SyncResult, error) {
	timer := logging.StartTimer(p.logger, "peer sync")
	res := &SyncResult{}

	if err := p.pull(ctx, res); err != nil {
		timer.EndError(err)
		return nil, fmt.Errorf("pull from %s: %w", p.remote.Addr(), err)
	}
	if err := p.push(ctx, res); err != nil {
		timer.EndError(err)
		return nil, fmt.Errorf("push to %s: %w", p.remote.Addr(), err)
	}

	res.Duration = timer.Elapsed()
	timer.EndDebug(
		logging.Strategy(string(res.PullType)),
		logging.Int("pulled", res.Pulled.Processed()),
		logging.Int("pushed", res.Pushed))
	return res, nil
}

func (p *Peer) pull(ctx context.Context, res *SyncResult) error {
	state, err := p.local.SyncState(ctx, p.session, p.graph)
	if err != nil {
		return err
	}

	var resp *protocol.SyncResponse
	if state == nil {
		resp, err = p.remote.RequestFull(ctx, p.session, p.graph)
	} else {
		var since vclock.VectorClock
		since, err = p.local.Knowledge(ctx, p.session, p.graph)
		if err != nil {
			return err
		}
		resp, err = p.remote.RequestIncremental(ctx, p.session, p.graph, since, nil)
	}
	if err != nil {
		return err
	}

	res.PullType = resp.SyncType
	res.FallbackReason = resp.FallbackReason
	res.Pulled, err = p.local.Apply(ctx, resp.Payload)
	if err != nil {
		return err
	}

	if len(res.Pulled.Conflicts) > 0 {
		p.report(ctx, res.Pulled.Conflicts)
	}
	return nil
}

// report forwards conflicts resolved while pulling. The peer resolves the
// same conflicts itself when it pulls, so a failed report is only logged.
func (p *Peer) report(ctx context.Context, records []*conflict.Record) {
	ack, err := p.remote.ReportConflicts(ctx, p.local.ConflictReport(p.session, p.graph, records))
	if err != nil {
		p.logger.Warn("conflict report failed", logging.Count(len(records)), logging.Error(err))
		return
	}
	p.logger.Debug("conflicts reported",
		logging.Int("received", ack.Received),
		logging.Int("stored", ack.Stored))
}

func (p *Peer) push(ctx context.Context, res *SyncResult) error {
	resp, err := p.local.Prepare(ctx, p.session, p.graph)
	if err != nil {
		return err
	}
	if resp.SyncType == protocol.SyncIncremental && resp.Payload.IsEmpty() {
		return nil
	}

	ack, err := p.remote.PushPayload(ctx, resp.Payload)
	if err != nil {
		return err
	}
	if err := p.local.ConfirmPush(ctx, resp.Payload, ack); err != nil {
		return err
	}
	res.PushType = resp.SyncType
	res.Pushed = resp.Payload.EntityCount()
	return nil
}
