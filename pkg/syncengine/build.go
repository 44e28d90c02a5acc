package syncengine

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

const roleSender = "sender"

// SyncFull builds a payload holding every sync-enabled node and edge of the
// session, deleted ones included. An unknown session yields an empty payload.
func (e *Engine) SyncFull(ctx context.Context, session, graph string) (*protocol.GraphSyncPayload, error) {
	if err := checkScope(session, graph); err != nil {
		return nil, err
	}
	start := time.Now()
	var payload *protocol.GraphSyncPayload
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		payload, err = e.buildFull(tx, session, graph)
		return err
	})
	err = storeErr(err)
	e.recordBuild(protocol.SyncFull, payload, err, start)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// SyncIncremental builds a payload of what a peer whose knowledge is since
// has not seen. sinceTime, when set, only narrows the changelog scan. If
// entries the peer is missing were already pruned the answer is a full
// payload with FallbackReason set.
func (e *Engine) SyncIncremental(ctx context.Context, session, graph string, since vclock.VectorClock, sinceTime *time.Time) (*protocol.SyncResponse, error) {
	if err := checkScope(session, graph); err != nil {
		return nil, err
	}
	if since == nil {
		since = vclock.New()
	}
	start := time.Now()
	var resp *protocol.SyncResponse
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		resp, err = e.buildIncremental(tx, session, graph, since, sinceTime)
		return err
	})
	err = storeErr(err)
	if err != nil {
		e.recordBuild(protocol.SyncIncremental, nil, err, start)
		return nil, err
	}
	e.recordBuild(resp.SyncType, resp.Payload, nil, start)
	return resp, nil
}

// Prepare decides a strategy and builds the payload this replica would
// push. Incremental pushes carry what no peer has acknowledged yet.
func (e *Engine) Prepare(ctx context.Context, session, graph string) (*protocol.SyncResponse, error) {
	if err := checkScope(session, graph); err != nil {
		return nil, err
	}
	start := time.Now()
	var resp *protocol.SyncResponse
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		d, err := e.decide(tx, session, graph)
		if err != nil {
			return err
		}
		if d.Strategy == protocol.SyncFull {
			payload, err := e.buildFull(tx, session, graph)
			if err != nil {
				return err
			}
			resp = &protocol.SyncResponse{SyncType: protocol.SyncFull, Payload: payload}
			return nil
		}
		state, err := tx.SyncState(e.stateKey(session, graph))
		if err != nil {
			return err
		}
		resp, err = e.buildIncremental(tx, session, graph, state.Clock, nil)
		return err
	})
	err = storeErr(err)
	if err != nil {
		e.recordBuild(protocol.SyncIncremental, nil, err, start)
		return nil, err
	}
	e.recordBuild(resp.SyncType, resp.Payload, nil, start)
	return resp, nil
}

// HandleFullRequest answers a peer's full sync request
func (e *Engine) HandleFullRequest(ctx context.Context, req *protocol.SyncFullRequest) (*protocol.SyncResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload, err := e.SyncFull(ctx, req.SessionID, req.GraphName)
	if err != nil {
		return nil, err
	}
	return &protocol.SyncResponse{SyncType: protocol.SyncFull, Payload: payload}, nil
}

// HandleIncrementalRequest answers a peer's incremental sync request
func (e *Engine) HandleIncrementalRequest(ctx context.Context, req *protocol.SyncIncrementalRequest) (*protocol.SyncResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return e.SyncIncremental(ctx, req.SessionID, req.GraphName, req.SinceClock, req.SinceTime)
}

func (e *Engine) buildFull(tx syncstore.Tx, session, graph string) (*protocol.GraphSyncPayload, error) {
	payload := protocol.NewPayload(protocol.SyncFull, session, graph, e.cfg.InstanceID)
	filter := syncstore.ListFilter{SyncEnabledOnly: true, IncludeDeleted: true}

	nodes, err := tx.ListNodes(session, filter)
	if err != nil {
		return nil, err
	}
	payload.Nodes = append(payload.Nodes, nodes...)

	edges, err := tx.ListEdges(session, filter)
	if err != nil {
		return nil, err
	}
	for _, edge := range edges {
		payload.AddEdge(edge)
	}

	payload.SenderClock, err = e.knowledge(tx, session, graph)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (e *Engine) buildIncremental(tx syncstore.Tx, session, graph string, since vclock.VectorClock, sinceTime *time.Time) (*protocol.SyncResponse, error) {
	watermark, err := tx.ChangelogWatermark(session)
	if err != nil {
		return nil, err
	}
	if !since.Covers(watermark) {
		payload, err := e.buildFull(tx, session, graph)
		if err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.RecordFallback(ReasonChangelogPruned)
		}
		e.logger.Info("incremental sync answered in full",
			logging.Session(session),
			logging.Graph(graph),
			logging.Clock("since", since),
			logging.Clock("watermark", watermark))
		return &protocol.SyncResponse{
			SyncType:       protocol.SyncFull,
			Payload:        payload,
			FallbackReason: ReasonChangelogPruned,
		}, nil
	}

	var after time.Time
	if sinceTime != nil {
		after = *sinceTime
	}
	entries, err := tx.ChangelogSince(session, after)
	if err != nil {
		return nil, err
	}
	entries = latestPerEntity(changelog.NotCoveredBy(entries, since))

	payload := protocol.NewPayload(protocol.SyncIncremental, session, graph, e.cfg.InstanceID)
	for _, entry := range entries {
		if err := e.addEntry(tx, payload, entry); err != nil {
			return nil, err
		}
	}

	payload.SenderClock, err = e.knowledge(tx, session, graph)
	if err != nil {
		return nil, err
	}
	return &protocol.SyncResponse{SyncType: protocol.SyncIncremental, Payload: payload}, nil
}

// addEntry adds the entity state an entry recorded. Entities whose sync is
// currently disabled are left out.
func (e *Engine) addEntry(tx syncstore.Tx, payload *protocol.GraphSyncPayload, entry *changelog.Entry) error {
	switch entry.EntityType {
	case changelog.EntityNode:
		enabled, err := nodeSyncEnabled(tx, entry.SessionID, entry.EntityID)
		if err != nil || !enabled {
			return err
		}
		if !entry.HasSnapshot() {
			payload.Tombstones = append(payload.Tombstones, entry.Tombstone())
			return nil
		}
		node, err := entry.Node()
		if err != nil {
			return err
		}
		node.SyncEnabled = true
		payload.Nodes = append(payload.Nodes, node)

	case changelog.EntityEdge:
		enabled, err := edgeSyncEnabled(tx, entry.SessionID, entry.EntityID)
		if err != nil || !enabled {
			return err
		}
		if !entry.HasSnapshot() {
			payload.Tombstones = append(payload.Tombstones, entry.Tombstone())
			return nil
		}
		edge, err := entry.Edge()
		if err != nil {
			return err
		}
		edge.SyncEnabled = true
		payload.AddEdge(edge)
	}
	return nil
}

func nodeSyncEnabled(tx syncstore.Tx, session string, id uint64) (bool, error) {
	node, err := tx.GetNode(session, id)
	if syncstore.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return node.SyncEnabled, nil
}

func edgeSyncEnabled(tx syncstore.Tx, session string, id uint64) (bool, error) {
	edge, err := tx.GetEdge(session, id)
	if syncstore.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return edge.SyncEnabled, nil
}

// latestPerEntity keeps the last entry of each entity, in sequence order
func latestPerEntity(entries []*changelog.Entry) []*changelog.Entry {
	last := make(map[changelog.EntityRef]int, len(entries))
	for i, entry := range entries {
		last[entry.Ref()] = i
	}
	out := make([]*changelog.Entry, 0, len(last))
	for i, entry := range entries {
		if last[entry.Ref()] == i {
			out = append(out, entry)
		}
	}
	return out
}

func (e *Engine) recordBuild(strategy protocol.SyncType, payload *protocol.GraphSyncPayload, err error, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordSync(roleSender, string(strategy), err, time.Since(start))
	if payload != nil {
		e.metrics.RecordPayload(metrics.DirectionSent, string(strategy), payload.EntityCount())
	}
}
