package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
	"github.com/dd0wney/cluso-graphsync/pkg/protocol"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

const roleReceiver = "receiver"

// step is what applying one incoming version does to the local one
type step uint8

const (
	stepInsert  step = iota // no local version
	stepAccept              // local is causally older
	stepDiscard             // local is causally newer
	stepNoop                // same version
	stepResolve             // concurrent versions
)

func (s step) String() string {
	switch s {
	case stepInsert:
		return "inserted"
	case stepAccept:
		return "accepted"
	case stepDiscard:
		return "discarded"
	case stepNoop:
		return "noop"
	case stepResolve:
		return "resolved"
	default:
		return "unknown"
	}
}

func nextStep(exists bool, local, remote vclock.VectorClock) step {
	if !exists {
		return stepInsert
	}
	switch remote.Compare(local) {
	case vclock.After:
		return stepAccept
	case vclock.Before:
		return stepDiscard
	case vclock.Equal:
		return stepNoop
	default:
		return stepResolve
	}
}

// ApplyResult details what applying a payload did
type ApplyResult struct {
	Ack       *protocol.SyncAck
	Conflicts []*conflict.Record

	Inserted  int
	Accepted  int
	Discarded int
	Noops     int
	Resolved  int
	// Rejected counts edges refused because an endpoint is missing or deleted
	Rejected int
}

// Processed is the number of entities handled, whatever the outcome
func (r *ApplyResult) Processed() int {
	return r.Inserted + r.Accepted + r.Discarded + r.Noops + r.Resolved + r.Rejected
}

// ApplyPayload merges a peer's payload into the local graph and acks it
func (e *Engine) ApplyPayload(ctx context.Context, payload *protocol.GraphSyncPayload) (*protocol.SyncAck, error) {
	res, err := e.Apply(ctx, payload)
	if err != nil {
		return nil, err
	}
	return res.Ack, nil
}

// Apply merges a peer's payload into the local graph in one transaction.
// Nothing is kept if any entity fails to persist or ctx ends first.
func (e *Engine) Apply(ctx context.Context, payload *protocol.GraphSyncPayload) (*ApplyResult, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", protocol.ErrMalformedPayload)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if n := payload.EntityCount(); n > e.cfg.MaxPayloadEntities {
		return nil, fmt.Errorf("%w: %d entities, limit %d", ErrPayloadTooLarge, n, e.cfg.MaxPayloadEntities)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ApplyTimeout)
	defer cancel()

	key := e.stateKey(payload.SessionID, payload.GraphName)
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return nil, &ApplyError{Session: payload.SessionID, Graph: payload.GraphName, Cause: err}
	}
	defer unlock()

	start := time.Now()
	var a *applier
	err = e.store.Update(ctx, func(tx syncstore.Tx) error {
		a = &applier{
			e:       e,
			tx:      tx,
			key:     key,
			payload: payload,
			now:     e.now(),
			res:     &ApplyResult{},
		}
		return a.run(ctx)
	})
	if err != nil {
		applied := 0
		if a != nil {
			applied = a.res.Processed()
		}
		err = &ApplyError{
			Session: payload.SessionID,
			Graph:   payload.GraphName,
			Applied: applied,
			Cause:   storeErr(err),
		}
		e.recordApply(payload, nil, err, start)
		e.logger.Error("sync payload aborted",
			logging.Session(payload.SessionID),
			logging.Graph(payload.GraphName),
			logging.String("sender", payload.SenderInstance),
			logging.Error(err))
		return nil, err
	}

	e.recordApply(payload, a.res, nil, start)
	e.logger.Info("sync payload applied",
		logging.Session(payload.SessionID),
		logging.Graph(payload.GraphName),
		logging.String("sender", payload.SenderInstance),
		logging.Strategy(string(payload.SyncType)),
		logging.Int("received", payload.EntityCount()),
		logging.Int("conflicts", len(a.res.Conflicts)),
		logging.Int("rejected", a.res.Rejected))
	return a.res, nil
}

// ConfirmPush records that a peer acknowledged a payload this replica
// pushed, so the next push leaves those changes out.
func (e *Engine) ConfirmPush(ctx context.Context, payload *protocol.GraphSyncPayload, ack *protocol.SyncAck) error {
	if payload == nil {
		return fmt.Errorf("%w: nil payload", protocol.ErrMalformedPayload)
	}
	if err := protocol.VerifyAck(payload, ack); err != nil {
		return err
	}

	key := e.stateKey(payload.SessionID, payload.GraphName)
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	err = e.store.Update(ctx, func(tx syncstore.Tx) error {
		state, err := tx.SyncState(key)
		if err != nil {
			return err
		}
		clock := vclock.New()
		if state != nil {
			clock = state.Clock
		}
		clock = clock.Merge(payloadClock(payload))
		return tx.PutSyncState(key, &syncstore.SyncState{
			Clock:        clock,
			LastSyncAt:   e.now(),
			LastSyncType: string(payload.SyncType),
		})
	})
	if err != nil {
		return storeErr(err)
	}
	if e.metrics != nil {
		e.metrics.RecordSyncSuccess(payload.GraphName, e.now())
	}
	return nil
}

// payloadClock is everything a payload makes known to its receiver. A full
// payload carries the sender's whole graph, so its knowledge is included.
func payloadClock(p *protocol.GraphSyncPayload) vclock.VectorClock {
	clock := vclock.New()
	for _, n := range p.Nodes {
		clock = clock.Merge(n.VectorClock)
	}
	for _, edge := range p.Edges {
		clock = clock.Merge(edge.VectorClock)
	}
	for _, t := range p.Tombstones {
		clock = clock.Merge(t.VectorClock)
	}
	if p.SyncType == protocol.SyncFull {
		clock = clock.Merge(p.SenderClock)
	}
	return clock
}

// applier holds the state of one Apply transaction
type applier struct {
	e       *Engine
	tx      syncstore.Tx
	key     syncstore.StateKey
	payload *protocol.GraphSyncPayload
	now     time.Time
	res     *ApplyResult

	counter uint64
	// stamp is the local mutation number of cascaded deletes, allocated on
	// first use
	stamp uint64
	// deletedNodes were live before this payload deleted them
	deletedNodes []uint64
}

func (a *applier) session() string { return a.payload.SessionID }

func (a *applier) run(ctx context.Context) error {
	var err error
	if a.counter, err = a.e.counter(a.tx, a.session()); err != nil {
		return err
	}

	var nodeTombstones, edgeTombstones []changelog.Tombstone
	for _, t := range a.payload.Tombstones {
		if t.EntityType == changelog.EntityNode {
			nodeTombstones = append(nodeTombstones, t)
		} else {
			edgeTombstones = append(edgeTombstones, t)
		}
	}

	for _, n := range a.payload.Nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.applyNode(n); err != nil {
			return err
		}
	}
	for _, t := range nodeTombstones {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.applyNodeTombstone(t); err != nil {
			return err
		}
	}
	for _, edge := range a.payload.Edges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.applyEdge(edge); err != nil {
			return err
		}
	}
	for _, t := range edgeTombstones {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.applyEdgeTombstone(t); err != nil {
			return err
		}
	}

	for _, id := range a.deletedNodes {
		if err := a.cascade(id); err != nil {
			return err
		}
	}

	for _, rec := range a.res.Conflicts {
		if err := a.tx.AppendConflict(rec); err != nil {
			return err
		}
	}

	state, err := a.tx.SyncState(a.key)
	if err != nil {
		return err
	}
	merged := payloadClock(a.payload)
	if state != nil {
		merged = state.Clock.Merge(merged)
	}

	counter := max(a.counter, a.stamp, merged.Get(a.e.cfg.InstanceID))
	if counter != a.counter {
		if err := a.e.putCounter(a.tx, a.session(), counter); err != nil {
			return err
		}
	}
	if err := a.tx.PutSyncState(a.key, &syncstore.SyncState{
		Clock:        merged,
		LastSyncAt:   a.now,
		LastSyncType: string(a.payload.SyncType),
	}); err != nil {
		return err
	}

	knowledge := merged.Clone()
	if counter > 0 {
		knowledge = merged.Merge(vclock.VectorClock{a.e.cfg.InstanceID: counter})
	}
	a.res.Ack = &protocol.SyncAck{
		SessionID:        a.payload.SessionID,
		GraphName:        a.payload.GraphName,
		ReceiverInstance: a.e.cfg.InstanceID,
		ReceiverClock:    knowledge,
		ReceivedCount:    a.payload.EntityCount(),
		AppliedCount:     a.res.Processed(),
		ConflictCount:    len(a.res.Conflicts),
		RejectedCount:    a.res.Rejected,
	}
	return ctx.Err()
}

func (a *applier) count(s step) {
	switch s {
	case stepInsert:
		a.res.Inserted++
	case stepAccept:
		a.res.Accepted++
	case stepDiscard:
		a.res.Discarded++
	case stepNoop:
		a.res.Noops++
	case stepResolve:
		a.res.Resolved++
	}
}

func (a *applier) localNode(id uint64) (*changelog.SyncedNode, bool, error) {
	n, err := a.tx.GetNode(a.session(), id)
	if syncstore.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func (a *applier) localEdge(id uint64) (*changelog.SyncedEdge, bool, error) {
	edge, err := a.tx.GetEdge(a.session(), id)
	if syncstore.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return edge, true, nil
}

func (a *applier) applyNode(remote *changelog.SyncedNode) error {
	local, exists, err := a.localNode(remote.ID)
	if err != nil {
		return err
	}
	var localClock vclock.VectorClock
	if exists {
		localClock = local.VectorClock
	}

	s := nextStep(exists, localClock, remote.VectorClock)
	if s == stepNoop && placeholderNode(local) && !placeholderNode(remote) {
		s = stepAccept
	}
	var result *changelog.SyncedNode
	switch s {
	case stepInsert:
		result = remote.Clone()
	case stepAccept:
		result = remote.Clone()
		result.SyncEnabled = local.SyncEnabled
	case stepResolve:
		result = a.resolveNode(local, remote)
	}
	if result != nil {
		if err := a.writeNode(result, local); err != nil {
			return err
		}
	}
	a.count(s)
	return nil
}

// placeholderNode reports whether n was stored from a bare tombstone. The
// same version arriving with content replaces it.
func placeholderNode(n *changelog.SyncedNode) bool {
	return n.IsDeleted && n.NodeType == "" && n.Label == "" && n.EmbeddingRef == "" && len(n.Properties) == 0
}

func placeholderEdge(e *changelog.SyncedEdge) bool {
	return e.IsDeleted && e.SourceID == 0 && e.TargetID == 0
}

func (a *applier) applyNodeTombstone(t changelog.Tombstone) error {
	local, exists, err := a.localNode(t.EntityID)
	if err != nil {
		return err
	}
	if !exists {
		placeholder := &changelog.SyncedNode{
			ID:          t.EntityID,
			SessionID:   t.SessionID,
			VectorClock: vclock.New(),
			SyncEnabled: true,
			CreatedAt:   t.DeletedAt,
		}
		placeholder.ApplyTombstone(t)
		if err := a.writeNode(placeholder, nil); err != nil {
			return err
		}
		a.count(stepInsert)
		return nil
	}

	s := nextStep(true, local.VectorClock, t.VectorClock)
	var result *changelog.SyncedNode
	switch s {
	case stepAccept:
		result = local.Clone()
		result.ApplyTombstone(t)
	case stepResolve:
		remote := local.Clone()
		remote.ApplyTombstone(t)
		result = a.resolveNode(local, remote)
	}
	if result != nil {
		if err := a.writeNode(result, local); err != nil {
			return err
		}
	}
	a.count(s)
	return nil
}

// resolveNode resolves concurrent versions. The local copy takes the
// remote's sync flag so both replicas resolve identical inputs; the local
// flag is restored on the result.
func (a *applier) resolveNode(local, remote *changelog.SyncedNode) *changelog.SyncedNode {
	l := local.Clone()
	l.SyncEnabled = remote.SyncEnabled
	res := a.e.resolver.ResolveNode(l, remote)
	a.addConflict(res.Record)
	res.Node.SyncEnabled = local.SyncEnabled
	return res.Node
}

func (a *applier) writeNode(n, prev *changelog.SyncedNode) error {
	if err := a.tx.PutNode(n); err != nil {
		return err
	}
	op := entryOp(prev != nil, n.IsDeleted)
	entry, err := changelog.NewNodeEntry(n, op, a.now)
	if err != nil {
		return err
	}
	if _, err := a.tx.AppendChangelog(entry); err != nil {
		return err
	}
	a.e.recordAppend(changelog.EntityNode, op)

	if n.IsDeleted && prev != nil && !prev.IsDeleted {
		a.deletedNodes = append(a.deletedNodes, n.ID)
	}
	return nil
}

// cascade deletes the live local edges of a node that sync deleted and the
// payload left dangling. The deletes are local mutations.
func (a *applier) cascade(nodeID uint64) error {
	edges, err := a.tx.ListEdges(a.session(), syncstore.ListFilter{})
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.SourceID != nodeID && edge.TargetID != nodeID {
			continue
		}
		if a.stamp == 0 {
			a.stamp = max(a.counter, a.payloadCounter()) + 1
		}
		deleted, err := syncstore.MarkEdgeDeleted(a.tx, a.session(), edge.ID, a.e.cfg.InstanceID, a.stamp, a.now)
		if err != nil {
			return err
		}
		if err := a.appendEdgeEntry(deleted, changelog.OpDelete); err != nil {
			return err
		}
	}
	return nil
}

// payloadCounter is the highest local mutation number the payload carries
func (a *applier) payloadCounter() uint64 {
	return payloadClock(a.payload).Get(a.e.cfg.InstanceID)
}

func (a *applier) applyEdge(remote *changelog.SyncedEdge) error {
	local, exists, err := a.localEdge(remote.ID)
	if err != nil {
		return err
	}
	var localClock vclock.VectorClock
	if exists {
		localClock = local.VectorClock
	}

	s := nextStep(exists, localClock, remote.VectorClock)
	if s == stepNoop && placeholderEdge(local) {
		s = stepAccept
	}
	var result *changelog.SyncedEdge
	var rec *conflict.Record
	switch s {
	case stepInsert:
		result = remote.Clone()
	case stepAccept:
		result = remote.Clone()
		result.SyncEnabled = local.SyncEnabled
	case stepResolve:
		result, rec = a.resolveEdge(local, remote)
	}
	if result == nil {
		a.count(s)
		return nil
	}
	return a.writeEdge(s, result, local, rec)
}

func (a *applier) applyEdgeTombstone(t changelog.Tombstone) error {
	local, exists, err := a.localEdge(t.EntityID)
	if err != nil {
		return err
	}
	if !exists {
		placeholder := &changelog.SyncedEdge{
			ID:          t.EntityID,
			SessionID:   t.SessionID,
			VectorClock: vclock.New(),
			SyncEnabled: true,
			CreatedAt:   t.DeletedAt,
		}
		placeholder.ApplyTombstone(t)
		return a.writeEdge(stepInsert, placeholder, nil, nil)
	}

	s := nextStep(true, local.VectorClock, t.VectorClock)
	var result *changelog.SyncedEdge
	var rec *conflict.Record
	switch s {
	case stepAccept:
		result = local.Clone()
		result.ApplyTombstone(t)
	case stepResolve:
		remote := local.Clone()
		remote.ApplyTombstone(t)
		result, rec = a.resolveEdge(local, remote)
	}
	if result == nil {
		a.count(s)
		return nil
	}
	return a.writeEdge(s, result, local, rec)
}

func (a *applier) resolveEdge(local, remote *changelog.SyncedEdge) (*changelog.SyncedEdge, *conflict.Record) {
	l := local.Clone()
	l.SyncEnabled = remote.SyncEnabled
	res := a.e.resolver.ResolveEdge(l, remote)
	res.Edge.SyncEnabled = local.SyncEnabled
	return res.Edge, res.Record
}

// writeEdge stores an edge version unless it would leave a live edge
// pointing at a missing or deleted node, in which case it is rejected.
func (a *applier) writeEdge(s step, edge, prev *changelog.SyncedEdge, rec *conflict.Record) error {
	if !edge.IsDeleted {
		ok, err := a.endpointsLive(edge)
		if err != nil {
			return err
		}
		if !ok {
			a.res.Rejected++
			a.e.logger.Debug("edge rejected, endpoint missing or deleted",
				logging.Session(a.session()),
				logging.Entity(edge.Ref()),
				logging.Uint64("source", edge.SourceID),
				logging.Uint64("target", edge.TargetID))
			return nil
		}
	}

	if err := a.tx.PutEdge(edge); err != nil {
		return err
	}
	if err := a.appendEdgeEntry(edge, entryOp(prev != nil, edge.IsDeleted)); err != nil {
		return err
	}
	a.addConflict(rec)
	a.count(s)
	return nil
}

func (a *applier) endpointsLive(edge *changelog.SyncedEdge) (bool, error) {
	for _, id := range []uint64{edge.SourceID, edge.TargetID} {
		n, exists, err := a.localNode(id)
		if err != nil {
			return false, err
		}
		if !exists || n.IsDeleted {
			return false, nil
		}
	}
	return true, nil
}

func (a *applier) appendEdgeEntry(edge *changelog.SyncedEdge, op changelog.Operation) error {
	entry, err := changelog.NewEdgeEntry(edge, op, a.now)
	if err != nil {
		return err
	}
	if _, err := a.tx.AppendChangelog(entry); err != nil {
		return err
	}
	a.e.recordAppend(changelog.EntityEdge, op)
	return nil
}

func (a *applier) addConflict(rec *conflict.Record) {
	if rec == nil {
		return
	}
	a.res.Conflicts = append(a.res.Conflicts, rec)
	if a.e.metrics != nil {
		a.e.metrics.RecordConflict(string(rec.Type), rec.Rule)
	}
	a.e.logger.Info("conflict resolved",
		logging.Session(rec.SessionID),
		logging.Entity(rec.Ref()),
		logging.String("type", string(rec.Type)),
		logging.String("winner", rec.Winner),
		logging.String("rule", rec.Rule))
}

func entryOp(existed, deleted bool) changelog.Operation {
	switch {
	case deleted:
		return changelog.OpDelete
	case existed:
		return changelog.OpUpdate
	default:
		return changelog.OpCreate
	}
}

func (e *Engine) recordAppend(entity changelog.EntityType, op changelog.Operation) {
	if e.metrics != nil {
		e.metrics.RecordChangelogAppend(string(entity), string(op))
	}
}

func (e *Engine) recordApply(p *protocol.GraphSyncPayload, res *ApplyResult, err error, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordSync(roleReceiver, string(p.SyncType), err, time.Since(start))
	e.metrics.RecordPayload(metrics.DirectionReceived, string(p.SyncType), p.EntityCount())
	if res == nil {
		return
	}
	for s, n := range map[step]int{
		stepInsert:  res.Inserted,
		stepAccept:  res.Accepted,
		stepDiscard: res.Discarded,
		stepNoop:    res.Noops,
		stepResolve: res.Resolved,
	} {
		e.metrics.RecordEntities("any", s.String(), n)
	}
	e.metrics.RecordEntities(string(changelog.EntityEdge), "rejected", res.Rejected)
	e.metrics.RecordSyncSuccess(p.GraphName, e.now())
}
