package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/validation"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// NodeSpec describes a node to create. A zero ID allocates the next free one.
type NodeSpec struct {
	ID           uint64
	NodeType     string
	Label        string
	Properties   changelog.Properties
	EmbeddingRef string
}

// NodeUpdate changes a node. Nil fields are left as they are.
type NodeUpdate struct {
	NodeType         *string
	Label            *string
	EmbeddingRef     *string
	SetProperties    changelog.Properties
	RemoveProperties []string
}

// EdgeSpec describes an edge to create. A zero ID allocates the next free one.
type EdgeSpec struct {
	ID         uint64
	SourceID   uint64
	TargetID   uint64
	EdgeType   string
	Predicate  string
	Properties changelog.Properties
	Weight     float64
}

// EdgeUpdate changes an edge. Nil fields are left as they are.
type EdgeUpdate struct {
	EdgeType         *string
	Predicate        *string
	Weight           *float64
	SetProperties    changelog.Properties
	RemoveProperties []string
}

// mutate runs one local mutation in its own transaction
func (e *Engine) mutate(ctx context.Context, session string, entity changelog.EntityType, op changelog.Operation, fn func(tx syncstore.Tx, now time.Time) error) error {
	if err := checkSession(session); err != nil {
		return err
	}
	err := storeErr(e.store.Update(ctx, func(tx syncstore.Tx) error {
		return fn(tx, e.now())
	}))
	if err != nil {
		e.logger.Warn("local mutation failed",
			logging.Session(session),
			logging.String("entity", string(entity)),
			logging.String("operation", string(op)),
			logging.Error(err))
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordLocalMutation(string(entity), string(op))
	}
	return nil
}

func (e *Engine) appendNode(tx syncstore.Tx, n *changelog.SyncedNode, op changelog.Operation, now time.Time) error {
	if err := tx.PutNode(n); err != nil {
		return err
	}
	entry, err := changelog.NewNodeEntry(n, op, now)
	if err != nil {
		return err
	}
	_, err = tx.AppendChangelog(entry)
	return err
}

func (e *Engine) appendEdge(tx syncstore.Tx, edge *changelog.SyncedEdge, op changelog.Operation, now time.Time) error {
	if err := tx.PutEdge(edge); err != nil {
		return err
	}
	entry, err := changelog.NewEdgeEntry(edge, op, now)
	if err != nil {
		return err
	}
	_, err = tx.AppendChangelog(entry)
	return err
}

// CreateNode adds a node to a session
func (e *Engine) CreateNode(ctx context.Context, session string, spec NodeSpec) (*changelog.SyncedNode, error) {
	if err := validateProperties(spec.Properties); err != nil {
		return nil, err
	}
	var created *changelog.SyncedNode
	err := e.mutate(ctx, session, changelog.EntityNode, changelog.OpCreate, func(tx syncstore.Tx, now time.Time) error {
		id, err := e.allocate(tx, spec.ID, changelog.EntityNode, session)
		if err != nil {
			return err
		}
		c, err := e.nextCounter(tx, session)
		if err != nil {
			return err
		}
		n := changelog.NewNode(session, id, spec.NodeType, spec.Label, spec.Properties.Clone(), e.cfg.InstanceID, now)
		n.EmbeddingRef = spec.EmbeddingRef
		n.VectorClock = vclock.VectorClock{e.cfg.InstanceID: c}
		if err := e.appendNode(tx, n, changelog.OpCreate, now); err != nil {
			return err
		}
		created = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateNode changes a live node
func (e *Engine) UpdateNode(ctx context.Context, session string, id uint64, upd NodeUpdate) (*changelog.SyncedNode, error) {
	if err := validateProperties(upd.SetProperties); err != nil {
		return nil, err
	}
	var updated *changelog.SyncedNode
	err := e.mutate(ctx, session, changelog.EntityNode, changelog.OpUpdate, func(tx syncstore.Tx, now time.Time) error {
		n, err := tx.GetNode(session, id)
		if err != nil {
			return err
		}
		if n.IsDeleted {
			return fmt.Errorf("%w: %s", ErrEntityDeleted, n.Ref())
		}
		c, err := e.nextCounter(tx, session)
		if err != nil {
			return err
		}

		if upd.NodeType != nil {
			n.NodeType = *upd.NodeType
		}
		if upd.Label != nil {
			n.Label = *upd.Label
		}
		if upd.EmbeddingRef != nil {
			n.EmbeddingRef = *upd.EmbeddingRef
		}
		n.Properties = patchProperties(n.Properties, upd.SetProperties, upd.RemoveProperties)
		n.Stamp(e.cfg.InstanceID, c, now)

		if err := e.appendNode(tx, n, changelog.OpUpdate, now); err != nil {
			return err
		}
		updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteNode tombstones a node and its live edges. Deleting a deleted node
// is a no-op.
func (e *Engine) DeleteNode(ctx context.Context, session string, id uint64) error {
	return e.mutate(ctx, session, changelog.EntityNode, changelog.OpDelete, func(tx syncstore.Tx, now time.Time) error {
		n, err := tx.GetNode(session, id)
		if err != nil {
			return err
		}
		if n.IsDeleted {
			return nil
		}
		c, err := e.nextCounter(tx, session)
		if err != nil {
			return err
		}

		edges, err := tx.ListEdges(session, syncstore.ListFilter{})
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if edge.SourceID != id && edge.TargetID != id {
				continue
			}
			edge.IsDeleted = true
			edge.Stamp(e.cfg.InstanceID, c, now)
			if err := e.appendEdge(tx, edge, changelog.OpDelete, now); err != nil {
				return err
			}
		}

		deleted, err := syncstore.MarkNodeDeleted(tx, session, id, e.cfg.InstanceID, c, now)
		if err != nil {
			return err
		}
		entry, err := changelog.NewNodeEntry(deleted, changelog.OpDelete, now)
		if err != nil {
			return err
		}
		_, err = tx.AppendChangelog(entry)
		return err
	})
}

// CreateEdge connects two live nodes
func (e *Engine) CreateEdge(ctx context.Context, session string, spec EdgeSpec) (*changelog.SyncedEdge, error) {
	if err := validateProperties(spec.Properties); err != nil {
		return nil, err
	}
	var created *changelog.SyncedEdge
	err := e.mutate(ctx, session, changelog.EntityEdge, changelog.OpCreate, func(tx syncstore.Tx, now time.Time) error {
		for _, nodeID := range []uint64{spec.SourceID, spec.TargetID} {
			n, err := tx.GetNode(session, nodeID)
			if syncstore.IsNotFound(err) {
				return fmt.Errorf("%w: node %d does not exist", ErrDanglingEdge, nodeID)
			}
			if err != nil {
				return err
			}
			if n.IsDeleted {
				return fmt.Errorf("%w: node %d is deleted", ErrDanglingEdge, nodeID)
			}
		}

		id, err := e.allocate(tx, spec.ID, changelog.EntityEdge, session)
		if err != nil {
			return err
		}
		c, err := e.nextCounter(tx, session)
		if err != nil {
			return err
		}
		edge := changelog.NewEdge(session, id, spec.SourceID, spec.TargetID, spec.EdgeType, spec.Predicate,
			spec.Properties.Clone(), spec.Weight, e.cfg.InstanceID, now)
		edge.VectorClock = vclock.VectorClock{e.cfg.InstanceID: c}
		if err := e.appendEdge(tx, edge, changelog.OpCreate, now); err != nil {
			return err
		}
		created = edge
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateEdge changes a live edge
func (e *Engine) UpdateEdge(ctx context.Context, session string, id uint64, upd EdgeUpdate) (*changelog.SyncedEdge, error) {
	if err := validateProperties(upd.SetProperties); err != nil {
		return nil, err
	}
	var updated *changelog.SyncedEdge
	err := e.mutate(ctx, session, changelog.EntityEdge, changelog.OpUpdate, func(tx syncstore.Tx, now time.Time) error {
		edge, err := tx.GetEdge(session, id)
		if err != nil {
			return err
		}
		if edge.IsDeleted {
			return fmt.Errorf("%w: %s", ErrEntityDeleted, edge.Ref())
		}
		c, err := e.nextCounter(tx, session)
		if err != nil {
			return err
		}

		if upd.EdgeType != nil {
			edge.EdgeType = *upd.EdgeType
		}
		if upd.Predicate != nil {
			edge.Predicate = *upd.Predicate
		}
		if upd.Weight != nil {
			edge.Weight = *upd.Weight
		}
		edge.Properties = patchProperties(edge.Properties, upd.SetProperties, upd.RemoveProperties)
		edge.Stamp(e.cfg.InstanceID, c, now)

		if err := e.appendEdge(tx, edge, changelog.OpUpdate, now); err != nil {
			return err
		}
		updated = edge
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteEdge tombstones an edge. Deleting a deleted edge is a no-op.
func (e *Engine) DeleteEdge(ctx context.Context, session string, id uint64) error {
	return e.mutate(ctx, session, changelog.EntityEdge, changelog.OpDelete, func(tx syncstore.Tx, now time.Time) error {
		edge, err := tx.GetEdge(session, id)
		if err != nil {
			return err
		}
		if edge.IsDeleted {
			return nil
		}
		c, err := e.nextCounter(tx, session)
		if err != nil {
			return err
		}
		deleted, err := syncstore.MarkEdgeDeleted(tx, session, id, e.cfg.InstanceID, c, now)
		if err != nil {
			return err
		}
		entry, err := changelog.NewEdgeEntry(deleted, changelog.OpDelete, now)
		if err != nil {
			return err
		}
		_, err = tx.AppendChangelog(entry)
		return err
	})
}

// SetNodeSyncEnabled includes or excludes a node from sync. The flag is
// local: it is not replicated and does not change the node's clock.
func (e *Engine) SetNodeSyncEnabled(ctx context.Context, session string, id uint64, enabled bool) error {
	if err := checkSession(session); err != nil {
		return err
	}
	return storeErr(e.store.Update(ctx, func(tx syncstore.Tx) error {
		return syncstore.UpdateNodeSync(tx, session, id, enabled)
	}))
}

// SetEdgeSyncEnabled includes or excludes an edge from sync
func (e *Engine) SetEdgeSyncEnabled(ctx context.Context, session string, id uint64, enabled bool) error {
	if err := checkSession(session); err != nil {
		return err
	}
	return storeErr(e.store.Update(ctx, func(tx syncstore.Tx) error {
		return syncstore.UpdateEdgeSync(tx, session, id, enabled)
	}))
}

// Node reads a node, deleted or not
func (e *Engine) Node(ctx context.Context, session string, id uint64) (*changelog.SyncedNode, error) {
	var n *changelog.SyncedNode
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		n, err = tx.GetNode(session, id)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return n, nil
}

// Edge reads an edge, deleted or not
func (e *Engine) Edge(ctx context.Context, session string, id uint64) (*changelog.SyncedEdge, error) {
	var edge *changelog.SyncedEdge
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		edge, err = tx.GetEdge(session, id)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return edge, nil
}

// Nodes lists a session's nodes
func (e *Engine) Nodes(ctx context.Context, session string, includeDeleted bool) ([]*changelog.SyncedNode, error) {
	var nodes []*changelog.SyncedNode
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		nodes, err = tx.ListNodes(session, syncstore.ListFilter{IncludeDeleted: includeDeleted})
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return nodes, nil
}

// Edges lists a session's edges
func (e *Engine) Edges(ctx context.Context, session string, includeDeleted bool) ([]*changelog.SyncedEdge, error) {
	var edges []*changelog.SyncedEdge
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		edges, err = tx.ListEdges(session, syncstore.ListFilter{IncludeDeleted: includeDeleted})
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return edges, nil
}

// allocate returns id if it is free, or the next free id when id is zero
func (e *Engine) allocate(tx syncstore.Tx, id uint64, entity changelog.EntityType, session string) (uint64, error) {
	if id == 0 {
		if entity == changelog.EntityNode {
			return tx.NextNodeID(session)
		}
		return tx.NextEdgeID(session)
	}

	var err error
	if entity == changelog.EntityNode {
		_, err = tx.GetNode(session, id)
	} else {
		_, err = tx.GetEdge(session, id)
	}
	switch {
	case err == nil:
		return 0, fmt.Errorf("%w: %s", ErrEntityExists, changelog.EntityRef{Type: entity, ID: id})
	case syncstore.IsNotFound(err):
		return id, nil
	default:
		return 0, err
	}
}

func validateProperties(props changelog.Properties) error {
	for k := range props {
		if err := validation.ValidatePropertyKey(k); err != nil {
			return err
		}
	}
	return nil
}

func patchProperties(props, set changelog.Properties, remove []string) changelog.Properties {
	out := props.Clone()
	for _, k := range remove {
		delete(out, k)
	}
	for k, v := range set {
		out[k] = v.Clone()
	}
	return out
}
