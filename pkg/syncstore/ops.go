package syncstore

import (
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
)

// MarkNodeDeleted tombstones a node as local mutation number counter of
// instanceID and writes it back. A zero counter just bumps the owner's
// component. The returned node is the new state.
func MarkNodeDeleted(tx Tx, session string, id uint64, instanceID string, counter uint64, now time.Time) (*changelog.SyncedNode, error) {
	node, err := tx.GetNode(session, id)
	if err != nil {
		return nil, err
	}
	node.IsDeleted = true
	node.Stamp(instanceID, counter, now)
	if err := tx.PutNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

// MarkEdgeDeleted tombstones an edge as a local mutation by instanceID.
func MarkEdgeDeleted(tx Tx, session string, id uint64, instanceID string, counter uint64, now time.Time) (*changelog.SyncedEdge, error) {
	edge, err := tx.GetEdge(session, id)
	if err != nil {
		return nil, err
	}
	edge.IsDeleted = true
	edge.Stamp(instanceID, counter, now)
	if err := tx.PutEdge(edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// UpdateNodeSync flips a node's replication opt-in. The flag is local, so
// the clock is left alone.
func UpdateNodeSync(tx Tx, session string, id uint64, enabled bool) error {
	node, err := tx.GetNode(session, id)
	if err != nil {
		return err
	}
	if node.SyncEnabled == enabled {
		return nil
	}
	node.SyncEnabled = enabled
	return tx.PutNode(node)
}

// UpdateEdgeSync flips an edge's replication opt-in.
func UpdateEdgeSync(tx Tx, session string, id uint64, enabled bool) error {
	edge, err := tx.GetEdge(session, id)
	if err != nil {
		return err
	}
	if edge.SyncEnabled == enabled {
		return nil
	}
	edge.SyncEnabled = enabled
	return tx.PutEdge(edge)
}
