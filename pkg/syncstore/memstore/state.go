package memstore

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// state is the whole store. It is only touched under Store.mu.
type state struct {
	nodes       map[string]map[uint64]*changelog.SyncedNode
	edges       map[string]map[uint64]*changelog.SyncedEdge
	maxNodeID   map[string]uint64
	maxEdgeID   map[string]uint64
	log         map[string][]*changelog.Entry
	watermarks  map[string]vclock.VectorClock
	syncStates  map[syncstore.StateKey]*syncstore.SyncState
	conflicts   map[string][]*conflict.Record
	conflictIDs map[uuid.UUID]struct{}
	seq         uint64
}

func newState() *state {
	return &state{
		nodes:       make(map[string]map[uint64]*changelog.SyncedNode),
		edges:       make(map[string]map[uint64]*changelog.SyncedEdge),
		maxNodeID:   make(map[string]uint64),
		maxEdgeID:   make(map[string]uint64),
		log:         make(map[string][]*changelog.Entry),
		watermarks:  make(map[string]vclock.VectorClock),
		syncStates:  make(map[syncstore.StateKey]*syncstore.SyncState),
		conflicts:   make(map[string][]*conflict.Record),
		conflictIDs: make(map[uuid.UUID]struct{}),
	}
}

type opKind string

const (
	opPutNode        opKind = "put_node"
	opPutEdge        opKind = "put_edge"
	opAppendEntry    opKind = "append_entry"
	opPrune          opKind = "prune"
	opPutSyncState   opKind = "put_sync_state"
	opAppendConflict opKind = "append_conflict"
)

// op is one redo record. A committed transaction is logged as the list of
// its ops; replaying them in order reproduces the transaction.
type op struct {
	Kind     opKind                `json:"kind"`
	Node     *changelog.SyncedNode `json:"node,omitempty"`
	Edge     *changelog.SyncedEdge `json:"edge,omitempty"`
	Entry    *changelog.Entry      `json:"entry,omitempty"`
	Key      *syncstore.StateKey   `json:"key,omitempty"`
	State    *syncstore.SyncState  `json:"state,omitempty"`
	Conflict *conflict.Record      `json:"conflict,omitempty"`
	Session  string                `json:"session,omitempty"`
	Before   int64                 `json:"before,omitempty"`
}

// apply executes o against the state and returns a function that undoes it.
// o must already own its records.
func (s *state) apply(o *op) func() {
	switch o.Kind {
	case opPutNode:
		return s.putNode(o.Node)
	case opPutEdge:
		return s.putEdge(o.Edge)
	case opAppendEntry:
		return s.appendEntry(o.Entry)
	case opPrune:
		undo, _ := s.prune(o.Session, time.Unix(0, o.Before))
		return undo
	case opPutSyncState:
		return s.putSyncState(*o.Key, o.State)
	case opAppendConflict:
		return s.appendConflict(o.Conflict)
	}
	return func() {}
}

func (s *state) putNode(n *changelog.SyncedNode) func() {
	bySession, ok := s.nodes[n.SessionID]
	if !ok {
		bySession = make(map[uint64]*changelog.SyncedNode)
		s.nodes[n.SessionID] = bySession
	}
	prev, existed := bySession[n.ID]
	bySession[n.ID] = n
	if n.ID > s.maxNodeID[n.SessionID] {
		s.maxNodeID[n.SessionID] = n.ID
	}
	return func() {
		if existed {
			bySession[n.ID] = prev
		} else {
			delete(bySession, n.ID)
		}
	}
}

func (s *state) putEdge(e *changelog.SyncedEdge) func() {
	bySession, ok := s.edges[e.SessionID]
	if !ok {
		bySession = make(map[uint64]*changelog.SyncedEdge)
		s.edges[e.SessionID] = bySession
	}
	prev, existed := bySession[e.ID]
	bySession[e.ID] = e
	if e.ID > s.maxEdgeID[e.SessionID] {
		s.maxEdgeID[e.SessionID] = e.ID
	}
	return func() {
		if existed {
			bySession[e.ID] = prev
		} else {
			delete(bySession, e.ID)
		}
	}
}

func (s *state) appendEntry(e *changelog.Entry) func() {
	prevSeq := s.seq
	if e.Seq == 0 {
		e.Seq = s.seq + 1
	}
	if e.Seq > s.seq {
		s.seq = e.Seq
	}
	prevLen := len(s.log[e.SessionID])
	s.log[e.SessionID] = append(s.log[e.SessionID], e)
	return func() {
		s.seq = prevSeq
		s.log[e.SessionID] = s.log[e.SessionID][:prevLen]
	}
}

func (s *state) prune(session string, before time.Time) (func(), int) {
	entries := s.log[session]
	prevWatermark, hadWatermark := s.watermarks[session]

	kept := make([]*changelog.Entry, 0, len(entries))
	watermark := prevWatermark
	pruned := 0
	for _, e := range entries {
		if e.CreatedAt.Before(before) {
			watermark = watermark.Merge(e.VectorClock)
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	if pruned == 0 {
		return func() {}, 0
	}

	s.log[session] = kept
	s.watermarks[session] = watermark
	return func() {
		s.log[session] = entries
		if hadWatermark {
			s.watermarks[session] = prevWatermark
		} else {
			delete(s.watermarks, session)
		}
	}, pruned
}

func (s *state) putSyncState(key syncstore.StateKey, st *syncstore.SyncState) func() {
	prev, existed := s.syncStates[key]
	s.syncStates[key] = st
	return func() {
		if existed {
			s.syncStates[key] = prev
		} else {
			delete(s.syncStates, key)
		}
	}
}

func (s *state) appendConflict(r *conflict.Record) func() {
	if _, dup := s.conflictIDs[r.ID]; dup {
		return func() {}
	}
	prevLen := len(s.conflicts[r.SessionID])
	s.conflicts[r.SessionID] = append(s.conflicts[r.SessionID], r)
	s.conflictIDs[r.ID] = struct{}{}
	return func() {
		s.conflicts[r.SessionID] = s.conflicts[r.SessionID][:prevLen]
		delete(s.conflictIDs, r.ID)
	}
}

func sortedIDs[T any](m map[uint64]T) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
