package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

var testNow = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

func samplePayload() *GraphSyncPayload {
	p := NewPayload(SyncIncremental, "session-1", "kg", "A")
	p.Nodes = append(p.Nodes,
		changelog.NewNode("session-1", 1, "person", "Ada", changelog.Properties{"age": changelog.IntValue(36)}, "A", testNow),
		changelog.NewNode("session-1", 2, "person", "Alan", nil, "A", testNow),
	)
	p.Edges = append(p.Edges, changelog.NewEdge("session-1", 1, 1, 2, "knows", "colleague", nil, 1, "A", testNow))

	gone := changelog.NewNode("session-1", 3, "person", "Gone", nil, "B", testNow)
	gone.MarkDeleted("B", testNow)
	p.Tombstones = append(p.Tombstones, gone.Tombstone())
	p.SenderClock = vclock.VectorClock{"A": 3, "B": 2}
	return p
}

func TestPayloadRoundTrip(t *testing.T) {
	p := samplePayload()

	msg, err := NewMessage(MsgSyncPayload, p)
	require.NoError(t, err)
	wire, err := Encode(msg)
	require.NoError(t, err)

	back, err := DecodeMessage(wire)
	require.NoError(t, err)
	assert.Equal(t, MsgSyncPayload, back.Type)

	var decoded GraphSyncPayload
	require.NoError(t, DecodeValid(back, &decoded))

	want, err := json.Marshal(p)
	require.NoError(t, err)
	got, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
	assert.Equal(t, 4, decoded.EntityCount())
	assert.True(t, decoded.SenderClock.Equal(p.SenderClock))
}

func TestLargeMessagesAreCompressed(t *testing.T) {
	p := NewPayload(SyncFull, "session-1", "kg", "A")
	for i := 1; i <= 200; i++ {
		p.Nodes = append(p.Nodes, changelog.NewNode("session-1", uint64(i), "doc",
			strings.Repeat("label ", 10), nil, "A", testNow))
	}

	msg, err := NewMessage(MsgSyncPayload, p)
	require.NoError(t, err)
	assert.True(t, msg.Compressed)

	var decoded GraphSyncPayload
	require.NoError(t, msg.Decode(&decoded))
	assert.Len(t, decoded.Nodes, 200)
}

func TestSmallMessagesAreNotCompressed(t *testing.T) {
	msg, err := NewMessage(MsgSyncFullRequest, SyncFullRequest{SessionID: "s1", GraphName: "kg"})
	require.NoError(t, err)
	assert.False(t, msg.Compressed)
	assert.Len(t, msg.Checksum, 32)
}

func TestChecksumMismatch(t *testing.T) {
	msg, err := NewMessage(MsgSyncFullRequest, SyncFullRequest{SessionID: "s1", GraphName: "kg"})
	require.NoError(t, err)
	msg.Data = []byte(`{"session_id":"s2","graph_name":"kg"}`)

	var req SyncFullRequest
	err = msg.Decode(&req)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeMessageErrors(t *testing.T) {
	_, err := DecodeMessage(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = DecodeMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestMalformedClockRejectsPayload(t *testing.T) {
	body := `{"sync_type":"full","session_id":"s1","graph_name":"kg","sender_instance":"A",
		"nodes":[{"id":1,"session_id":"s1","vector_clock":{"A":1}}],"edges":[],"tombstones":[],"sender_clock":[]}`
	msg := &Message{Type: MsgSyncPayload, Data: []byte(body)}

	var p GraphSyncPayload
	err := DecodeValid(msg, &p)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.ErrorIs(t, err, vclock.ErrMalformedClock)
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *GraphSyncPayload)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *GraphSyncPayload) {}},
		{name: "missing sender", mutate: func(p *GraphSyncPayload) { p.SenderInstance = "" }, wantErr: true},
		{name: "unknown sync type", mutate: func(p *GraphSyncPayload) { p.SyncType = "partial" }, wantErr: true},
		{name: "bad graph name", mutate: func(p *GraphSyncPayload) { p.GraphName = "a graph" }, wantErr: true},
		{name: "nil node", mutate: func(p *GraphSyncPayload) { p.Nodes = append(p.Nodes, nil) }, wantErr: true},
		{name: "node from another session", mutate: func(p *GraphSyncPayload) { p.Nodes[0].SessionID = "other" }, wantErr: true},
		{name: "edge with empty clock", mutate: func(p *GraphSyncPayload) { p.Edges[0].VectorClock = vclock.New() }, wantErr: true},
		{name: "edge without endpoints", mutate: func(p *GraphSyncPayload) { p.Edges[0].SourceID = 0 }, wantErr: true},
		{name: "tombstone with bad type", mutate: func(p *GraphSyncPayload) { p.Tombstones[0].EntityType = "vertex" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePayload()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSyncResponseValidate(t *testing.T) {
	resp := &SyncResponse{SyncType: SyncFull, Payload: samplePayload()}
	assert.ErrorIs(t, resp.Validate(), ErrMalformedPayload, "sync type mismatch")

	resp.SyncType = SyncIncremental
	assert.NoError(t, resp.Validate())

	resp.Payload = nil
	assert.Error(t, resp.Validate())
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, (&SyncFullRequest{SessionID: "s1", GraphName: "kg"}).Validate())
	assert.ErrorIs(t, (&SyncFullRequest{GraphName: "kg"}).Validate(), ErrMalformedRequest)

	since := testNow
	req := &SyncIncrementalRequest{SessionID: "s1", GraphName: "kg", SinceClock: vclock.VectorClock{"A": 1}, SinceTime: &since}
	require.NoError(t, req.Validate())

	msg, err := NewMessage(MsgSyncIncrementalRequest, req)
	require.NoError(t, err)
	var back SyncIncrementalRequest
	require.NoError(t, DecodeValid(msg, &back))
	require.NotNil(t, back.SinceTime)
	assert.True(t, back.SinceTime.Equal(since))
	assert.True(t, back.SinceClock.Equal(req.SinceClock))
}

func TestVerifyAck(t *testing.T) {
	p := samplePayload()
	ack := &SyncAck{
		SessionID:        "session-1",
		GraphName:        "kg",
		ReceiverInstance: "B",
		ReceivedCount:    4,
		AppliedCount:     4,
		RejectedCount:    1,
	}
	assert.NoError(t, VerifyAck(p, ack))

	short := *ack
	short.AppliedCount = 3
	assert.ErrorIs(t, VerifyAck(p, &short), ErrIncompleteSync)

	wrong := *ack
	wrong.GraphName = "other"
	assert.ErrorIs(t, VerifyAck(p, &wrong), ErrIncompleteSync)

	assert.ErrorIs(t, VerifyAck(p, nil), ErrIncompleteSync)
}

func TestErrorMessage(t *testing.T) {
	msg := NewErrorMessage("apply_failed", errors.New("disk full"))
	assert.Equal(t, MsgError, msg.Type)

	var body ErrorBody
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, "apply_failed", body.Code)
	assert.Equal(t, "disk full", body.Message)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "SyncAck", MsgSyncAck.String())
	assert.Equal(t, fmt.Sprintf("Unknown(%d)", 99), MessageType(99).String())
}

func TestAddEdgeSendsPlaceholdersAsTombstones(t *testing.T) {
	p := NewPayload(SyncFull, "session-1", "kg", "A")

	live := changelog.NewEdge("session-1", 1, 1, 2, "knows", "", nil, 1, "A", testNow)
	p.AddEdge(live)

	deleted := changelog.NewEdge("session-1", 2, 1, 2, "knows", "", nil, 1, "A", testNow)
	deleted.MarkDeleted("A", testNow)
	p.AddEdge(deleted)

	placeholder := &changelog.SyncedEdge{ID: 3, SessionID: "session-1", VectorClock: vclock.New()}
	placeholder.ApplyTombstone(changelog.Tombstone{
		EntityType:  changelog.EntityEdge,
		EntityID:    3,
		SessionID:   "session-1",
		VectorClock: vclock.VectorClock{"B": 2},
		DeletedBy:   "B",
	})
	p.AddEdge(placeholder)

	require.Len(t, p.Edges, 2)
	require.Len(t, p.Tombstones, 1)
	assert.Equal(t, uint64(3), p.Tombstones[0].EntityID)
	assert.True(t, p.Tombstones[0].VectorClock.Equal(vclock.VectorClock{"B": 2}))
	assert.NoError(t, p.Validate())
}
