package cyphal

import (
	"testing"
	"time"

	"github.com/canshim/cyphal/alloc"
	"github.com/canshim/cyphal/transport"
)

func TestWireRoundTripRequestVote(t *testing.T) {
	req := alloc.RequestVoteRequest{Term: 7, CandidateID: 3, LastLogIndex: 12, LastLogTerm: 6}
	got := decodeRequestVoteRequest(encodeRequestVoteRequest(req))
	if got != req {
		t.Fatalf("RequestVoteRequest round trip: got %+v, want %+v", got, req)
	}

	resp := alloc.RequestVoteResponse{Term: 7, VoteGranted: true}
	if got := decodeRequestVoteResponse(encodeRequestVoteResponse(resp)); got != resp {
		t.Fatalf("RequestVoteResponse round trip: got %+v, want %+v", got, resp)
	}
}

func TestWireRoundTripAppendEntries(t *testing.T) {
	req := alloc.AppendEntriesRequest{
		Term:         4,
		LeaderID:     1,
		PrevLogIndex: 2,
		PrevLogTerm:  3,
		LeaderCommit: 2,
		Entries: []alloc.LogEntry{
			{Term: 4, UniqueID: alloc.NewUniqueID(), NodeID: 5},
			{Term: 4, UniqueID: alloc.NewUniqueID(), NodeID: 6},
		},
	}
	got := decodeAppendEntriesRequest(encodeAppendEntriesRequest(req))
	if got.Term != req.Term || got.LeaderID != req.LeaderID || got.PrevLogIndex != req.PrevLogIndex ||
		got.PrevLogTerm != req.PrevLogTerm || got.LeaderCommit != req.LeaderCommit || len(got.Entries) != len(req.Entries) {
		t.Fatalf("AppendEntriesRequest round trip mismatch: got %+v, want %+v", got, req)
	}
	for i := range req.Entries {
		if got.Entries[i] != req.Entries[i] {
			t.Fatalf("entry %d round trip mismatch: got %+v, want %+v", i, got.Entries[i], req.Entries[i])
		}
	}

	resp := alloc.AppendEntriesResponse{Term: 4, Success: false}
	if got := decodeAppendEntriesResponse(encodeAppendEntriesResponse(resp)); got != resp {
		t.Fatalf("AppendEntriesResponse round trip: got %+v, want %+v", got, resp)
	}
}

func TestWireAllocationRequestFitsSingleAnonymousFrame(t *testing.T) {
	payload := encodeAllocationRequest(true, []byte{1, 2, 3, 4, 5, 6})
	if len(payload) > transport.GuaranteedPayloadLenPerFrame {
		t.Fatalf("anonymous allocation request payload is %d bytes, exceeds the %d-byte single-frame cap",
			len(payload), transport.GuaranteedPayloadLenPerFrame)
	}
	got := decodeAllocationRequest(payload)
	if !got.FirstStage || got.Source != transport.NodeIDBroadcast || got.AssignedNodeID != transport.NodeIDInvalid {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

// relayBus fans every transmitted frame out to the leader Node and to a
// bare client-side Instance/Sender pair, playing the role of a shared CAN
// bus for a two-endpoint loopback test.
type relayBus struct {
	now           time.Time
	leader        *Node
	clientRx      *transport.Instance
	allocReplySub *transport.Sub
	replies       []alloc.Allocation
}

func (b *relayBus) Send(frame transport.CANFrame, deadline time.Time, flags transport.CanIOFlags) error {
	b.leader.HandleFrame(b.now, frame)

	if b.clientRx == nil {
		return nil // no client subscriber set up yet
	}

	var out transport.Transfer
	sub, complete, err := b.clientRx.Accept(b.now, &frame, &out)
	if err != nil || !complete || sub != b.allocReplySub {
		return nil
	}
	if out.Metadata.Remote == transport.NodeIDInvalid {
		return nil // the client's own request, echoed back on the same bus
	}
	b.replies = append(b.replies, decodeAllocationReply(out.Payload, out.Metadata.Remote))
	return nil
}

// TestNodeAllocationHandshakeEndToEnd drives a full anonymous allocation
// handshake through Node's wire encoding rather than calling alloc.Server
// directly: an anonymous client sends three Allocation stages over a shared
// FrameSink, and a solo-cluster leader Node echoes and eventually commits an
// assignment, exactly as a real two-ECU bus exchange would look.
func TestNodeAllocationHandshakeEndToEnd(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig(1, 1)
	bus := &relayBus{now: now}

	leader, err := NewNode(cfg, bus, alloc.NewMemStorage())
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	bus.leader = leader
	leader.Init(now)

	later := now.Add(time.Second)
	bus.now = later
	leader.Tick(later)
	if leader.Raft().State() != alloc.StateLeader {
		t.Fatalf("solo cluster did not elect itself leader: state=%v", leader.Raft().State())
	}

	clientRx := transport.NewInstance(cfg.Transport)
	clientRx.NodeID = transport.NodeIDInvalid
	var sub transport.Sub
	if err := clientRx.Subscribe(transport.KindMessageBroadcast, PortAllocation, extentAllocation, tidTimeoutDefault, 0, &sub); err != nil {
		t.Fatalf("client subscribe: %v", err)
	}
	bus.clientRx = clientRx
	bus.allocReplySub = &sub

	clientTx := transport.NewSender(cfg.Transport, bus)
	id := alloc.NewUniqueID()
	stages := [][]byte{id[0:6], id[6:12], id[12:16]}

	for i, fragment := range stages {
		payload := encodeAllocationRequest(i == 0, fragment)
		if _, err := clientTx.SendAuto(transport.NodeIDInvalid, PortAllocation, transport.KindMessageBroadcast,
			transport.NodeIDBroadcast, transport.DefaultPriority(cfg.Transport), payload, later, later.Add(time.Second)); err != nil {
			t.Fatalf("stage %d send: %v", i, err)
		}
	}

	if len(bus.replies) != 1 {
		t.Fatalf("expected exactly the first-stage echo before the commit is polled, got %d replies", len(bus.replies))
	}

	// The provisional commit only completes once the host polls the tick
	// loop again, same as alloc.Server.Poll in isolation.
	leader.Tick(later)

	if len(bus.replies) != 2 {
		t.Fatalf("expected the final assignment after Tick, got %d replies", len(bus.replies))
	}
	final := bus.replies[len(bus.replies)-1]
	if final.AssignedNodeID == transport.NodeIDInvalid {
		t.Fatal("final allocation reply never carried an assigned node ID")
	}

	entry, ok := leader.Raft().Log().GetEntryAtIndex(1)
	if !ok || entry.UniqueID != id || entry.NodeID != final.AssignedNodeID {
		t.Fatalf("committed log entry does not match the handshake: entry=%+v id=%v assigned=%v", entry, id, final.AssignedNodeID)
	}
}
