package alloc

import "github.com/canshim/cyphal/transport"

// Discovery is broadcast periodically by every cluster member, advertising the
// set of server node IDs it currently knows about. Peers union what they
// receive into their own known-servers set.
type Discovery struct {
	KnownNodes []transport.NodeID
}

// RequestVoteRequest/Response and AppendEntriesRequest/Response are the two
// Raft RPCs, carried as Cyphal service requests/responses. A response is matched
// to its request by the responding peer's node ID only; transfer IDs are not
// used to pair them.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  transport.NodeID
	LastLogIndex int
	LastLogTerm  uint64
}

type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     transport.NodeID
	PrevLogIndex int
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit int
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
}

// Allocation is the anonymous broadcast used during the node-ID handshake.
// FirstStage marks the initial 6-byte fragment; UniqueIDFragment carries the
// next unclaimed bytes of the requester's 128-bit unique ID. A server replying
// as leader sets Source to its own node ID, and AssignedNodeID to the committed
// assignment (NodeIDInvalid in the first-stage echo).
type Allocation struct {
	FirstStage       bool
	UniqueIDFragment []byte           // up to 6 bytes
	AssignedNodeID   transport.NodeID // NodeIDInvalid until the leader commits an assignment
	Source           transport.NodeID // NodeIDBroadcast for an anonymous requester
}

// Transport is the RPC/pub-sub surface RaftCore and the allocation server need
// from the host. Implementations correlate requests to responses (Cyphal
// service transfers) and deliver responses back via the RaftCore Handle*
// methods; this package never touches transport.Sender/Instance directly, in
// keeping with the callback-binding design note.
type Transport interface {
	SendRequestVote(to transport.NodeID, req RequestVoteRequest)
	SendRequestVoteResponse(to transport.NodeID, resp RequestVoteResponse)
	SendAppendEntries(to transport.NodeID, req AppendEntriesRequest)
	SendAppendEntriesResponse(to transport.NodeID, resp AppendEntriesResponse)
	PublishDiscovery(d Discovery)
	PublishAllocation(a Allocation)
}
