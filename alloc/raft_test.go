package alloc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canshim/cyphal/transport"
)

// router wires three RaftCore instances together synchronously, playing the
// role of the CAN bus + dispatcher: a message sent by one node is delivered
// to its peer's Handle method immediately, and the peer's reply is delivered
// back to the sender before Send* returns. This keeps the test deterministic
// without a real transport.
type router struct {
	nodes map[transport.NodeID]*RaftCore
	now   time.Time
}

func (r *router) SendRequestVote(self transport.NodeID) func(to transport.NodeID, req RequestVoteRequest) {
	return func(to transport.NodeID, req RequestVoteRequest) {
		peer, ok := r.nodes[to]
		if !ok {
			return
		}
		resp := peer.HandleRequestVote(r.now, req)
		r.nodes[self].HandleRequestVoteResponse(r.now, to, resp)
	}
}

func (r *router) SendAppendEntries(self transport.NodeID) func(to transport.NodeID, req AppendEntriesRequest) {
	return func(to transport.NodeID, req AppendEntriesRequest) {
		peer, ok := r.nodes[to]
		if !ok {
			return
		}
		resp := peer.HandleAppendEntries(r.now, req)
		r.nodes[self].HandleAppendEntriesResponse(r.now, to, resp)
	}
}

// nodeBus adapts a router + fixed sender identity to the Transport interface.
type nodeBus struct {
	self transport.NodeID
	r    *router
}

func (b nodeBus) SendRequestVote(to transport.NodeID, req RequestVoteRequest) {
	b.r.SendRequestVote(b.self)(to, req)
}
func (b nodeBus) SendRequestVoteResponse(to transport.NodeID, resp RequestVoteResponse) {}
func (b nodeBus) SendAppendEntries(to transport.NodeID, req AppendEntriesRequest) {
	b.r.SendAppendEntries(b.self)(to, req)
}
func (b nodeBus) SendAppendEntriesResponse(to transport.NodeID, resp AppendEntriesResponse) {}
func (b nodeBus) PublishDiscovery(d Discovery)                                              {}
func (b nodeBus) PublishAllocation(a Allocation)                                             {}

func newThreeNodeCluster(t *testing.T, now time.Time) (*router, map[transport.NodeID]*RaftCore) {
	t.Helper()
	r := &router{nodes: make(map[transport.NodeID]*RaftCore), now: now}
	ids := []transport.NodeID{1, 2, 3}
	for _, id := range ids {
		cfg := transport.DefaultConfig()
		cluster := NewClusterManager(NewMarshallingStorage(NewMemStorage()), id)
		assert.True(t, cluster.Init(3))
		var peers []transport.NodeID
		for _, other := range ids {
			peers = append(peers, other)
		}
		cluster.OnDiscovery(Discovery{KnownNodes: peers})

		persistent := NewPersistentState(NewMarshallingStorage(NewMemStorage()), cfg)
		persistent.Init()
		core := NewRaftCore(id, persistent, cluster, nodeBus{self: id, r: r}, 50*time.Millisecond, 10*time.Millisecond)
		core.Init(now)
		r.nodes[id] = core
	}
	return r, r.nodes
}

// Scenario 4: three-node cluster starts all Followers. After election timeout
// on node A, A becomes Candidate, polls B and C, receives two grants, becomes
// Leader. A subsequent RequestVote to B for the same term is rejected.
func TestRaftElectionSafetyScenario(t *testing.T) {
	now := time.Now()
	_, nodes := newThreeNodeCluster(t, now)
	for _, n := range nodes {
		assert.Equal(t, StateFollower, n.State())
	}

	// Force node 1 to time out first by advancing past its election deadline.
	later := now.Add(time.Second)
	nodes[1].activeMode = true
	nodes[1].Tick(later)

	assert.Equal(t, StateLeader, nodes[1].State())
	assert.Equal(t, StateFollower, nodes[2].State())
	assert.Equal(t, StateFollower, nodes[3].State())

	// Node 2 already voted for node 1 this term: a repeat request from node 1
	// is granted again, while a request from node 3 for the same term is rejected.
	resp := nodes[2].HandleRequestVote(later, RequestVoteRequest{
		Term:         nodes[1].persistent.CurrentTerm(),
		CandidateID:  1,
		LastLogIndex: 0,
	})
	assert.True(t, resp.VoteGranted) // same candidate, same term: re-granting is idempotent

	resp2 := nodes[2].HandleRequestVote(later, RequestVoteRequest{
		Term:         nodes[1].persistent.CurrentTerm(),
		CandidateID:  3,
		LastLogIndex: 0,
	})
	assert.False(t, resp2.VoteGranted) // already voted for 1 this term
}

func TestRaftNoTwoLeadersSameTerm(t *testing.T) {
	now := time.Now()
	_, nodes := newThreeNodeCluster(t, now)
	nodes[1].activeMode = true
	nodes[1].Tick(now.Add(time.Second))
	assert.Equal(t, StateLeader, nodes[1].State())

	term := nodes[1].persistent.CurrentTerm()
	leaders := 0
	for _, n := range nodes {
		if n.State() == StateLeader && n.persistent.CurrentTerm() == term {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestRaftAppendEntriesStepsDownHigherTerm(t *testing.T) {
	now := time.Now()
	_, nodes := newThreeNodeCluster(t, now)
	nodes[1].activeMode = true
	nodes[1].Tick(now.Add(time.Second))
	assert.Equal(t, StateLeader, nodes[1].State())

	resp := nodes[1].HandleAppendEntries(now.Add(2*time.Second), AppendEntriesRequest{
		Term:     nodes[1].persistent.CurrentTerm() + 1,
		LeaderID: 2,
	})
	assert.True(t, resp.Success)
	assert.Equal(t, StateFollower, nodes[1].State())
}

func TestRaftCommitIndexAdvancesOnQuorum(t *testing.T) {
	now := time.Now()
	_, nodes := newThreeNodeCluster(t, now)
	nodes[1].activeMode = true
	nodes[1].Tick(now.Add(time.Second)) // node 1 becomes leader

	index, ok := nodes[1].AppendLocal(LogEntry{UniqueID: NewUniqueID(), NodeID: 5})
	assert.True(t, ok)
	assert.Equal(t, 0, nodes[1].CommitIndex()) // not yet replicated

	nodes[1].Tick(now.Add(time.Second + 20*time.Millisecond)) // heartbeat replicates the entry
	assert.Equal(t, index, nodes[1].CommitIndex())
}

func TestTraverseLogFromEndUntilSkipsSentinelAndFindsMostRecent(t *testing.T) {
	now := time.Now()
	_, nodes := newThreeNodeCluster(t, now)
	nodes[1].activeMode = true
	nodes[1].Tick(now.Add(time.Second))

	id := NewUniqueID()
	nodes[1].AppendLocal(LogEntry{UniqueID: id, NodeID: 9})
	nodes[1].AppendLocal(LogEntry{UniqueID: id, NodeID: 10}) // re-allocation under the same id

	index, entry, found := nodes[1].TraverseLogFromEndUntil(func(_ int, e LogEntry) bool {
		return e.UniqueID == id
	})
	assert.True(t, found)
	assert.Equal(t, 2, index)
	assert.Equal(t, transport.NodeID(10), entry.NodeID) // most recent wins
}
