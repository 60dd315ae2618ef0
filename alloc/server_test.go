package alloc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canshim/cyphal/transport"
)

// recordingBus captures published Allocation broadcasts for assertions; the
// RPC methods are unused by these single-leader tests.
type recordingBus struct {
	allocations []Allocation
}

func (b *recordingBus) SendRequestVote(to transport.NodeID, req RequestVoteRequest)                 {}
func (b *recordingBus) SendRequestVoteResponse(to transport.NodeID, resp RequestVoteResponse)        {}
func (b *recordingBus) SendAppendEntries(to transport.NodeID, req AppendEntriesRequest)              {}
func (b *recordingBus) SendAppendEntriesResponse(to transport.NodeID, resp AppendEntriesResponse)    {}
func (b *recordingBus) PublishDiscovery(d Discovery)                                                 {}
func (b *recordingBus) PublishAllocation(a Allocation) {
	b.allocations = append(b.allocations, a)
}

// newSoloLeader builds a single-node "cluster" (quorum of 1) already acting as
// leader, which is sufficient to exercise the allocation handshake without
// needing a full Raft election in every server test.
func newSoloLeader(t *testing.T, now time.Time) (*Server, *RaftCore, *recordingBus) {
	t.Helper()
	cfg := transport.DefaultConfig()
	cluster := NewClusterManager(NewMarshallingStorage(NewMemStorage()), 1)
	assert.True(t, cluster.Init(1))
	persistent := NewPersistentState(NewMarshallingStorage(NewMemStorage()), cfg)
	persistent.Init()
	bus := &recordingBus{}
	core := NewRaftCore(1, persistent, cluster, bus, 50*time.Millisecond, 10*time.Millisecond)
	core.Init(now)
	core.activeMode = true
	core.Tick(now.Add(time.Second)) // solo election: instantly quorum of 1
	assert.Equal(t, StateLeader, core.State())

	srv := NewServer(cfg, core, bus, time.Second)
	return srv, core, bus
}

func splitFragments(id UniqueID) [][]byte {
	return [][]byte{id[0:6], id[6:12], id[12:16]}
}

// Scenario 5: fresh node with a unique ID sends first-stage Allocation with
// the first 6 bytes. Leader echoes with its own node ID as source. The node
// completes two more stages; the leader commits the entry and broadcasts the
// assignment, which carries the node ID recorded in the log.
func TestAllocationHappyPathScenario(t *testing.T) {
	now := time.Now()
	srv, core, bus := newSoloLeader(t, now)

	var id UniqueID
	for i := range id {
		id[i] = byte(i + 1)
	}
	frags := splitFragments(id)

	srv.HandleAllocation(now, Allocation{FirstStage: true, UniqueIDFragment: frags[0], Source: transport.NodeIDBroadcast})
	assert.Len(t, bus.allocations, 1)
	assert.Equal(t, transport.NodeID(1), bus.allocations[0].Source)
	assert.Equal(t, frags[0], bus.allocations[0].UniqueIDFragment)

	srv.HandleAllocation(now, Allocation{UniqueIDFragment: frags[1], Source: transport.NodeIDBroadcast})
	srv.HandleAllocation(now, Allocation{UniqueIDFragment: frags[2], Source: transport.NodeIDBroadcast})

	// Solo cluster: quorum is 1, so AppendLocal already advanced commitIndex
	// synchronously; Poll observes the commit immediately.
	assert.Equal(t, 1, core.CommitIndex())
	srv.Poll(now)
	assert.Len(t, bus.allocations, 2)

	final := bus.allocations[1]
	assert.NotEqual(t, transport.NodeIDInvalid, final.AssignedNodeID)
	assert.Equal(t, transport.NodeID(1), final.Source)

	entry, ok := core.Log().GetEntryAtIndex(1)
	assert.True(t, ok)
	assert.Equal(t, id, entry.UniqueID)
	assert.Equal(t, final.AssignedNodeID, entry.NodeID)
}

// Scenario 6: the log already contains unique_id=U -> node_id=50. A node with
// unique ID U re-requests; the leader replies with 50 without appending a new
// log entry.
func TestAllocationCollisionReusesExistingAssignment(t *testing.T) {
	now := time.Now()
	srv, core, bus := newSoloLeader(t, now)

	var id UniqueID
	for i := range id {
		id[i] = byte(100 + i)
	}
	core.AppendLocal(LogEntry{UniqueID: id, NodeID: 50})
	maxIndexBefore := core.Log().MaxIndex()

	frags := splitFragments(id)
	srv.HandleAllocation(now, Allocation{FirstStage: true, UniqueIDFragment: frags[0], Source: transport.NodeIDBroadcast})
	srv.HandleAllocation(now, Allocation{UniqueIDFragment: frags[1], Source: transport.NodeIDBroadcast})
	srv.HandleAllocation(now, Allocation{UniqueIDFragment: frags[2], Source: transport.NodeIDBroadcast})

	assert.Equal(t, maxIndexBefore, core.Log().MaxIndex()) // no new entry appended
	last := bus.allocations[len(bus.allocations)-1]
	assert.Equal(t, transport.NodeID(50), last.AssignedNodeID)
}

func TestAllocationNonLeaderStaysSilentOnFirstStage(t *testing.T) {
	cfg := transport.DefaultConfig()
	cluster := NewClusterManager(NewMarshallingStorage(NewMemStorage()), 1)
	cluster.Init(3) // never wins an election in this test; stays Follower
	persistent := NewPersistentState(NewMarshallingStorage(NewMemStorage()), cfg)
	persistent.Init()
	bus := &recordingBus{}
	core := NewRaftCore(1, persistent, cluster, bus, 50*time.Millisecond, 10*time.Millisecond)
	now := time.Now()
	core.Init(now)

	srv := NewServer(cfg, core, bus, time.Second)
	srv.HandleAllocation(now, Allocation{FirstStage: true, UniqueIDFragment: []byte{1, 2, 3, 4, 5, 6}, Source: transport.NodeIDBroadcast})
	assert.Empty(t, bus.allocations)
}

func TestAllocationNodeStatusCollisionTriggersReallocation(t *testing.T) {
	now := time.Now()
	srv, core, _ := newSoloLeader(t, now)

	var id UniqueID
	for i := range id {
		id[i] = byte(i)
	}
	frags := splitFragments(id)
	srv.HandleAllocation(now, Allocation{FirstStage: true, UniqueIDFragment: frags[0], Source: transport.NodeIDBroadcast})
	srv.HandleAllocation(now, Allocation{UniqueIDFragment: frags[1], Source: transport.NodeIDBroadcast})
	srv.HandleAllocation(now, Allocation{UniqueIDFragment: frags[2], Source: transport.NodeIDBroadcast})

	assert.NotNil(t, srv.pendingCommit)
	candidate := srv.pendingCommit.nodeID
	logIndexBefore := srv.pendingCommit.logIndex

	var otherID UniqueID
	otherID[0] = 0xFF
	for i := 0; i < PendingGetNodeInfoAttempts; i++ {
		srv.HandleNodeStatus(now, candidate, otherID)
	}

	// The provisional entry for the colliding candidate was rolled back and a
	// fresh candidate picked.
	assert.Equal(t, logIndexBefore, core.Log().MaxIndex()) // re-appended at the same (now-free) index
	entry, ok := core.Log().GetEntryAtIndex(logIndexBefore)
	assert.True(t, ok)
	assert.NotEqual(t, candidate, entry.NodeID)
}
