package alloc

import (
	"time"

	"github.com/canshim/cyphal/transport"
)

// MaxPendingGetNodeInfoEntries bounds the collision-retry bookkeeping map,
// mirroring the source material's Map<NodeID, uint8_t, 10>.
const MaxPendingGetNodeInfoEntries = 10

// PendingGetNodeInfoAttempts caps how many times the server retries a
// candidate node ID after detecting it is already held by a live node before
// giving up and picking a different one.
const PendingGetNodeInfoAttempts = 3

type pendingAllocationRequest struct {
	fragment []byte
	lastSeen time.Time
}

type pendingCommitEntry struct {
	logIndex int
	uniqueID UniqueID
	nodeID   transport.NodeID
}

// Server implements the anonymous node-ID allocation handshake on top of
// RaftCore: only the current Raft leader answers requests, committed
// assignments come from the replicated log, and GetNodeInfo-style collision
// detection prevents a commit from handing out an ID a live node already
// holds under a different identity.
type Server struct {
	raft *RaftCore
	cfg  transport.Config
	bus  Transport

	pendingRequest *pendingAllocationRequest
	requestTimeout time.Duration

	pendingCommit *pendingCommitEntry

	// PendingGetNodeInfoAttemptsMap equivalent: counts collisions observed
	// for a candidate node ID via HandleNodeStatus while its assignment is
	// still provisional (not yet committed).
	collisionAttempts map[transport.NodeID]uint8
	// confirmedCollisions holds node IDs proven live under a different
	// identity than the one the leader tried to assign; pickCandidateNodeID
	// never offers these again.
	confirmedCollisions map[transport.NodeID]bool
}

func NewServer(cfg transport.Config, raft *RaftCore, bus Transport, requestTimeout time.Duration) *Server {
	return &Server{
		cfg:                 cfg,
		raft:                raft,
		bus:                 bus,
		requestTimeout:      requestTimeout,
		collisionAttempts:   make(map[transport.NodeID]uint8, MaxPendingGetNodeInfoEntries),
		confirmedCollisions: make(map[transport.NodeID]bool),
	}
}

// Poll lets pending work that depends on commit progress make forward
// progress; the host calls it from the same tick loop driving RaftCore.Tick.
func (s *Server) Poll(now time.Time) {
	if s.pendingCommit == nil {
		return
	}
	if s.raft.CommitIndex() >= s.pendingCommit.logIndex {
		s.bus.PublishAllocation(Allocation{
			AssignedNodeID: s.pendingCommit.nodeID,
			Source:         s.raft.Self(),
		})
		s.pendingCommit = nil
	}
}

// HandleAllocation processes one stage of the anonymous allocation handshake.
// First-stage requests are echoed by the leader so the requester learns who
// to keep talking to; later stages accumulate unique-ID bytes until all 16
// are known, at which point the leader resolves or creates the assignment.
func (s *Server) HandleAllocation(now time.Time, msg Allocation) {
	if msg.Source != transport.NodeIDBroadcast {
		return // only anonymous requests drive the handshake
	}

	if msg.FirstStage {
		s.pendingRequest = &pendingAllocationRequest{
			fragment: append([]byte(nil), msg.UniqueIDFragment...),
			lastSeen: now,
		}
		if s.raft.IsLeader() {
			s.bus.PublishAllocation(Allocation{
				FirstStage:       true,
				UniqueIDFragment: s.pendingRequest.fragment,
				AssignedNodeID:   transport.NodeIDInvalid,
				Source:           s.raft.Self(),
			})
		}
		return
	}

	if s.pendingRequest == nil || now.Sub(s.pendingRequest.lastSeen) > s.requestTimeout {
		return // continuation with no live first stage; drop it
	}
	s.pendingRequest.fragment = append(s.pendingRequest.fragment, msg.UniqueIDFragment...)
	s.pendingRequest.lastSeen = now
	if len(s.pendingRequest.fragment) < len(UniqueID{}) {
		return
	}

	var id UniqueID
	copy(id[:], s.pendingRequest.fragment[:len(id)])
	s.pendingRequest = nil
	if !s.raft.IsLeader() {
		return
	}
	s.beginAllocation(now, id)
}

// beginAllocation resolves unique ID id to a node ID: a prior assignment is
// re-announced verbatim (allocation uniqueness), otherwise the smallest free
// node ID is provisionally committed.
func (s *Server) beginAllocation(now time.Time, id UniqueID) {
	if _, entry, found := s.raft.TraverseLogFromEndUntil(func(_ int, e LogEntry) bool {
		return e.UniqueID == id
	}); found {
		s.bus.PublishAllocation(Allocation{AssignedNodeID: entry.NodeID, Source: s.raft.Self()})
		return
	}

	nodeID, ok := s.pickCandidateNodeID()
	if !ok {
		return // no free regular node ID left in the cluster's range
	}
	index, ok := s.raft.AppendLocal(LogEntry{UniqueID: id, NodeID: nodeID})
	if !ok {
		return // storage write failed its read-back check; retried on next request
	}
	s.pendingCommit = &pendingCommitEntry{logIndex: index, uniqueID: id, nodeID: nodeID}
}

// pickCandidateNodeID returns the smallest node ID in
// [1, MaxRecommendedForRegularNodes] not already present in the log and not
// confirmed live under a different identity by a prior collision.
func (s *Server) pickCandidateNodeID() (transport.NodeID, bool) {
	log := s.raft.Log()
	used := make(map[transport.NodeID]bool)
	for i := 1; i <= log.MaxIndex(); i++ {
		if entry, ok := log.GetEntryAtIndex(i); ok {
			used[entry.NodeID] = true
		}
	}
	var n transport.NodeID
	max := n.MaxRecommendedForRegularNodes(s.cfg)
	for id := transport.NodeID(1); id <= max; id++ {
		if !used[id] && !s.confirmedCollisions[id] {
			return id, true
		}
	}
	return 0, false
}

// HandleNodeStatus feeds a NodeStatus observation into the collision
// detector: if the reporting node's self-declared unique ID does not match
// the one the leader is mid-way through committing for that same candidate
// node ID, the live node already holds it and the provisional entry must be
// abandoned in favor of a different candidate. This restores behavior the
// distilled spec omitted but the source material's NodeStatus subscription
// and PendingGetNodeInfoAttemptsMap describe.
func (s *Server) HandleNodeStatus(now time.Time, node transport.NodeID, reportedUniqueID UniqueID) {
	if s.pendingCommit == nil || s.pendingCommit.nodeID != node {
		return
	}
	if reportedUniqueID == s.pendingCommit.uniqueID {
		return // the live node is the requester itself, already converging
	}

	if len(s.collisionAttempts) >= MaxPendingGetNodeInfoEntries && s.collisionAttempts[node] == 0 {
		return // bounded map is full; drop the observation rather than grow it
	}
	s.collisionAttempts[node]++
	if s.collisionAttempts[node] < PendingGetNodeInfoAttempts {
		return
	}

	id := s.pendingCommit.uniqueID
	s.raft.Log().RemoveEntriesWhereIndexGreaterOrEqual(s.pendingCommit.logIndex)
	delete(s.collisionAttempts, node)
	s.confirmedCollisions[node] = true
	s.pendingCommit = nil
	s.beginAllocation(now, id)
}
