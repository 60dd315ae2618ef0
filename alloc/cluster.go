package alloc

import "github.com/canshim/cyphal/transport"

// ClusterSizeUnknown tells ClusterManager.Init to recover the configured
// cluster size from storage instead of accepting a caller-supplied value.
const ClusterSizeUnknown = 0

// MaxServers bounds the known-servers set, mirroring the fixed-capacity
// Discovery.known_nodes array in the source material.
const MaxServers = 32

// PeerState tracks per-peer Raft replication progress. Kept as a single
// value type rather than parallel nextIndex/matchIndex slices, per the
// teacher's preference for compact value types over parallel arrays.
type PeerState struct {
	NodeID     transport.NodeID
	NextIndex  int
	MatchIndex int
}

// ClusterManager maintains the set of known peer servers and their Raft
// replication indices. Membership is discovered opportunistically via
// Discovery broadcasts rather than configured statically.
type ClusterManager struct {
	storage     *MarshallingStorage
	self        transport.NodeID
	clusterSize int
	servers     []PeerState
}

func NewClusterManager(storage *MarshallingStorage, self transport.NodeID) *ClusterManager {
	return &ClusterManager{storage: storage, self: self}
}

// Init establishes the configured cluster size. Passing ClusterSizeUnknown
// recovers it from the "cluster_size" storage key; any other value must lie
// in [1, MaxServers].
func (c *ClusterManager) Init(clusterSize int) bool {
	if clusterSize == ClusterSizeUnknown {
		v, ok := c.storage.GetDecimal("cluster_size")
		if !ok || v < 1 || v > MaxServers {
			return false
		}
		clusterSize = int(v)
	}
	if clusterSize < 1 || clusterSize > MaxServers {
		return false
	}
	c.clusterSize = clusterSize
	return true
}

func (c *ClusterManager) ClusterSize() int { return c.clusterSize }

// GetQuorumSize returns floor(cluster_size/2) + 1.
func (c *ClusterManager) GetQuorumSize() int {
	return c.clusterSize/2 + 1
}

func (c *ClusterManager) GetNumKnownServers() int { return len(c.servers) }

// OnDiscovery unions the peer's advertised known-node set into the local set,
// capped at cluster_size-1 peers (the cluster minus self).
func (c *ClusterManager) OnDiscovery(d Discovery) {
	for _, node := range d.KnownNodes {
		if node == c.self {
			continue
		}
		c.addServer(node)
	}
}

func (c *ClusterManager) addServer(node transport.NodeID) {
	for i := range c.servers {
		if c.servers[i].NodeID == node {
			return
		}
	}
	if len(c.servers) >= c.clusterSize-1 {
		return
	}
	c.servers = append(c.servers, PeerState{NodeID: node})
}

// Discovery renders the local Discovery broadcast payload: self plus every
// known peer.
func (c *ClusterManager) Discovery() Discovery {
	known := make([]transport.NodeID, 0, len(c.servers)+1)
	known = append(known, c.self)
	for _, s := range c.servers {
		known = append(known, s.NodeID)
	}
	return Discovery{KnownNodes: known}
}

func (c *ClusterManager) Servers() []PeerState { return c.servers }

func (c *ClusterManager) server(node transport.NodeID) *PeerState {
	for i := range c.servers {
		if c.servers[i].NodeID == node {
			return &c.servers[i]
		}
	}
	return nil
}

func (c *ClusterManager) GetServerNextIndex(node transport.NodeID) int {
	if s := c.server(node); s != nil {
		return s.NextIndex
	}
	return 0
}

func (c *ClusterManager) SetServerNextIndex(node transport.NodeID, index int) {
	if s := c.server(node); s != nil {
		s.NextIndex = index
	}
}

func (c *ClusterManager) DecrementServerNextIndex(node transport.NodeID) {
	if s := c.server(node); s != nil && s.NextIndex > 1 {
		s.NextIndex--
	}
}

func (c *ClusterManager) GetServerMatchIndex(node transport.NodeID) int {
	if s := c.server(node); s != nil {
		return s.MatchIndex
	}
	return 0
}

func (c *ClusterManager) SetServerMatchIndex(node transport.NodeID, index int) {
	if s := c.server(node); s != nil {
		s.MatchIndex = index
	}
}

// ResetAllServerIndices is called on the Follower/Candidate->Leader
// transition: every peer's next_index optimistically starts at
// leaderLastLogIndex+1 and match_index resets to 0 until proven otherwise.
func (c *ClusterManager) ResetAllServerIndices(leaderLastLogIndex int) {
	for i := range c.servers {
		c.servers[i].NextIndex = leaderLastLogIndex + 1
		c.servers[i].MatchIndex = 0
	}
}
