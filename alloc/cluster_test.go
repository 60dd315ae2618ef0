package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/canshim/cyphal/transport"
)

// Quorum: quorum == floor(cluster_size/2) + 1 for all cluster sizes in [1, MaxServers].
func TestClusterManagerQuorumSizeForAllClusterSizes(t *testing.T) {
	for size := 1; size <= MaxServers; size++ {
		c := NewClusterManager(NewMarshallingStorage(NewMemStorage()), 1)
		assert.True(t, c.Init(size))
		want := size/2 + 1
		assert.Equalf(t, want, c.GetQuorumSize(), "cluster size %d", size)
	}
}

func TestClusterManagerInitReadsUnknownSizeFromStorage(t *testing.T) {
	backend := NewMemStorage()
	backend.Set("cluster_size", "3")
	c := NewClusterManager(NewMarshallingStorage(backend), 1)
	assert.True(t, c.Init(ClusterSizeUnknown))
	assert.Equal(t, 3, c.ClusterSize())
}

func TestClusterManagerInitRejectsOutOfRangeSize(t *testing.T) {
	c := NewClusterManager(NewMarshallingStorage(NewMemStorage()), 1)
	assert.False(t, c.Init(0))
	assert.False(t, c.Init(MaxServers+1))
}

func TestClusterManagerDiscoveryUnionExcludesSelfAndCaps(t *testing.T) {
	c := NewClusterManager(NewMarshallingStorage(NewMemStorage()), 1)
	assert.True(t, c.Init(3))

	c.OnDiscovery(Discovery{KnownNodes: []transport.NodeID{1, 2, 3, 4}})
	assert.Equal(t, 2, c.GetNumKnownServers()) // capped at cluster_size-1, self excluded
}

func TestClusterManagerResetAllServerIndices(t *testing.T) {
	c := NewClusterManager(NewMarshallingStorage(NewMemStorage()), 1)
	assert.True(t, c.Init(3))
	c.OnDiscovery(Discovery{KnownNodes: []transport.NodeID{1, 2, 3}})

	c.SetServerMatchIndex(2, 5)
	c.ResetAllServerIndices(10)
	for _, s := range c.Servers() {
		assert.Equal(t, 11, s.NextIndex)
		assert.Equal(t, 0, s.MatchIndex)
	}
}
