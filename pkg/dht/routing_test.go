package dht

import (
	"testing"
	"time"

	"fedstore/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sameBucketPeer returns a peer that lands in bucket 0 relative to local
func sameBucketPeer(local NodeIdentifier, n int) PeerRecord {
	id := local
	id[0] ^= 0x80
	id[IDLength-1] ^= byte(n + 1)
	id[IDLength-2] ^= byte((n + 1) >> 8)
	return PeerRecord{ID: id, Address: "peer-" + id.Short()}
}

func TestRoutingTable_AddNode(t *testing.T) {
	local := NewNodeIdentifier("local")
	rt := NewRoutingTable(local, RoutingTableConfig{}, clock.NewMock(), nil)

	ok, err := rt.AddNode(PeerRecord{ID: NewNodeIdentifier("remote"), Address: "remote:1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, rt.Size())

	// refreshing a known peer does not grow the table
	ok, err = rt.AddNode(PeerRecord{ID: NewNodeIdentifier("remote"), Address: "remote:2"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, rt.Size())

	rec, found := rt.Peer(NewNodeIdentifier("remote"))
	require.True(t, found)
	assert.Equal(t, "remote:2", rec.Address)
	assert.True(t, rec.IsActive)

	_, err = rt.AddNode(PeerRecord{ID: local})
	assert.ErrorIs(t, err, types.ErrInvalidNodeID)

	_, err = rt.AddNode(PeerRecord{})
	assert.ErrorIs(t, err, types.ErrInvalidNodeID)
}

func TestRoutingTable_FullBucketEvictsLeastRecentlySeen(t *testing.T) {
	clk := clock.NewMock()
	local := NewNodeIdentifier("local")
	rt := NewRoutingTable(local, RoutingTableConfig{}, clk, nil)

	peers := make([]PeerRecord, BucketSize+1)
	for i := range peers {
		peers[i] = sameBucketPeer(local, i)
	}

	for i := 0; i < BucketSize; i++ {
		clk.Add(time.Second)
		ok, err := rt.AddNode(peers[i])
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, BucketSize, rt.BucketLen(0))

	ok, err := rt.AddNode(peers[BucketSize])
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, BucketSize, rt.BucketLen(0))
	assert.Equal(t, BucketSize, rt.Size())

	_, found := rt.Peer(peers[0].ID)
	assert.False(t, found, "least recently seen peer should be evicted")

	_, found = rt.Peer(peers[BucketSize].ID)
	assert.True(t, found, "new peer should be present")
}

func TestRoutingTable_MarkSeenRefreshesRecency(t *testing.T) {
	clk := clock.NewMock()
	local := NewNodeIdentifier("local")
	rt := NewRoutingTable(local, RoutingTableConfig{}, clk, nil)

	for i := 0; i < BucketSize; i++ {
		_, err := rt.AddNode(sameBucketPeer(local, i))
		require.NoError(t, err)
	}

	// peer 0 becomes the most recently seen, so peer 1 is now the oldest
	clk.Add(time.Minute)
	rt.MarkSeen(sameBucketPeer(local, 0).ID)

	rec, _ := rt.Peer(sameBucketPeer(local, 0).ID)
	assert.Equal(t, clk.Now(), rec.LastSeen)

	_, err := rt.AddNode(sameBucketPeer(local, BucketSize))
	require.NoError(t, err)

	_, found := rt.Peer(sameBucketPeer(local, 0).ID)
	assert.True(t, found)
	_, found = rt.Peer(sameBucketPeer(local, 1).ID)
	assert.False(t, found)
}

func TestRoutingTable_MaxPeers(t *testing.T) {
	local := NewNodeIdentifier("local")
	rt := NewRoutingTable(local, RoutingTableConfig{MaxPeers: 2}, clock.NewMock(), nil)

	for _, seed := range []string{"a", "b"} {
		_, err := rt.AddNode(PeerRecord{ID: NewNodeIdentifier(seed)})
		require.NoError(t, err)
	}

	_, err := rt.AddNode(PeerRecord{ID: NewNodeIdentifier("c")})
	assert.ErrorIs(t, err, types.ErrRoutingTableFull)
	assert.Equal(t, 2, rt.Size())
}

func TestRoutingTable_FindClosestNodes(t *testing.T) {
	local := NewNodeIdentifier("local")
	rt := NewRoutingTable(local, RoutingTableConfig{MaxFailures: 1}, clock.NewMock(), nil)

	for i := 0; i < 50; i++ {
		_, err := rt.AddNode(PeerRecord{ID: NewNodeIdentifier(string(rune('A' + i)))})
		require.NoError(t, err)
	}

	target := KeyIdentifier("some/key")
	closest := rt.FindClosestNodes(target, 10)
	require.Len(t, closest, 10)

	for i := 1; i < len(closest); i++ {
		assert.LessOrEqual(t, CompareDistance(closest[i-1].ID, closest[i].ID, target), 0,
			"results must be sorted by ascending distance")
	}

	// an inactive peer is skipped
	inactive := closest[0].ID
	assert.True(t, rt.MarkFailure(inactive))
	for _, rec := range rt.FindClosestNodes(target, 10) {
		assert.NotEqual(t, inactive, rec.ID)
	}

	// seeing it again reactivates it
	rt.MarkSeen(inactive)
	assert.Equal(t, inactive, rt.FindClosestNodes(target, 1)[0].ID)

	assert.Empty(t, rt.FindClosestNodes(target, 0))
	// full buckets evict, so the table may hold fewer than were added
	assert.LessOrEqual(t, rt.Size(), 50)
	assert.Len(t, rt.FindClosestNodes(target, 100), rt.Size())
}

func TestRoutingTable_Remove(t *testing.T) {
	local := NewNodeIdentifier("local")
	rt := NewRoutingTable(local, RoutingTableConfig{}, nil, nil)

	id := NewNodeIdentifier("gone")
	_, err := rt.AddNode(PeerRecord{ID: id})
	require.NoError(t, err)

	assert.True(t, rt.Remove(id))
	assert.False(t, rt.Remove(id))
	assert.Equal(t, 0, rt.Size())
	assert.Empty(t, rt.Peers())
}
