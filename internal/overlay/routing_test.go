package overlay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

func TestRoutingTableNeverHoldsSelf(t *testing.T) {
	self := randomID(t, 0)
	rt := NewRoutingTable(self)
	rt.Touch(self, "127.0.0.1:1")
	require.Equal(t, 0, rt.Len())
}

func TestRoutingTableNearestOrdersByDistance(t *testing.T) {
	self := randomID(t, 0)
	rt := NewRoutingTable(self)

	var near, far ids.NodeID
	near = self
	near[31] ^= 0x01
	far = self
	far[0] ^= 0x80

	rt.Touch(far, "127.0.0.1:2")
	rt.Touch(near, "127.0.0.1:1")

	nearest := rt.Nearest(self, 2)
	require.Len(t, nearest, 2)
	require.Equal(t, near, nearest[0].ID)
	require.Equal(t, far, nearest[1].ID)
}

func TestRoutingTableMissedPingEvicts(t *testing.T) {
	self := randomID(t, 0)
	rt := NewRoutingTable(self)
	peer := randomID(t, 5)
	rt.Touch(peer, "127.0.0.1:3")
	require.Equal(t, 1, rt.Len())

	for i := 0; i < MaxMissedPings; i++ {
		rt.MarkMissedPing(peer)
	}
	require.Equal(t, 0, rt.Len())
}

func TestRoutingTableTouchRefreshesClearsMissedPings(t *testing.T) {
	self := randomID(t, 0)
	rt := NewRoutingTable(self)
	peer := randomID(t, 5)
	rt.Touch(peer, "127.0.0.1:3")
	rt.MarkMissedPing(peer)
	rt.Touch(peer, "127.0.0.1:3")

	for i := 0; i < MaxMissedPings; i++ {
		rt.MarkMissedPing(peer)
	}
	require.Equal(t, 0, rt.Len())
}

func TestRoutingTableBucketOverflowEvictsOldest(t *testing.T) {
	self := randomID(t, 0)
	rt := NewRoutingTable(self)

	// Values 32..63 XORed into the last byte all share the same highest
	// set bit (0x20), so they land in one bucket — enough of them (32)
	// to exceed BucketSize and force eviction.
	for v := 32; v < 64; v++ {
		id := self
		id[31] ^= byte(v)
		rt.Touch(id, "addr")
	}
	require.Equal(t, BucketSize, rt.Len())
}
