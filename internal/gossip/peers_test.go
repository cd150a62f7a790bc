package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerTable_UpsertSnapshotRemove(t *testing.T) {
	t.Parallel()
	pt := NewPeerTable(time.Minute)

	pt.Upsert(PeerInfo{PeerID: "ed25519:a", MeshAddr: "1.2.3.4:5000"})
	pt.Upsert(PeerInfo{PeerID: "ed25519:b", MeshAddr: "1.2.3.5:5000", Tags: []string{"edge"}})

	snap := pt.Snapshot()
	require.Len(t, snap, 2)

	got, ok := pt.Get("ed25519:b")
	require.True(t, ok)
	require.Equal(t, []string{"edge"}, got.Tags)

	pt.Remove("ed25519:a")
	_, ok = pt.Get("ed25519:a")
	require.False(t, ok)
	require.Len(t, pt.Snapshot(), 1)
}

func TestPeerTable_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	pt := NewPeerTable(50 * time.Millisecond)
	go pt.cache.Start()
	defer pt.cache.Stop()

	pt.Upsert(PeerInfo{PeerID: "ed25519:a"})
	require.Eventually(t, func() bool {
		_, ok := pt.Get("ed25519:a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
