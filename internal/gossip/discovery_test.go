package gossip

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialableAddr(t *testing.T) {
	t.Parallel()
	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.7"), Port: 7475}

	cases := []struct {
		advertised string
		want       string
	}{
		{"0.0.0.0:4242", "192.168.1.7:4242"},
		{":4242", "192.168.1.7:4242"},
		{"10.0.0.5:4242", "10.0.0.5:4242"},
		{"not-an-addr", "not-an-addr"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, dialableAddr(c.advertised, src), c.advertised)
	}
}

func TestPeerTable_OnNewFiresOncePerPeer(t *testing.T) {
	t.Parallel()
	pt := NewPeerTable(0)

	var (
		mu   sync.Mutex
		seen []string
	)
	pt.OnNew(func(info PeerInfo) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, info.PeerID)
	})
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}

	pt.Upsert(PeerInfo{PeerID: "ed25519:a", MeshAddr: "1.2.3.4:5000"})
	pt.Upsert(PeerInfo{PeerID: "ed25519:a", MeshAddr: "1.2.3.4:5000"})
	pt.Upsert(PeerInfo{PeerID: "ed25519:b", MeshAddr: "1.2.3.5:5000"})

	// OnNew callbacks run on their own goroutines: wait for them, and
	// compare without depending on their order.
	require.Eventually(t, func() bool { return len(snapshot()) >= 2 }, time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"ed25519:a", "ed25519:b"}, snapshot())
}
