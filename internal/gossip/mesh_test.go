package gossip

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/realmhq/realm-agent/internal/identity"
	"github.com/stretchr/testify/require"
)

func newTestMesh(t *testing.T) *Mesh {
	t.Helper()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "node.key"))
	require.NoError(t, err)
	m, err := NewMesh(id, "127.0.0.1:0", nil)
	require.NoError(t, err)
	return m
}

func TestMesh_DialPublishSubscribe(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestMesh(t)
	b := newTestMesh(t)

	go a.Run(ctx)
	go b.Run(ctx)

	ch := make(chan Delivery, 4)
	unsub := b.Subscribe(TopicCommand, ch)
	defer unsub()

	require.NoError(t, a.Dial(ctx, b.Addr().String()))

	// Give the accept/serve goroutines a moment to register the conn.
	require.Eventually(t, func() bool {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return len(a.peers) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Publish(ctx, TopicCommand, []byte(`{"type":"Hello","from":"a"}`)))

	select {
	case d := <-ch:
		require.Equal(t, a.id.PeerID(), d.SenderPeerID)
		require.Equal(t, []byte(`{"type":"Hello","from":"a"}`), d.Payload)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
