package gossip

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/realmhq/realm-agent/internal/identity"
	"github.com/stretchr/testify/require"
)

func TestFrame_SignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "node.key"))
	require.NoError(t, err)

	f := signFrame(id, TopicCommand, 1, []byte(`{"type":"Hello"}`))
	pub, err := verifyFrame(f)
	require.NoError(t, err)
	require.True(t, id.Public.Equal(pub))

	f.Payload[0] ^= 0xFF
	_, err = verifyFrame(f)
	require.Error(t, err)
}

func TestFrame_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "node.key"))
	require.NoError(t, err)

	f := signFrame(id, TopicStatus, 42, []byte(`{"node_id":"x"}`))

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestFrame_WriteFrame_RejectsOversize(t *testing.T) {
	t.Parallel()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "node.key"))
	require.NoError(t, err)

	huge := make([]byte, MaxFrameBytes+1)
	f := signFrame(id, TopicCommand, 1, huge)

	var buf bytes.Buffer
	err = WriteFrame(&buf, f)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
