package manifest_test

import (
	"path/filepath"
	"testing"

	"github.com/realmhq/realm-agent/internal/identity"
	"github.com/realmhq/realm-agent/pkg/manifest"
	"github.com/stretchr/testify/require"
)

func TestParseDocument(t *testing.T) {
	t.Parallel()
	doc, err := manifest.ParseDocument(`
[components.hello]
source = "cas:abc123"
sha256_hex = "abc123"
replicas = 2
memory_max_mb = 64
`)
	require.NoError(t, err)
	require.Len(t, doc.Components, 1)
	c := doc.Components["hello"]
	require.Equal(t, "cas:abc123", c.Source)
	require.Equal(t, 2, c.ReplicasOrDefault())
	require.Equal(t, 64, c.MemoryMaxMB)
}

func TestComponentSpec_ReplicasDefault(t *testing.T) {
	t.Parallel()
	require.Equal(t, 1, manifest.ComponentSpec{}.ReplicasOrDefault())
	require.Equal(t, 1, manifest.ComponentSpec{Replicas: 0}.ReplicasOrDefault())
	require.Equal(t, 3, manifest.ComponentSpec{Replicas: 3}.ReplicasOrDefault())
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	owner, err := identity.LoadOrCreate(filepath.Join(dir, "owner.key"))
	require.NoError(t, err)

	doc := "[components.hello]\nsource = \"cas:abc\"\nsha256_hex = \"abc\"\n"
	signed, err := manifest.Sign(owner, 1, doc)
	require.NoError(t, err)
	require.NoError(t, signed.Validate())

	pub, err := signed.OwnerPublicKey()
	require.NoError(t, err)
	require.True(t, owner.Public.Equal(pub))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	doc := manifest.Document{
		Components: map[string]manifest.ComponentSpec{
			"hello": {Source: "cas:abc", SHA256Hex: "abc", Replicas: 2},
		},
	}
	raw, err := manifest.Encode(doc)
	require.NoError(t, err)

	got, err := manifest.ParseDocument(raw)
	require.NoError(t, err)
	require.Equal(t, doc.Components["hello"].Source, got.Components["hello"].Source)
	require.Equal(t, doc.Components["hello"].Replicas, got.Components["hello"].Replicas)
}
