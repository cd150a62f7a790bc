package jobs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/realmhq/realm-agent/internal/cas"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestPreStage_CopiesCASBlobToDest(t *testing.T) {
	store, err := cas.Open(t.TempDir(), clock.NewFake())
	require.NoError(t, err)
	digest, err := store.Put([]byte("config contents"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, preStage(store, []PreStage{{Source: "cas:" + digest, Dest: dest}}))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "config contents", string(data))
}

func TestPreStage_RejectsNonCASSource(t *testing.T) {
	store, err := cas.Open(t.TempDir(), clock.NewFake())
	require.NoError(t, err)
	err = preStage(store, []PreStage{{Source: "file:/etc/passwd", Dest: "/tmp/x"}})
	require.Error(t, err)
}

func TestPreStage_UnknownDigest(t *testing.T) {
	store, err := cas.Open(t.TempDir(), clock.NewFake())
	require.NoError(t, err)
	err = preStage(store, []PreStage{{Source: "cas:deadbeef", Dest: "/tmp/x"}})
	require.Error(t, err)
}
