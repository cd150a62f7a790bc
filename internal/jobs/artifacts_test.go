package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/realmhq/realm-agent/internal/cas"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestCaptureArtifacts_StoresAndHashes(t *testing.T) {
	store, err := cas.Open(t.TempDir(), clock.NewFake())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("job output"), 0o644))

	artifacts, err := captureArtifacts(store, []string{path})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	want := sha256.Sum256([]byte("job output"))
	require.Equal(t, hex.EncodeToString(want[:]), artifacts[0].SHA256Hex)
	require.Equal(t, path, artifacts[0].Name)
	require.Equal(t, int64(len("job output")), artifacts[0].SizeBytes)

	data, err := os.ReadFile(artifacts[0].StoredPath)
	require.NoError(t, err)
	require.Equal(t, "job output", string(data))
}

func TestCaptureArtifacts_MissingFile(t *testing.T) {
	store, err := cas.Open(t.TempDir(), clock.NewFake())
	require.NoError(t, err)
	_, err = captureArtifacts(store, []string{"/nonexistent/path"})
	require.Error(t, err)
}
