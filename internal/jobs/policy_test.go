package jobs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/realmhq/realm-agent/internal/jobs"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicy_DefaultsToBothGatesClosed(t *testing.T) {
	doc, err := jobs.LoadPolicy(t.TempDir())
	require.NoError(t, err)
	require.False(t, doc.Policy().AllowNativeExecution)
	require.False(t, doc.Policy().AllowEmulation)
}

func TestLoadPolicy_ReadsPolicyJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.json"),
		[]byte(`{"allow_native_execution":true,"tags":["edge"]}`), 0o644))

	doc, err := jobs.LoadPolicy(dir)
	require.NoError(t, err)
	require.True(t, doc.Policy().AllowNativeExecution)
	require.False(t, doc.Policy().AllowEmulation)
	require.Equal(t, []string{"edge"}, doc.Tags)
}

func TestLoadPolicy_EnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.json"),
		[]byte(`{"allow_native_execution":true,"allow_emulation":true}`), 0o644))

	t.Setenv("REALM_ALLOW_NATIVE_EXECUTION", "0")
	t.Setenv("REALM_ALLOW_EMULATION", "false")

	doc, err := jobs.LoadPolicy(dir)
	require.NoError(t, err)
	require.False(t, doc.Policy().AllowNativeExecution)
	require.False(t, doc.Policy().AllowEmulation)
}

func TestLoadPolicy_EnvOverrideWithoutFile(t *testing.T) {
	t.Setenv("REALM_ALLOW_EMULATION", "true")
	doc, err := jobs.LoadPolicy(t.TempDir())
	require.NoError(t, err)
	require.True(t, doc.Policy().AllowEmulation)
	require.False(t, doc.Policy().AllowNativeExecution)
}
