package upgrade_test

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/realmhq/realm-agent/internal/binsniff"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/realmhq/realm-agent/internal/command"
	"github.com/realmhq/realm-agent/internal/state"
	"github.com/realmhq/realm-agent/internal/upgrade"
	"github.com/stretchr/testify/require"
)

func hostBinary(t *testing.T) []byte {
	t.Helper()
	host := binsniff.HostHeader()
	switch host.OS {
	case binsniff.OSLinux:
		raw := make([]byte, 24)
		copy(raw, []byte{0x7F, 'E', 'L', 'F'})
		raw[4], raw[5] = 2, 1
		machine := map[binsniff.Arch]uint16{
			binsniff.ArchX86_64:  0x3E,
			binsniff.ArchAArch64: 0xB7,
		}[host.Arch]
		raw[18], raw[19] = byte(machine), byte(machine>>8)
		return raw
	default:
		t.Skipf("no synthetic binary builder for host OS %s", host.OS)
		return nil
	}
}

func newEngine(t *testing.T) (*upgrade.Engine, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(dir)
	require.NoError(t, err)
	e := upgrade.New(filepath.Join(dir, "bin"), st, clock.Real(), nil)
	e.Exit = func(int) {} // never actually terminate the test process
	return e, st
}

func TestApply_StagesLinksPersistsAndSpawns(t *testing.T) {
	binary := hostBinary(t)
	e, st := newEngine(t)

	spawned := false
	e.Spawn = func(path string, argv []string, env []string) error {
		spawned = true
		require.FileExists(t, path)
		return nil
	}

	cmd := command.UpgradeAgent{
		Version:   7,
		BinaryB64: base64.StdEncoding.EncodeToString(binary),
	}
	require.NoError(t, e.Apply(cmd))
	require.True(t, spawned)

	require.Equal(t, uint64(7), st.Current().AgentVersion)
	require.Equal(t, uint64(0), st.Current().PreviousAgentVersion)

	current, err := os.Readlink(filepath.Join(e.BinDir, "current"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(e.BinDir, "realm-agent-v7"), current)
}

func TestApply_WrongTargetPlatformRejected(t *testing.T) {
	binary := hostBinary(t)
	e, st := newEngine(t)
	e.Spawn = func(string, []string, []string) error {
		t.Fatal("spawn must not run when TargetOK fails")
		return nil
	}

	cmd := command.UpgradeAgent{
		Version:        3,
		TargetPlatform: "plan9/mips",
		BinaryB64:      base64.StdEncoding.EncodeToString(binary),
	}
	err := e.Apply(cmd)
	require.Error(t, err)
	require.Equal(t, uint64(0), st.Current().AgentVersion)
}

func TestApply_MalformedBase64Rejected(t *testing.T) {
	e, _ := newEngine(t)
	err := e.Apply(command.UpgradeAgent{Version: 1, BinaryB64: "not-base64!!"})
	require.Error(t, err)
}

func TestApply_SpawnFailureRollsBackPersistedVersion(t *testing.T) {
	binary := hostBinary(t)
	e, st := newEngine(t)

	// Simulate an agent already at version 4 before this upgrade.
	require.NoError(t, st.Save(state.State{AgentVersion: 4}))

	spawnErr := errors.New("exec: no such file")
	e.Spawn = func(string, []string, []string) error { return spawnErr }

	cmd := command.UpgradeAgent{
		Version:   5,
		BinaryB64: base64.StdEncoding.EncodeToString(binary),
	}
	err := e.Apply(cmd)
	require.ErrorIs(t, err, spawnErr)

	// Rollback must leave the store at the pre-upgrade version, not
	// stuck on the version whose spawn never succeeded.
	require.Equal(t, uint64(4), st.Current().AgentVersion)
}
