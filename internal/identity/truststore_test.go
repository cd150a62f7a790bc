package identity_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/realmhq/realm-agent/internal/identity"
	"github.com/stretchr/testify/require"
)

func TestTrustStore_TOFU(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "owner.pub")

	ts, err := identity.OpenTrustStore(path)
	require.NoError(t, err)
	require.Nil(t, ts.Owner())

	ownerA, err := identity.LoadOrCreate(filepath.Join(dir, "a.key"))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, ts.Check(ownerA.Public, now))
	require.True(t, ts.Owner().Equal(ownerA.Public))
	require.Equal(t, now, ts.EnrolledAt())

	// Same owner again: still fine, no change.
	require.NoError(t, ts.Check(ownerA.Public, now.Add(time.Minute)))
	require.Equal(t, now, ts.EnrolledAt())

	// Different owner: rejected regardless of the new key's own
	// signature validity (Check is only ever invoked post-verification,
	// so here we're asserting the lock-in itself).
	ownerB, err := identity.LoadOrCreate(filepath.Join(dir, "b.key"))
	require.NoError(t, err)
	err = ts.Check(ownerB.Public, now)
	require.Error(t, err)
	require.True(t, ts.Owner().Equal(ownerA.Public))
}

func TestTrustStore_PersistsAcrossReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "owner.pub")

	ownerA, err := identity.LoadOrCreate(filepath.Join(dir, "a.key"))
	require.NoError(t, err)

	ts1, err := identity.OpenTrustStore(path)
	require.NoError(t, err)
	require.NoError(t, ts1.Check(ownerA.Public, time.Now()))

	ts2, err := identity.OpenTrustStore(path)
	require.NoError(t, err)
	require.True(t, ts2.Owner().Equal(ownerA.Public))
}
