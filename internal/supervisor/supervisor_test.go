package supervisor_test

import (
	"testing"

	"github.com/realmhq/realm-agent/internal/cas"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/realmhq/realm-agent/internal/supervisor"
	"github.com/realmhq/realm-agent/pkg/manifest"
	"github.com/stretchr/testify/require"
)

func TestSetDesired_ReplacesWholeSet(t *testing.T) {
	s := supervisor.New(supervisor.Config{})
	s.SetDesired(map[string]supervisor.DesiredComponent{
		"a": {Name: "a"},
		"b": {Name: "b"},
	})
	require.Len(t, s.GetDesiredSnapshot(), 2)

	s.SetDesired(map[string]supervisor.DesiredComponent{"c": {Name: "c"}})
	snap := s.GetDesiredSnapshot()
	require.Len(t, snap, 1)
	require.Contains(t, snap, "c")
}

func TestUpsertAndRemoveComponent(t *testing.T) {
	s := supervisor.New(supervisor.Config{})
	s.UpsertComponent(supervisor.DesiredComponent{Name: "hello"})
	require.Contains(t, s.GetDesiredSnapshot(), "hello")

	s.Remove("hello")
	require.NotContains(t, s.GetDesiredSnapshot(), "hello")
}

func TestRunningReplicas_ZeroForUnknownComponent(t *testing.T) {
	s := supervisor.New(supervisor.Config{})
	require.Equal(t, 0, s.RunningReplicas("nonexistent"))
}

func TestLoadFromCAS_SkipsComponentsMissingFromCAS(t *testing.T) {
	dir := t.TempDir()
	store, err := cas.Open(dir, clock.NewFake())
	require.NoError(t, err)

	goodDigest, err := store.Put([]byte("good artifact"))
	require.NoError(t, err)

	doc := manifest.Document{
		Components: map[string]manifest.ComponentSpec{
			"good":    {SHA256Hex: goodDigest},
			"missing": {SHA256Hex: "0000000000000000000000000000000000000000000000000000000000000000"},
		},
	}

	s := supervisor.New(supervisor.Config{})
	require.NoError(t, s.LoadFromCAS(store, doc))

	snap := s.GetDesiredSnapshot()
	require.Len(t, snap, 1)
	require.Contains(t, snap, "good")
	require.NotContains(t, snap, "missing")
}
