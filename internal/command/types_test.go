package command_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/realmhq/realm-agent/internal/command"
	"github.com/realmhq/realm-agent/internal/jobs"
	"github.com/realmhq/realm-agent/pkg/manifest"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Hello(t *testing.T) {
	t.Parallel()
	raw, err := command.Encode(command.Hello{From: "node-a"})
	require.NoError(t, err)

	got, err := command.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, command.Hello{From: "node-a"}, got)
}

func TestEncodeDecode_CancelJob(t *testing.T) {
	t.Parallel()
	raw, err := command.Encode(command.CancelJob{JobID: "job-1"})
	require.NoError(t, err)

	got, err := command.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, command.CancelJob{JobID: "job-1"}, got)
}

func TestEncodeDecode_SubmitJob(t *testing.T) {
	t.Parallel()
	spec := jobs.Spec{Name: "build", Kind: jobs.KindOneShot, Variant: jobs.VariantWASM, Source: "cas:abc"}
	raw, err := command.Encode(command.SubmitJob{Spec: spec})
	require.NoError(t, err)

	got, err := command.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, command.SubmitJob{Spec: spec}, got)
}

func TestEncodeDecode_PushComponent(t *testing.T) {
	t.Parallel()
	cmd := command.PushComponent{
		Unsigned: command.PushUnsigned{
			OwnerPubBase58: "ed25519:abc",
			TargetPeerIDs:  []string{"peer-a", "peer-b"},
			TargetTags:     []string{"edge", "gpu"},
			ComponentName:  "hello",
			MemoryMaxMB:    64,
			FuelUnits:      1_000_000,
			EpochMS:        50,
			Digest:         "deadbeef",
			Replicas:       2,
			Start:          true,
			Mounts: []manifest.Mount{
				{Host: "/data", Guest: "/data", ReadOnly: false},
			},
			Ports:      []int{8080},
			Visibility: manifest.VisibilityPublic,
		},
		BinaryB64:    "AAAA",
		SignatureB64: "BBBB",
	}
	raw, err := command.Encode(cmd)
	require.NoError(t, err)

	got, err := command.Decode(raw)
	require.NoError(t, err)
	// cmp.Diff over testify's require.Equal here: PushUnsigned nests
	// slices and a custom Visibility type, and a failing diff should
	// point at the one field that changed rather than dumping both
	// structs.
	if diff := cmp.Diff(cmd, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	t.Parallel()
	_, err := command.Decode([]byte(`{"type":"SomeFutureVariant","x":1}`))
	require.ErrorIs(t, err, command.ErrUnknownType)
}

func TestDecode_MalformedJSON(t *testing.T) {
	t.Parallel()
	_, err := command.Decode([]byte(`not json`))
	require.Error(t, err)
}
