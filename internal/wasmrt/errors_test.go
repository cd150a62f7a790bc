package wasmrt_test

import (
	"errors"
	"testing"

	"github.com/realmhq/realm-agent/internal/wasmrt"
	"github.com/stretchr/testify/require"
)

func TestRunError_ErrorAndUnwrap(t *testing.T) {
	underlying := errors.New("fuel consumed")
	err := &wasmrt.RunError{Kind: wasmrt.KindFuelExhausted, Err: underlying}

	require.Equal(t, "fuel_exhausted: fuel consumed", err.Error())
	require.ErrorIs(t, err, underlying)
}

func TestRunError_NoUnderlyingError(t *testing.T) {
	err := &wasmrt.RunError{Kind: wasmrt.KindMissingEntry}
	require.Equal(t, "missing_entrypoint", err.Error())
	require.Nil(t, err.Unwrap())
}
