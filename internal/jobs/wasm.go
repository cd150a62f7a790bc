package jobs

import (
	"context"
	"fmt"

	"github.com/realmhq/realm-agent/internal/cas"
	"github.com/realmhq/realm-agent/internal/wasmrt"
)

// runWASM fetches spec.Source into the CAS, verifies any pinned digest,
// and runs it under the WASM runtime's fuel/epoch/memory limits, with
// guest stdout/stderr delivered to out line by line.
// Component runtimes are bounded by fuel and epoch; no external
// cancellation is required.
func runWASM(ctx context.Context, store *cas.Store, engine *wasmrt.Engine, spec Spec, out wasmrt.LineWriter) (int, error) {
	path, err := resolveSource(ctx, store, spec.Source, spec.PinnedSHA)
	if err != nil {
		return -1, fmt.Errorf("jobs: resolve wasm source: %w", err)
	}

	limits := wasmrt.Limits{
		MemoryMaxMB: spec.MemoryMaxMB,
		FuelUnits:   spec.FuelUnits,
		EpochMS:     spec.EpochMS,
	}
	if err := engine.RunComponent(path, limits, nil, out); err != nil {
		return 1, fmt.Errorf("jobs: wasm run failed: %w", err)
	}
	return 0, nil
}
