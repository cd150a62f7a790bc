// Package wasmrt instantiates and runs a single WASM component under
// fuel, epoch, and memory limits, with WASI filesystem preopens.
package wasmrt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v28"
	"github.com/realmhq/realm-agent/pkg/manifest"
)

// epochTick is the granularity of the shared engine's epoch counter.
// Per-run epoch_ms budgets are converted to a per-store deadline in
// units of this tick, so one background ticker serves stores with
// different wall-clock budgets.
const epochTick = 10 * time.Millisecond

// LineWriter receives one line of guest stdout/stderr output.
type LineWriter func(line string)

// Limits bounds one component instantiation.
type Limits struct {
	MemoryMaxMB int
	FuelUnits   uint64
	EpochMS     int
}

// Metrics receives per-run resource observations. Kept as an interface
// so this package has no import on internal/metrics.
type Metrics interface {
	SetMemoryCurrentBytes(uint64)
	SetMemoryPeakBytes(uint64)
	AddFuelConsumed(uint64)
}

// Engine owns a wasmtime.Engine configured for fuel consumption and
// epoch interruption, shared across every component instantiation so
// module compilation can be cached and the epoch ticker runs once.
type Engine struct {
	inner *wasmtime.Engine

	// Metrics, when non-nil, receives guest memory and fuel
	// observations after every run.
	Metrics Metrics

	memPeak atomic.Uint64
}

// NewEngine builds the shared wasmtime engine.
func NewEngine() (*Engine, error) {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	cfg.SetEpochInterruption(true)
	inner := wasmtime.NewEngineWithConfig(cfg)
	return &Engine{inner: inner}, nil
}

// TickEpoch runs the background epoch ticker, incrementing the engine
// epoch every epochTick until ctx is cancelled. Any in-flight
// instantiation whose epoch deadline has elapsed traps on its next
// checkpoint.
func (e *Engine) TickEpoch(ctx context.Context) {
	ticker := time.NewTicker(epochTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.inner.IncrementEpoch()
		}
	}
}

// RunComponent instantiates the component at path and runs it to
// completion under limits and mounts, returning nil on success or a
// *RunError classifying the failure. When out is non-nil, the guest's
// stdout and stderr are captured and delivered to it line by line;
// when nil, they are inherited from the agent process.
func (e *Engine) RunComponent(path string, limits Limits, mounts []manifest.Mount, out LineWriter) error {
	wasmBytes, err := readAll(path)
	if err != nil {
		return newRunError(KindLoadError, err)
	}

	module, err := wasmtime.NewModule(e.inner, wasmBytes)
	if err != nil {
		return newRunError(KindLoadError, err)
	}

	store := wasmtime.NewStore(e.inner)
	defer store.Close()

	if limits.FuelUnits > 0 {
		if err := store.SetFuel(limits.FuelUnits); err != nil {
			return newRunError(KindLoadError, fmt.Errorf("set fuel: %w", err))
		}
	}
	if limits.EpochMS > 0 {
		store.SetEpochDeadline(epochDeadlineTicks(limits.EpochMS))
	}

	if limits.MemoryMaxMB > 0 {
		// -1 keeps wasmtime's default for the limits we don't cap.
		store.Limiter(int64(limits.MemoryMaxMB)*1024*1024, -1, -1, -1, -1)
	}

	wasiConfig := wasmtime.NewWasiConfig()
	if out == nil {
		wasiConfig.InheritStdout()
		wasiConfig.InheritStderr()
	} else {
		stdoutPath, err := captureFile("stdout")
		if err != nil {
			return newRunError(KindLoadError, err)
		}
		defer os.Remove(stdoutPath)
		stderrPath, err := captureFile("stderr")
		if err != nil {
			return newRunError(KindLoadError, err)
		}
		defer os.Remove(stderrPath)
		if err := wasiConfig.SetStdoutFile(stdoutPath); err != nil {
			return newRunError(KindLoadError, fmt.Errorf("capture stdout: %w", err))
		}
		if err := wasiConfig.SetStderrFile(stderrPath); err != nil {
			return newRunError(KindLoadError, fmt.Errorf("capture stderr: %w", err))
		}
		// Drain whatever the guest wrote, even when instantiation or
		// the entrypoint traps partway through.
		defer func() {
			drainLines(stdoutPath, out)
			drainLines(stderrPath, out)
		}()
	}
	for _, m := range mounts {
		dirPerms := wasmtime.DIR_READ | wasmtime.DIR_WRITE
		filePerms := wasmtime.FILE_READ | wasmtime.FILE_WRITE
		if m.ReadOnly {
			dirPerms = wasmtime.DIR_READ
			filePerms = wasmtime.FILE_READ
		}
		if err := wasiConfig.PreopenDir(m.Host, m.Guest, dirPerms, filePerms); err != nil {
			return newRunError(KindLoadError, fmt.Errorf("preopen %s: %w", m.Host, err))
		}
	}
	store.SetWasi(wasiConfig)

	linker := wasmtime.NewLinker(e.inner)
	if err := linker.DefineWasi(); err != nil {
		return newRunError(KindLoadError, fmt.Errorf("define wasi: %w", err))
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return classifyTrap(err)
	}

	runErr := runEntrypoint(store, instance)
	e.observe(store, instance, limits)
	return runErr
}

// observe reports guest memory usage and fuel consumption for the run
// just finished. Best-effort: a guest without an exported memory, or a
// store whose fuel was never set, simply reports nothing.
func (e *Engine) observe(store *wasmtime.Store, instance *wasmtime.Instance, limits Limits) {
	if e.Metrics == nil {
		return
	}
	if ext := instance.GetExport(store, "memory"); ext != nil {
		if mem := ext.Memory(); mem != nil {
			used := uint64(mem.DataSize(store))
			e.Metrics.SetMemoryCurrentBytes(used)
			for {
				peak := e.memPeak.Load()
				if used <= peak {
					break
				}
				if e.memPeak.CompareAndSwap(peak, used) {
					break
				}
			}
			e.Metrics.SetMemoryPeakBytes(e.memPeak.Load())
		}
	}
	if limits.FuelUnits > 0 {
		if remaining, err := store.GetFuel(); err == nil && remaining <= limits.FuelUnits {
			e.Metrics.AddFuelConsumed(limits.FuelUnits - remaining)
		}
	}
}

// epochDeadlineTicks converts a per-run epoch budget in milliseconds
// to a store deadline in engine ticks, minimum one tick, so epoch_ms
// is a wall-clock budget rather than an on/off flag.
func epochDeadlineTicks(epochMS int) uint64 {
	ticks := uint64(time.Duration(epochMS) * time.Millisecond / epochTick)
	if ticks < 1 {
		return 1
	}
	return ticks
}

// captureFile creates an empty temp file for the guest to write one of
// its output streams into, returning its path. The handle is closed
// immediately: wasmtime reopens the file by path.
func captureFile(tag string) (string, error) {
	f, err := os.CreateTemp("", "component-"+tag+"-*")
	if err != nil {
		return "", fmt.Errorf("create %s capture file: %w", tag, err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close %s capture file: %w", tag, err)
	}
	return name, nil
}

// drainLines forwards the captured output file at path to out, one
// line per call, dropping empty lines.
func drainLines(path string, out LineWriter) {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		if line != "" {
			out(line)
		}
	}
}

// runEntrypoint tries, in order, the two supported forms of the `run`
// export: void, and returning a result code.
func runEntrypoint(store *wasmtime.Store, instance *wasmtime.Instance) error {
	run := instance.GetExport(store, "run")
	if run == nil || run.Func() == nil {
		return newRunError(KindMissingEntry, ErrMissingEntrypoint)
	}
	fn := run.Func()

	ret, err := fn.Call(store)
	if err != nil {
		return classifyTrap(err)
	}

	// Form 2: a `run` returning a success/error result is surfaced by
	// wasmtime-go as a non-nil return value; treat any non-nil,
	// non-zero result as a guest-reported failure.
	if ret != nil {
		if code, ok := ret.(int32); ok && code != 0 {
			return newRunError(KindGuestTrap, fmt.Errorf("run returned non-zero result %d", code))
		}
	}
	return nil
}

// classifyTrap maps a wasmtime error into the semantic Kind taxonomy.
// Fuel exhaustion and epoch-deadline interruption are both reported by
// wasmtime as typed traps; a store limiter denying a memory grow is
// not its own trap code, so it is recognized from the host error
// message the limiter-rejected growth produces instead.
func classifyTrap(err error) error {
	if trap, ok := err.(*wasmtime.Trap); ok {
		if code := trap.Code(); code != nil {
			switch *code {
			case wasmtime.OutOfFuel:
				return newRunError(KindFuelExhausted, err)
			case wasmtime.Interrupt:
				return newRunError(KindEpochDeadline, err)
			}
		}
	}
	if isMemoryLimitError(err) {
		return newRunError(KindMemoryLimit, err)
	}
	return newRunError(KindGuestTrap, err)
}

// isMemoryLimitError recognizes the host error wasmtime produces when a
// ResourceLimiter (our memory cap) denies a memory or table growth.
func isMemoryLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource limit exceeded") ||
		strings.Contains(msg, "exceeds memory limits") ||
		strings.Contains(msg, "forbidden by runtime limits")
}
