package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/realmhq/realm-agent/internal/cas"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/realmhq/realm-agent/internal/wasmrt"
)

// LogBuffer is the subset of the metrics log ring buffer the executor
// writes subprocess output to, labelled by job id. Kept as an
// interface so this package has no import on internal/metrics.
type LogBuffer interface {
	Write(label, line string)
}

// Persister durably records Instance transitions.
type Persister interface {
	SaveJob(Instance) error
}

// Hooks are invoked on Instance lifecycle transitions so the gossip
// layer can publish JobStarted/JobCompleted/JobFailed broadcasts. The
// executor has no direct dependency on the command/gossip packages;
// cmd/realm-agent wires these.
type Hooks struct {
	OnStarted   func(Instance)
	OnCompleted func(Instance)
	OnFailed    func(Instance)
}

// Config configures an Executor.
type Config struct {
	CAS    *cas.Store
	Engine *wasmrt.Engine
	Policy Policy

	Logger      *slog.Logger
	Clock       clock.Clock
	PoolWorkers int
	NodeID      string
	NodeTags    []string

	LogBuffer LogBuffer
	Persist   Persister
	Hooks     Hooks
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.PoolWorkers <= 0 {
		c.PoolWorkers = 16
	}
	if c.LogBuffer == nil {
		c.LogBuffer = nopLogBuffer{}
	}
}

type nopLogBuffer struct{}

func (nopLogBuffer) Write(string, string) {}

type nopPersister struct{}

func (nopPersister) SaveJob(Instance) error { return nil }

// Executor runs submitted jobs: Pending → Running →
// {Completed|Failed|Cancelled}, dispatched by runtime variant, with
// cancellation, pre-staging, and artifact capture.
type Executor struct {
	cfg  Config
	pool pond.Pool

	mu        sync.Mutex
	instances map[string]*Instance
	cancels   map[string]*cancelHandle
}

type cancelHandle struct {
	cancel    context.CancelFunc
	requested atomic.Bool
}

// New constructs an Executor. Job dispatch runs on its own bounded pool,
// separate from the Supervisor's replica-launch pool, so a burst of
// submitted jobs cannot starve component launches.
func New(cfg Config) *Executor {
	cfg.setDefaults()
	if cfg.Persist == nil {
		cfg.Persist = nopPersister{}
	}
	return &Executor{
		cfg:       cfg,
		pool:      pond.NewPool(cfg.PoolWorkers),
		instances: map[string]*Instance{},
		cancels:   map[string]*cancelHandle{},
	}
}

func newJobID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Submit records a new Pending Instance and dispatches it to the pool.
// A spec whose Targeting excludes this node (by peer id and declared
// tags) is a silent no-op: nothing is recorded and Submit returns nil.
func (e *Executor) Submit(spec Spec) *Instance {
	if !spec.Targeting.Matches(e.cfg.NodeID, e.cfg.NodeTags) {
		e.cfg.Logger.Debug("jobs: submit skipped, targeting does not match this node", "job_name", spec.Name)
		return nil
	}

	now := e.cfg.Clock.Now()
	inst := &Instance{
		ID:          newJobID(),
		Spec:        spec,
		Status:      StatusPending,
		SubmittedAt: now,
	}

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()
	e.persist(*inst)

	e.pool.Submit(func() { e.run(inst) })
	return inst
}

// Restore re-registers instances persisted by a previous process. Any
// instance that was still Pending or Running when that process died is
// marked Failed: its child process or WASM store did not survive the
// restart, so the work cannot be resumed.
func (e *Executor) Restore(instances []Instance) {
	now := e.cfg.Clock.Now()
	for _, inst := range instances {
		if !inst.Status.Terminal() {
			inst.Status = StatusFailed
			inst.Error = "interrupted by agent restart"
			completed := now
			inst.CompletedAt = &completed
			e.persist(inst)
		}
		cp := inst
		e.mu.Lock()
		e.instances[cp.ID] = &cp
		e.mu.Unlock()
	}
}

// Get returns a copy of the instance for id, if known.
func (e *Executor) Get(id string) (Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// List returns a snapshot of every known instance.
func (e *Executor) List() []Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, *inst)
	}
	return out
}

// Cancel requests cancellation of job id. Terminal instances are
// no-ops; a job still Pending is marked Cancelled directly, and a
// Running job's context is cancelled, killing its child process.
func (e *Executor) Cancel(id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("jobs: unknown job %s", id)
	}
	if inst.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	if inst.Status == StatusPending {
		inst.Status = StatusCancelled
		completed := e.cfg.Clock.Now()
		inst.CompletedAt = &completed
		e.mu.Unlock()
		e.persist(*inst)
		return nil
	}
	handle := e.cancels[id]
	e.mu.Unlock()
	if handle != nil {
		handle.requested.Store(true)
		handle.cancel()
	}
	return nil
}

func (e *Executor) persist(inst Instance) {
	if err := e.cfg.Persist.SaveJob(inst); err != nil {
		e.cfg.Logger.Error("jobs: failed to persist instance", "job_id", inst.ID, "err", err)
	}
}

func (e *Executor) update(id string, fn func(*Instance)) Instance {
	e.mu.Lock()
	inst := e.instances[id]
	fn(inst)
	cp := *inst
	e.mu.Unlock()
	e.persist(cp)
	return cp
}

func (e *Executor) run(inst *Instance) {
	e.mu.Lock()
	alreadyCancelled := inst.Status == StatusCancelled
	e.mu.Unlock()
	if alreadyCancelled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if d := inst.Spec.Timeout(); d > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, d)
		defer timeoutCancel()
	}
	handle := &cancelHandle{cancel: cancel}

	e.mu.Lock()
	e.cancels[inst.ID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, inst.ID)
		e.mu.Unlock()
		cancel()
	}()

	started := e.update(inst.ID, func(i *Instance) {
		now := e.cfg.Clock.Now()
		i.Status = StatusRunning
		i.StartedAt = &now
		i.AssignedNode = e.cfg.NodeID
	})
	if e.cfg.Hooks.OnStarted != nil {
		e.cfg.Hooks.OnStarted(started)
	}

	if len(inst.Spec.PreStage) > 0 {
		if err := preStage(e.cfg.CAS, inst.Spec.PreStage); err != nil {
			e.finishFailed(inst, err)
			return
		}
	}

	exitCode, runErr := e.dispatch(ctx, inst, handle)

	if handle.requested.Load() {
		e.finishCancelled(inst)
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.finishFailed(inst, &TimeoutError{Minutes: inst.Spec.TimeoutMin})
		return
	}
	if runErr != nil {
		e.finishFailed(inst, runErr)
		return
	}

	artifacts, err := captureArtifacts(e.cfg.CAS, inst.Spec.Artifacts)
	if err != nil {
		e.finishFailed(inst, err)
		return
	}

	completed := e.update(inst.ID, func(i *Instance) {
		now := e.cfg.Clock.Now()
		i.Status = StatusCompleted
		i.CompletedAt = &now
		i.ExitCode = &exitCode
		i.Artifacts = artifacts
	})
	if e.cfg.Hooks.OnCompleted != nil {
		e.cfg.Hooks.OnCompleted(completed)
	}
}

func (e *Executor) dispatch(ctx context.Context, inst *Instance, handle *cancelHandle) (int, error) {
	switch inst.Spec.Variant {
	case VariantWASM:
		writer := jobLineWriter{buf: e.cfg.LogBuffer, jobID: inst.ID}
		return runWASM(ctx, e.cfg.CAS, e.cfg.Engine, inst.Spec, writer.WriteLine)
	case VariantNative:
		writer := newLogLineSplitter(jobLineWriter{buf: e.cfg.LogBuffer, jobID: inst.ID})
		return runNative(ctx, e.cfg.CAS, inst.Spec, e.cfg.Policy, writer)
	case VariantQEMU:
		writer := newLogLineSplitter(jobLineWriter{buf: e.cfg.LogBuffer, jobID: inst.ID})
		return runQEMU(ctx, e.cfg.CAS, inst.Spec, e.cfg.Policy, writer)
	default:
		return -1, fmt.Errorf("jobs: unknown variant %q", inst.Spec.Variant)
	}
}

func (e *Executor) finishFailed(inst *Instance, cause error) {
	failed := e.update(inst.ID, func(i *Instance) {
		now := e.cfg.Clock.Now()
		i.Status = StatusFailed
		i.CompletedAt = &now
		i.Error = cause.Error()
	})
	if e.cfg.Hooks.OnFailed != nil {
		e.cfg.Hooks.OnFailed(failed)
	}
}

func (e *Executor) finishCancelled(inst *Instance) {
	e.update(inst.ID, func(i *Instance) {
		now := e.cfg.Clock.Now()
		i.Status = StatusCancelled
		i.CompletedAt = &now
	})
}

type jobLineWriter struct {
	buf   LogBuffer
	jobID string
}

func (w jobLineWriter) WriteLine(line string) {
	w.buf.Write(w.jobID, line)
}
