// Package supervisor owns the authoritative desired component set and
// reconciles observed running replicas toward it.
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/realmhq/realm-agent/internal/cas"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/realmhq/realm-agent/internal/wasmrt"
	"github.com/realmhq/realm-agent/pkg/manifest"
)

// DesiredComponent is the runtime form of one entry in the desired
// set: a manifest component spec plus the local CAS path of its
// verified artifact.
type DesiredComponent struct {
	Name      string
	LocalPath string
	Spec      manifest.ComponentSpec
}

// Metrics is the subset of the metrics registry's gauges/counters the
// Supervisor updates.
// Kept as an interface so this package has no import on internal/metrics.
type Metrics interface {
	SetComponentsDesired(n int)
	SetComponentsRunning(n int)
	IncRestarts()
	IncRunOK()
	IncRunError()
}

type nopMetrics struct{}

func (nopMetrics) SetComponentsDesired(int) {}
func (nopMetrics) SetComponentsRunning(int) {}
func (nopMetrics) IncRestarts() {}
func (nopMetrics) IncRunOK() {}
func (nopMetrics) IncRunError() {}

// LogSink receives component stdout/stderr lines, labelled by component
// name. Implemented by internal/metrics' LogBuffer; kept as an
// interface so this package has no import on internal/metrics.
type LogSink interface {
	Write(label, line string)
}

type nopLogSink struct{}

func (nopLogSink) Write(string, string) {}

// Config configures a Supervisor.
type Config struct {
	Logger   *slog.Logger
	Clock    clock.Clock
	Interval time.Duration // reconciliation tick; defaults to 2s
	Metrics  Metrics

	Engine      *wasmrt.Engine
	Logs        LogSink
	PoolWorkers int // bounds concurrent replica launches; defaults to runtime.NumCPU()*4
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Logs == nil {
		c.Logs = nopLogSink{}
	}
	if c.PoolWorkers <= 0 {
		c.PoolWorkers = runtime.NumCPU() * 4
	}
}

// Supervisor reconciles observed replicas toward a desired component set
// on a fixed interval.
type Supervisor struct {
	log   *slog.Logger
	clock clock.Clock
	cfg   Config

	pool pond.Pool

	mu      sync.Mutex
	desired map[string]DesiredComponent
	running map[string]*atomic.Int32
}

// New constructs a Supervisor. Launches are dispatched through a bounded
// worker pool rather than bare goroutines, so a manifest declaring many
// components at once can't spawn unbounded concurrent instantiations.
func New(cfg Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		cfg:     cfg,
		pool:    pond.NewPool(cfg.PoolWorkers),
		desired: map[string]DesiredComponent{},
		running: map[string]*atomic.Int32{},
	}
}

// SetDesired replaces the entire authoritative desired set.
func (s *Supervisor) SetDesired(set map[string]DesiredComponent) {
	s.mu.Lock()
	s.desired = make(map[string]DesiredComponent, len(set))
	for k, v := range set {
		s.desired[k] = v
	}
	s.mu.Unlock()
	s.cfg.Metrics.SetComponentsDesired(len(set))
}

// UpsertComponent adds or replaces one entry in the desired set.
func (s *Supervisor) UpsertComponent(dc DesiredComponent) {
	s.mu.Lock()
	s.desired[dc.Name] = dc
	n := len(s.desired)
	s.mu.Unlock()
	s.cfg.Metrics.SetComponentsDesired(n)
}

// Remove deletes name from the desired set. Running replicas already
// launched are not killed mid-run by this operation alone; they simply
// stop being restarted on the next tick once they exit.
func (s *Supervisor) Remove(name string) {
	s.mu.Lock()
	delete(s.desired, name)
	n := len(s.desired)
	s.mu.Unlock()
	s.cfg.Metrics.SetComponentsDesired(n)
}

// GetDesiredSnapshot returns a copy of the current desired set.
func (s *Supervisor) GetDesiredSnapshot() map[string]DesiredComponent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]DesiredComponent, len(s.desired))
	for k, v := range s.desired {
		out[k] = v
	}
	return out
}

// RunningReplicas reports the current observed replica count for name.
func (s *Supervisor) RunningReplicas(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.running[name]
	if !ok {
		return 0
	}
	return int(c.Load())
}

// LoadFromCAS seeds the desired set on boot from a previously accepted
// manifest document, verifying every component's pinned digest against
// the CAS before trusting its path.
func (s *Supervisor) LoadFromCAS(store *cas.Store, doc manifest.Document) error {
	set := make(map[string]DesiredComponent, len(doc.Components))
	for name, spec := range doc.Components {
		path, err := store.GetPath(spec.SHA256Hex)
		if err != nil {
			s.log.Warn("supervisor: skipping component with missing/unverified artifact", "name", name, "err", err)
			continue
		}
		if err := verifyDigest(path, spec.SHA256Hex); err != nil {
			s.log.Warn("supervisor: skipping component failing digest verification", "name", name, "err", err)
			continue
		}
		set[name] = DesiredComponent{Name: name, LocalPath: path, Spec: spec}
	}
	s.SetDesired(set)
	return nil
}

func verifyDigest(path, wantHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("supervisor: read artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != wantHex {
		return fmt.Errorf("supervisor: digest mismatch for %s", path)
	}
	return nil
}

// Run executes the reconciliation loop at Config.Interval until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor: starting reconciliation loop", "interval", s.cfg.Interval)
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor: stopped by context")
			s.pool.StopAndWait()
			return nil
		case <-ticker.Chan():
			s.reconcile(ctx)
		}
	}
}

// reconcile snapshots the desired set, compares it against observed
// replica counts, launches any shortfall, and reports observed totals.
func (s *Supervisor) reconcile(ctx context.Context) {
	desired := s.GetDesiredSnapshot()

	totalRunning := 0
	for name, dc := range desired {
		want := dc.Spec.ReplicasOrDefault()

		s.mu.Lock()
		counter, ok := s.running[name]
		if !ok {
			counter = &atomic.Int32{}
			s.running[name] = counter
		}
		s.mu.Unlock()

		have := int(counter.Load())
		totalRunning += have
		if have >= want {
			continue
		}
		for i := 0; i < want-have; i++ {
			s.launchReplica(ctx, dc, counter)
		}
	}

	s.cfg.Metrics.SetComponentsRunning(totalRunning)
}

// launchReplica submits one replica instantiation to the bounded pool.
// On exit it decrements the running counter and increments the global
// restart counter; the next reconciliation tick may launch a
// replacement. No backoff is applied: a crash-looping component keeps
// restarting until the operator removes it from the desired set.
func (s *Supervisor) launchReplica(ctx context.Context, dc DesiredComponent, counter *atomic.Int32) {
	counter.Add(1)
	limits := wasmrt.Limits{
		MemoryMaxMB: dc.Spec.MemoryMaxMB,
		FuelUnits:   dc.Spec.FuelUnits,
		EpochMS:     dc.Spec.EpochMS,
	}
	sink := func(line string) { s.cfg.Logs.Write(dc.Name, line) }
	s.pool.Submit(func() {
		defer func() {
			counter.Add(-1)
			s.cfg.Metrics.IncRestarts()
		}()
		if err := s.cfg.Engine.RunComponent(dc.LocalPath, limits, dc.Spec.Mounts, sink); err != nil {
			s.log.Error("supervisor: component run exited with error", "name", dc.Name, "err", err)
			s.cfg.Metrics.IncRunError()
			return
		}
		s.cfg.Metrics.IncRunOK()
	})
}
