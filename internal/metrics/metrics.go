// Package metrics implements in-memory counters/gauges and a per-label
// log ring buffer, served over a local HTTP endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "realm_agent"

	labelErrorType = "error_type"
	labelPeerID    = "peer_id"
)

// Metrics owns one private prometheus.Registry per agent instance (not
// the global default registry), so multiple agents can run in-process
// in tests without colliding metric names.
type Metrics struct {
	Registry *prometheus.Registry

	commandsReceived  prometheus.Counter
	statusPublished   prometheus.Counter
	publishErrors     prometheus.Counter
	runsOK            prometheus.Counter
	runsError         prometheus.Counter
	manifestsAccepted prometheus.Counter
	manifestsRejected prometheus.Counter
	upgradesAccepted  prometheus.Counter
	upgradesRejected  prometheus.Counter
	restartsTotal     prometheus.Counter
	rejectedSig       prometheus.Counter
	rejectedOwner     prometheus.Counter
	rejectedStale     prometheus.Counter
	rejectedDigest    prometheus.Counter

	agentVersion       prometheus.Gauge
	manifestVersion    prometheus.Gauge
	componentsDesired  prometheus.Gauge
	componentsRunning  prometheus.Gauge
	memoryCurrentBytes prometheus.Gauge
	memoryPeakBytes    prometheus.Gauge
	fuelConsumed       prometheus.Gauge

	peerRTTMillis *prometheus.GaugeVec
	peerLossRatio *prometheus.GaugeVec
}

// New builds a Metrics instance registered against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		commandsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_received_total", Help: "Command frames received from the gossip mesh.",
		}),
		statusPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_published_total", Help: "Status frames published.",
		}),
		publishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_errors_total", Help: "Gossip publish failures.",
		}),
		runsOK: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_ok_total", Help: "Component/job runs that completed without error.",
		}),
		runsError: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_error_total", Help: "Component/job runs that exited with an error.",
		}),
		manifestsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "manifests_accepted_total", Help: "ApplyManifest commands accepted.",
		}),
		manifestsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "manifests_rejected_total", Help: "ApplyManifest commands rejected.",
		}),
		upgradesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "upgrades_accepted_total", Help: "UpgradeAgent commands accepted.",
		}),
		upgradesRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "upgrades_rejected_total", Help: "UpgradeAgent commands rejected.",
		}),
		restartsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "restarts_total", Help: "Component replica restarts.",
		}),
		rejectedSig: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_sig_total", Help: "Commands rejected for a bad signature.",
		}),
		rejectedOwner: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_owner_total", Help: "Commands rejected for an owner mismatch.",
		}),
		rejectedStale: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_stale_total", Help: "Commands rejected for a stale version.",
		}),
		rejectedDigest: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_digest_total", Help: "Commands rejected for a digest mismatch.",
		}),

		agentVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agent_version", Help: "Currently running agent version.",
		}),
		manifestVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "manifest_version", Help: "Currently accepted manifest version.",
		}),
		componentsDesired: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "components_desired", Help: "Components in the desired set.",
		}),
		componentsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "components_running", Help: "Components currently observed running.",
		}),
		memoryCurrentBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_current_bytes", Help: "Current WASM guest memory usage.",
		}),
		memoryPeakBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_peak_bytes", Help: "Peak WASM guest memory usage.",
		}),
		fuelConsumed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fuel_consumed", Help: "Fuel units consumed, summed over all runs.",
		}),

		peerRTTMillis: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peer_rtt_ms", Help: "Round-trip time to a mesh peer.",
		}, []string{labelPeerID}),
		peerLossRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peer_loss_ratio", Help: "Observed packet loss ratio to a mesh peer.",
		}, []string{labelPeerID}),
	}
}

// command.Counters implementation (internal/command depends on this
// interface, not on this package directly, to avoid an import cycle).

func (m *Metrics) IncCommandsReceived() { m.commandsReceived.Inc() }
func (m *Metrics) IncRejectedSig() { m.rejectedSig.Inc() }
func (m *Metrics) IncRejectedOwner() { m.rejectedOwner.Inc() }
func (m *Metrics) IncRejectedStale() { m.rejectedStale.Inc() }
func (m *Metrics) IncRejectedDigest() { m.rejectedDigest.Inc() }
func (m *Metrics) IncManifestsAccepted() { m.manifestsAccepted.Inc() }
func (m *Metrics) IncManifestsRejected() { m.manifestsRejected.Inc() }
func (m *Metrics) IncUpgradesAccepted() { m.upgradesAccepted.Inc() }
func (m *Metrics) IncUpgradesRejected() { m.upgradesRejected.Inc() }

// supervisor.Metrics implementation.

func (m *Metrics) SetComponentsDesired(n int) { m.componentsDesired.Set(float64(n)) }
func (m *Metrics) SetComponentsRunning(n int) { m.componentsRunning.Set(float64(n)) }
func (m *Metrics) IncRestarts() { m.restartsTotal.Inc() }
func (m *Metrics) IncRunOK() { m.runsOK.Inc() }
func (m *Metrics) IncRunError() { m.runsError.Inc() }

// Remaining gauges/counters not behind a narrower interface.

func (m *Metrics) SetAgentVersion(v uint64) { m.agentVersion.Set(float64(v)) }
func (m *Metrics) SetManifestVersion(v uint64) { m.manifestVersion.Set(float64(v)) }
func (m *Metrics) SetMemoryCurrentBytes(b uint64) { m.memoryCurrentBytes.Set(float64(b)) }
func (m *Metrics) SetMemoryPeakBytes(b uint64) { m.memoryPeakBytes.Set(float64(b)) }
func (m *Metrics) AddFuelConsumed(units uint64) { m.fuelConsumed.Add(float64(units)) }
func (m *Metrics) IncStatusPublished() { m.statusPublished.Inc() }
func (m *Metrics) IncPublishError() { m.publishErrors.Inc() }

func (m *Metrics) SetPeerRTTMillis(peerID string, ms float64) {
	m.peerRTTMillis.WithLabelValues(peerID).Set(ms)
}
func (m *Metrics) SetPeerLossRatio(peerID string, ratio float64) {
	m.peerLossRatio.WithLabelValues(peerID).Set(ratio)
}
