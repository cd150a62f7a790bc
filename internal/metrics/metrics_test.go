package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMetricsIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.SetAgentVersion(3)
	b.SetAgentVersion(7)

	require.Equal(t, float64(3), gaugeValue(t, a, "realm_agent_agent_version"))
	require.Equal(t, float64(7), gaugeValue(t, b, "realm_agent_agent_version"))
}

func TestMetricsPeerLabelsIndependent(t *testing.T) {
	m := New()
	m.SetPeerRTTMillis("peer-a", 12.5)
	m.SetPeerRTTMillis("peer-b", 99.0)

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		if fam.GetName() != "realm_agent_peer_rtt_ms" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			values[labelValue(metric, "peer_id")] = metric.GetGauge().GetValue()
		}
	}
	require.Equal(t, 12.5, values["peer-a"])
	require.Equal(t, 99.0, values["peer-b"])
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestMetricsCountersIncrement(t *testing.T) {
	m := New()
	m.IncCommandsReceived()
	m.IncCommandsReceived()
	m.IncManifestsAccepted()

	require.Equal(t, float64(2), counterValue(t, m, "realm_agent_commands_received_total"))
	require.Equal(t, float64(1), counterValue(t, m, "realm_agent_manifests_accepted_total"))
}

func counterValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
