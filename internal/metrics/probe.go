package metrics

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ProbeTarget is a mesh peer to liveness-probe, keyed by its identity
// so RTT/loss gauges can be labelled per-peer.
type ProbeTarget struct {
	PeerID string
	Addr   string
}

// ProbePeer sends a short burst of ICMP/UDP echoes to target.Addr and
// records RTT/loss gauges for target.PeerID, mirroring the bounded, deadline-aware pinger
// pattern a similar agent uses for device latency. It returns the
// measured RTT in milliseconds and loss ratio so callers can carry
// them into the status frame's links field.
func (m *Metrics) ProbePeer(ctx context.Context, target ProbeTarget) (float64, float64, error) {
	p, err := probing.NewPinger(target.Addr)
	if err != nil {
		return 0, 1, err
	}
	p.SetPrivileged(false)
	p.Count = 3
	p.Interval = 200 * time.Millisecond
	p.Timeout = 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if rem := time.Until(deadline); rem > 0 && rem < p.Timeout {
			p.Timeout = rem
		}
	}

	done := make(chan struct{})
	go func() { _ = p.Run(); close(done) }()
	select {
	case <-ctx.Done():
		p.Stop()
		<-done
	case <-done:
	}

	stats := p.Statistics()
	rttMillis := float64(stats.AvgRtt) / float64(time.Millisecond)
	lossRatio := stats.PacketLoss / 100.0
	m.SetPeerRTTMillis(target.PeerID, rttMillis)
	m.SetPeerLossRatio(target.PeerID, lossRatio)
	return rttMillis, lossRatio, nil
}
