package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/realmhq/realm-agent/internal/gossip"
	"github.com/realmhq/realm-agent/internal/metrics"
)

// statusFrame is the periodic self-report every agent publishes on the
// status topic.
type statusFrame struct {
	NodeID                string       `json:"node_id"`
	Msg                   string       `json:"msg"`
	AgentVersion          uint64       `json:"agent_version"`
	ComponentsDesired     int          `json:"components_desired"`
	ComponentsRunning     int          `json:"components_running"`
	CPUPercent            float64      `json:"cpu_percent"`
	MemPercent            float64      `json:"mem_percent"`
	Tags                  []string     `json:"tags,omitempty"`
	Drift                 bool         `json:"drift"`
	TrustedOwnerPubBase58 string       `json:"trusted_owner_pub_bs58,omitempty"`
	Links                 []linkStatus `json:"links,omitempty"`
}

type linkStatus struct {
	PeerID    string  `json:"peer_id"`
	RTTMillis float64 `json:"rtt_ms"`
	LossRatio float64 `json:"loss_ratio"`
}

// runStatusLoop publishes a statusFrame every interval until ctx is
// cancelled, immediately on entry, and whenever kick fires (StatusQuery
// and other notable events).
func runStatusLoop(ctx context.Context, mesh *gossip.Mesh, interval time.Duration, kick <-chan struct{}, log *slog.Logger, build func() statusFrame, onPublished, onPublishError func()) {
	publish := func() {
		frame := build()
		payload, err := json.Marshal(frame)
		if err != nil {
			log.Error("status: encode failed", "err", err)
			return
		}
		if err := mesh.Publish(ctx, gossip.TopicStatus, payload); err != nil {
			log.Warn("status: publish failed", "err", err)
			onPublishError()
			return
		}
		onPublished()
	}

	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		case <-kick:
			publish()
		}
	}
}

// linkTracker holds the most recent probe result per peer for the
// status frame's links field. Entries for peers that have expired from
// the peer table are dropped on the next probe pass.
type linkTracker struct {
	mu    sync.Mutex
	links map[string]linkStatus
}

func newLinkTracker() *linkTracker {
	return &linkTracker{links: map[string]linkStatus{}}
}

func (lt *linkTracker) Record(s linkStatus) {
	lt.mu.Lock()
	lt.links[s.PeerID] = s
	lt.mu.Unlock()
}

func (lt *linkTracker) Retain(peerIDs map[string]struct{}) {
	lt.mu.Lock()
	for id := range lt.links {
		if _, ok := peerIDs[id]; !ok {
			delete(lt.links, id)
		}
	}
	lt.mu.Unlock()
}

func (lt *linkTracker) Snapshot() []linkStatus {
	lt.mu.Lock()
	out := make([]linkStatus, 0, len(lt.links))
	for _, s := range lt.links {
		out = append(out, s)
	}
	lt.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// runProbeLoop pings each known peer's host on a slow interval,
// feeding RTT/loss into both the metrics gauges and the link tracker.
func runProbeLoop(ctx context.Context, m *metrics.Metrics, peers *gossip.PeerTable, links *linkTracker) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot := peers.Snapshot()
		live := make(map[string]struct{}, len(snapshot))
		for _, p := range snapshot {
			live[p.PeerID] = struct{}{}
			host, _, err := net.SplitHostPort(p.MeshAddr)
			if err != nil {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			rtt, loss, err := m.ProbePeer(probeCtx, metrics.ProbeTarget{PeerID: p.PeerID, Addr: host})
			cancel()
			if err != nil {
				continue
			}
			links.Record(linkStatus{PeerID: p.PeerID, RTTMillis: rtt, LossRatio: loss})
		}
		links.Retain(live)
	}
}
