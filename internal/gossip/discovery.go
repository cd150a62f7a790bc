package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// beacon is the periodic UDP multicast announcement a node sends so
// peers on the same local network discover it without bootstrap
// configuration.
type beacon struct {
	PeerID   string   `json:"peer_id"`
	MeshAddr string   `json:"mesh_addr"`
	Tags     []string `json:"tags,omitempty"`
}

// DiscoveryConfig configures the multicast discovery listener+announcer.
// Field shape mirrors a UDP multicast listener config.
type DiscoveryConfig struct {
	Logger        *slog.Logger
	MulticastIP   string // e.g. "239.42.0.1"
	Port          int
	InterfaceName string
	Announce      PeerInfo // this node's own beacon: peer id, dialable mesh address, tags
	Interval      time.Duration
	TTL           time.Duration
}

// DefaultDiscoveryConfig returns sensible local-network defaults.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Logger:      slog.Default(),
		MulticastIP: "239.42.0.1",
		Port:        7475,
		Interval:    5 * time.Second,
		TTL:         20 * time.Second,
	}
}

// Discovery listens for and emits multicast beacons, feeding discovered
// peers into a PeerTable.
type Discovery struct {
	log           *slog.Logger
	multicastIP   net.IP
	port          int
	interfaceName string
	interval      time.Duration
	self          beacon

	peers *PeerTable
}

// NewDiscovery builds a Discovery that will populate peers on receipt
// of beacons from other nodes.
func NewDiscovery(cfg DiscoveryConfig, peers *PeerTable) (*Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ip := net.ParseIP(cfg.MulticastIP)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("gossip: invalid multicast IP %q", cfg.MulticastIP)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Discovery{
		log:           cfg.Logger,
		multicastIP:   ip,
		port:          cfg.Port,
		interfaceName: cfg.InterfaceName,
		interval:      interval,
		self: beacon{
			PeerID:   cfg.Announce.PeerID,
			MeshAddr: cfg.Announce.MeshAddr,
			Tags:     cfg.Announce.Tags,
		},
		peers: peers,
	}, nil
}

// Run listens for peer beacons and announces this node's own beacon on
// Interval, until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) error {
	conn, err := d.listen()
	if err != nil {
		return fmt.Errorf("gossip: multicast listen: %w", err)
	}
	defer conn.Close()

	sendConn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: d.multicastIP, Port: d.port})
	if err != nil {
		return fmt.Errorf("gossip: multicast dial: %w", err)
	}
	defer sendConn.Close()

	go d.announceLoop(ctx, sendConn)

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			d.log.Error("gossip: set read deadline", "err", err)
			continue
		}
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.log.Warn("gossip: multicast read error", "err", err)
			continue
		}

		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			continue // not one of ours; ignore
		}
		if b.PeerID == "" || b.PeerID == d.self.PeerID {
			continue
		}
		d.peers.Upsert(PeerInfo{PeerID: b.PeerID, MeshAddr: dialableAddr(b.MeshAddr, src), Tags: b.Tags})
	}
}

func (d *Discovery) announceLoop(ctx context.Context, conn *net.UDPConn) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	body, err := json.Marshal(d.self)
	if err != nil {
		d.log.Error("gossip: encode beacon", "err", err)
		return
	}

	for {
		if _, err := conn.Write(body); err != nil {
			d.log.Warn("gossip: beacon send failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) listen() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: d.multicastIP, Port: d.port})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	var ifi *net.Interface
	if d.interfaceName != "" {
		ifi, err = net.InterfaceByName(d.interfaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("interface %s: %w", d.interfaceName, err)
		}
	}
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: d.multicastIP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join multicast group: %w", err)
	}
	return conn, nil
}

// dialableAddr substitutes the beacon's source IP when the advertised
// mesh address binds the wildcard ("0.0.0.0:4242" is listenable, not
// dialable).
func dialableAddr(advertised string, src *net.UDPAddr) string {
	host, port, err := net.SplitHostPort(advertised)
	if err != nil || src == nil {
		return advertised
	}
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort(src.IP.String(), port)
	}
	return advertised
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
