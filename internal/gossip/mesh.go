package gossip

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/realmhq/realm-agent/internal/identity"
)

const alpnRealmGossip = "realm-gossip"

// Delivery is one verified frame handed to a topic subscriber.
type Delivery struct {
	SenderPeerID string
	Payload      []byte
}

// PublishError is returned by Publish when a frame could not be
// delivered to any connected peer.
var PublishError = errors.New("gossip: publish failed")

// Mesh is the authenticated peer mesh transport: QUIC
// connections to explicitly-known peers, carrying length-prefixed
// signed frames on the command and status topics. Re-gossip/flood to
// peers-of-peers is deliberately not implemented: membership is limited
// to local discovery plus explicit bootstrap dials.
type Mesh struct {
	id  identity.Identity
	log *slog.Logger

	tlsConfig *tls.Config
	listener  *quic.Listener

	seq atomic.Uint64

	mu    sync.RWMutex
	peers map[string]*quic.Conn

	subMu       sync.RWMutex
	commandSubs map[chan<- Delivery]struct{}
	statusSubs  map[chan<- Delivery]struct{}
}

// NewMesh constructs a Mesh bound to listenAddr ("ip:port"), using id's
// node keypair for transport-level frame signing (not for the TLS
// handshake identity, which is a throwaway self-signed cert generated
// once per Mesh, since trust here is established by owner/transport
// signatures over the payload, not by TLS PKI).
func NewMesh(id identity.Identity, listenAddr string, log *slog.Logger) (*Mesh, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConfig, err := selfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("gossip: tls config: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("gossip: resolve listen addr: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("gossip: listen udp: %w", err)
	}
	ln, err := quic.Listen(udpConn, tlsConfig, &quic.Config{MaxIdleTimeout: 60 * time.Second})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("gossip: quic listen: %w", err)
	}

	return &Mesh{
		id:          id,
		log:         log,
		tlsConfig:   tlsConfig,
		listener:    ln,
		peers:       map[string]*quic.Conn{},
		commandSubs: map[chan<- Delivery]struct{}{},
		statusSubs:  map[chan<- Delivery]struct{}{},
	}, nil
}

// Addr returns the mesh's bound local address.
func (m *Mesh) Addr() net.Addr { return m.listener.Addr() }

// Run accepts incoming peer connections until ctx is cancelled.
func (m *Mesh) Run(ctx context.Context) error {
	defer m.listener.Close()
	for {
		conn, err := m.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("gossip: accept failed", "err", err)
			continue
		}
		go m.serveConn(ctx, conn)
	}
}

// Dial best-effort connects to a peer's mesh address. Dialing an
// address that already has a live connection is a no-op. Callers treat
// failures as events to log and retry, not fatal errors.
func (m *Mesh) Dial(ctx context.Context, peerAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return fmt.Errorf("gossip: resolve %s: %w", peerAddr, err)
	}
	m.mu.RLock()
	_, connected := m.peers[udpAddr.String()]
	m.mu.RUnlock()
	if connected {
		return nil
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("gossip: dial socket: %w", err)
	}
	conn, err := quic.Dial(ctx, udpConn, udpAddr, m.tlsConfig, &quic.Config{MaxIdleTimeout: 60 * time.Second})
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("gossip: dial %s: %w", peerAddr, err)
	}
	go m.serveConn(ctx, conn)
	return nil
}

// Disconnect closes any live connection to peerAddr, e.g. when a
// discovered peer's beacon expires. Unknown addresses are a no-op.
func (m *Mesh) Disconnect(peerAddr string) {
	udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return
	}
	m.mu.RLock()
	conn, ok := m.peers[udpAddr.String()]
	m.mu.RUnlock()
	if ok {
		_ = conn.CloseWithError(0, "peer expired")
	}
}

func (m *Mesh) serveConn(ctx context.Context, conn *quic.Conn) {
	peerKey := conn.RemoteAddr().String()
	m.mu.Lock()
	m.peers[peerKey] = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.peers, peerKey)
		m.mu.Unlock()
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go m.serveStream(stream)
	}
}

func (m *Mesh) serveStream(stream *quic.Stream) {
	defer stream.Close()
	for {
		frame, err := ReadFrame(stream)
		if err != nil {
			return
		}
		if _, err := verifyFrame(frame); err != nil {
			m.log.Warn("gossip: dropping frame with bad transport signature", "err", err)
			continue
		}
		m.dispatch(frame)
	}
}

func (m *Mesh) dispatch(f wireFrame) {
	d := Delivery{SenderPeerID: f.SenderPeerID, Payload: f.Payload}
	var subs map[chan<- Delivery]struct{}
	m.subMu.RLock()
	switch f.Topic {
	case TopicCommand:
		subs = m.commandSubs
	case TopicStatus:
		subs = m.statusSubs
	}
	m.subMu.RUnlock()

	for ch := range subs {
		select {
		case ch <- d:
		default:
			m.log.Warn("gossip: dropping frame for slow subscriber", "topic", f.Topic)
		}
	}
}

// Subscribe registers ch to receive Deliveries for topic. The returned
// func unsubscribes.
func (m *Mesh) Subscribe(topic string, ch chan<- Delivery) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	switch topic {
	case TopicCommand:
		m.commandSubs[ch] = struct{}{}
	case TopicStatus:
		m.statusSubs[ch] = struct{}{}
	}
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.commandSubs, ch)
		delete(m.statusSubs, ch)
	}
}

// Publish fans payload out to every currently connected peer on topic,
// one goroutine per peer, and returns once all of them have finished.
// Opening each peer's stream is bounded by a 2-second timeout; the frame
// write itself has no deadline.
func (m *Mesh) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	seq := m.seq.Add(1)
	frame := signFrame(m.id, topic, seq, payload)

	m.mu.RLock()
	conns := make([]*quic.Conn, 0, len(m.peers))
	for _, c := range m.peers {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	if len(conns) == 0 {
		return nil // nothing to fan out to yet; not an error
	}

	var delivered atomic.Bool
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *quic.Conn) {
			defer wg.Done()
			streamCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			stream, err := conn.OpenStreamSync(streamCtx)
			if err != nil {
				return
			}
			defer stream.Close()
			if err := WriteFrame(stream, frame); err != nil {
				return
			}
			delivered.Store(true)
		}(conn)
	}
	wg.Wait()

	if !delivered.Load() {
		return PublishError
	}
	return nil
}

func selfSignedTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "realm-agent"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnRealmGossip},
		MinVersion:         tls.VersionTLS13,
	}, nil
}
