// Package gossip implements the pub/sub command and status delivery
// surface over an authenticated peer mesh with local discovery and
// explicit bootstrap dialing.
package gossip

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/realmhq/realm-agent/internal/identity"
)

const (
	// TopicCommand carries signed Command frames.
	TopicCommand = "command"
	// TopicStatus carries Status frames.
	TopicStatus = "status"

	// MaxFrameBytes is the soft size cap on any one frame:
	// push packages and upgrades must fit.
	MaxFrameBytes = 10 << 20

	lengthPrefixBytes = 4
)

// ErrFrameTooLarge is returned by ReadFrame/WriteFrame when a frame
// would exceed MaxFrameBytes.
var ErrFrameTooLarge = errors.New("gossip: frame exceeds size cap")

// wireFrame is the length-prefixed, self-describing unit carried over
// a gossip stream. The signature is transport-level authentication of
// the publishing node, distinct from, and layered under, any owner
// signature carried inside Payload.
type wireFrame struct {
	Topic        string `json:"topic"`
	SenderPeerID string `json:"sender_peer_id"`
	Seq          uint64 `json:"seq"`
	Payload      []byte `json:"payload"`
	SignatureB64 string `json:"signature_b64"`
}

func signingBytes(topic, senderPeerID string, seq uint64, payload []byte) []byte {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	buf := make([]byte, 0, len(topic)+1+len(senderPeerID)+1+8+len(payload))
	buf = append(buf, []byte(topic)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(senderPeerID)...)
	buf = append(buf, 0)
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, payload...)
	return buf
}

// signFrame builds and signs a wireFrame under id's node keypair.
func signFrame(id identity.Identity, topic string, seq uint64, payload []byte) wireFrame {
	sig := id.Sign(signingBytes(topic, id.PeerID(), seq, payload))
	return wireFrame{
		Topic:        topic,
		SenderPeerID: id.PeerID(),
		Seq:          seq,
		Payload:      payload,
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
	}
}

// verifyFrame checks the transport-level signature, returning the
// sender's public key on success.
func verifyFrame(f wireFrame) (ed25519.PublicKey, error) {
	pub, err := identity.ParsePublicKeyString(f.SenderPeerID)
	if err != nil {
		return nil, fmt.Errorf("gossip: bad sender peer id: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(f.SignatureB64)
	if err != nil {
		return nil, fmt.Errorf("gossip: bad frame signature encoding: %w", err)
	}
	if !ed25519.Verify(pub, signingBytes(f.Topic, f.SenderPeerID, f.Seq, f.Payload), sig) {
		return nil, fmt.Errorf("gossip: transport signature verification failed")
	}
	return pub, nil
}

// WriteFrame writes one length-prefixed JSON frame to w.
func WriteFrame(w io.Writer, f wireFrame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("gossip: encode frame: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var lenBuf [lengthPrefixBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("gossip: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("gossip: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r.
func ReadFrame(r io.Reader) (wireFrame, error) {
	var lenBuf [lengthPrefixBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return wireFrame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return wireFrame{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return wireFrame{}, fmt.Errorf("gossip: read frame body: %w", err)
	}
	var f wireFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return wireFrame{}, fmt.Errorf("gossip: decode frame: %w", err)
	}
	return f, nil
}
