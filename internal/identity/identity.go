// Package identity manages the agent's node keypair and its single
// trusted owner identity (Trust-On-First-Use).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
)

const prefix = "ed25519:"

// PublicKeyString renders a public key as "ed25519:<base58>".
func PublicKeyString(pub ed25519.PublicKey) string {
	return prefix + base58.Encode(pub)
}

// ParsePublicKeyString parses the "ed25519:<base58>" form back into a
// public key.
func ParsePublicKeyString(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("identity: key %q missing %q prefix", s, prefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, prefix))
	if err != nil {
		return nil, fmt.Errorf("identity: decode base58: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: key %q has %d bytes, want %d", s, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Identity is this node's Ed25519 keypair. Its public key, Base58
// encoded, doubles as the node's peer id in the gossip mesh.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// PeerID returns the node's identity string, used as its gossip mesh
// address.
func (id Identity) PeerID() string {
	return PublicKeyString(id.Public)
}

// Sign signs msg with the node's private key.
func (id Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.Private, msg)
}

// LoadOrCreate loads the node keypair from path, generating and
// persisting a fresh one if none exists yet.
func LoadOrCreate(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return Identity{}, fmt.Errorf("identity: node key file %s has %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
		}
		priv := ed25519.PrivateKey(raw)
		return Identity{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("identity: read node key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate node key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Identity{}, fmt.Errorf("identity: create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return Identity{}, fmt.Errorf("identity: write node key: %w", err)
	}
	return Identity{Public: pub, Private: priv}, nil
}
