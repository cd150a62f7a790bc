package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/realmhq/realm-agent/internal/identity"
)

// AlgorithmEd25519 identifies the signature scheme of a signed envelope.
// It is the only supported value.
const AlgorithmEd25519 = "ed25519"

// Signed is the owner-signed desired-component-set envelope.
type Signed struct {
	Algorithm      string `json:"alg"`
	OwnerPubBase58 string `json:"owner_pub_bs58"`
	Version        uint64 `json:"version"`
	ManifestTOML   string `json:"manifest_toml"`
	SignatureB64   string `json:"signature_b64"`
}

// SigningBytes returns the exact byte string the owner signs: the raw
// UTF-8 manifest document. There is no canonicalization step for the
// manifest itself (unlike PushComponent, which signs a borsh-encoded
// header) because the manifest's own bytes are already the
// single source of truth persisted to disk.
func (s Signed) SigningBytes() []byte {
	return []byte(s.ManifestTOML)
}

// OwnerPublicKey decodes the declared owner key.
func (s Signed) OwnerPublicKey() (ed25519.PublicKey, error) {
	return identity.ParsePublicKeyString(s.OwnerPubBase58)
}

// Sign produces a Signed envelope over doc under owner, assigning
// version.
func Sign(owner identity.Identity, version uint64, docTOML string) (Signed, error) {
	sig := owner.Sign([]byte(docTOML))
	return Signed{
		Algorithm:      AlgorithmEd25519,
		OwnerPubBase58: owner.PeerID(),
		Version:        version,
		ManifestTOML:   docTOML,
		SignatureB64:   base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Validate checks internal structural well-formedness (algorithm known,
// owner key decodable) but does NOT verify the signature or monotonic
// version; those are the command verifier's job, since they require
// state (trusted owner, stored version) this package doesn't hold.
func (s Signed) Validate() error {
	if s.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("manifest: unsupported algorithm %q", s.Algorithm)
	}
	if _, err := s.OwnerPublicKey(); err != nil {
		return err
	}
	if s.ManifestTOML == "" {
		return fmt.Errorf("manifest: empty manifest_toml")
	}
	return nil
}
