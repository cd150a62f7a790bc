package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TrustStore persists the single owner identity an agent will accept
// mutating commands from, recorded the first time a signed command
// verifies (Trust-On-First-Use). Once recorded, it is immutable for the
// lifetime of the agent's data directory.
type TrustStore struct {
	mu   sync.RWMutex
	path string

	owner      ed25519.PublicKey
	enrolledAt time.Time
}

type ownerRecord struct {
	OwnerPubBase58 string    `json:"owner_pub_bs58"`
	EnrolledAt     time.Time `json:"enrolled_at"`
}

// OpenTrustStore loads an existing owner record from path, if present.
// A missing file is not an error: no owner is yet trusted.
func OpenTrustStore(path string) (*TrustStore, error) {
	ts := &TrustStore{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ts, nil
		}
		return nil, fmt.Errorf("truststore: read %s: %w", path, err)
	}
	var rec ownerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("truststore: decode %s: %w", path, err)
	}
	pub, err := ParsePublicKeyString(rec.OwnerPubBase58)
	if err != nil {
		return nil, fmt.Errorf("truststore: %w", err)
	}
	ts.owner = pub
	ts.enrolledAt = rec.EnrolledAt
	return ts, nil
}

// Owner returns the currently trusted owner key, or nil if none is
// recorded yet.
func (ts *TrustStore) Owner() ed25519.PublicKey {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.owner
}

// Check implements TOFU: if no owner is recorded, declared is recorded
// and accepted. If an owner is already recorded, declared must match it
// exactly, byte for byte.
//
// Callers must only invoke Check after the command's signature has
// already verified under declared; TOFU never records an unverified
// key.
func (ts *TrustStore) Check(declared ed25519.PublicKey, now time.Time) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.owner == nil {
		if err := ts.persistLocked(declared, now); err != nil {
			return err
		}
		return nil
	}
	if !ts.owner.Equal(declared) {
		return fmt.Errorf("truststore: owner mismatch: trusted %s, got %s", PublicKeyString(ts.owner), PublicKeyString(declared))
	}
	return nil
}

func (ts *TrustStore) persistLocked(owner ed25519.PublicKey, now time.Time) error {
	rec := ownerRecord{OwnerPubBase58: PublicKeyString(owner), EnrolledAt: now}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("truststore: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ts.path), 0o700); err != nil {
		return fmt.Errorf("truststore: create dir: %w", err)
	}
	if err := os.WriteFile(ts.path, raw, 0o600); err != nil {
		return fmt.Errorf("truststore: write: %w", err)
	}
	ts.owner = owner
	ts.enrolledAt = now
	return nil
}

// EnrolledAt returns when the trusted owner was recorded. Zero if no
// owner is trusted yet.
func (ts *TrustStore) EnrolledAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.enrolledAt
}
