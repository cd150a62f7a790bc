package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/realmhq/realm-agent/internal/cas"
)

// captureArtifacts stores each declared artifact path's current content
// into the CAS after a successful run.
func captureArtifacts(store *cas.Store, paths []string) ([]CapturedArtifact, error) {
	out := make([]CapturedArtifact, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("jobs: stat/read artifact %s: %w", p, err)
		}
		digest, err := store.Put(data)
		if err != nil {
			return nil, fmt.Errorf("jobs: store artifact %s: %w", p, err)
		}
		storedPath, err := store.GetPath(digest)
		if err != nil {
			return nil, fmt.Errorf("jobs: locate stored artifact %s: %w", p, err)
		}
		sum := sha256.Sum256(data)
		out = append(out, CapturedArtifact{
			Name:       p,
			StoredPath: storedPath,
			SizeBytes:  int64(len(data)),
			SHA256Hex:  hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}
