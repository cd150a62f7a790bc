package cas

import (
	"fmt"
	"os"
	"sort"
)

// GCToTarget evicts unpinned entries in ascending last-accessed order
// until the store's total size is at most targetBytes. Pinned entries
// are never evicted, even if the target cannot be met
// without them.
func (s *Store) GCToTarget(targetBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	candidates := make([]*Entry, 0, len(s.index))
	for d, e := range s.index {
		total += e.SizeBytes
		if !e.Pinned {
			cp := *e
			cp.Digest = d
			candidates = append(candidates, &cp)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastAccessedUnix != candidates[j].LastAccessedUnix {
			return candidates[i].LastAccessedUnix < candidates[j].LastAccessedUnix
		}
		return candidates[i].Digest < candidates[j].Digest
	})

	for _, c := range candidates {
		if total <= targetBytes {
			break
		}
		if err := os.Remove(s.blobPath(c.Digest)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cas: gc remove blob %s: %w", c.Digest, err)
		}
		delete(s.index, c.Digest)
		total -= c.SizeBytes
	}

	return s.saveIndexLocked()
}
