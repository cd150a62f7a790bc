// Package cas implements the content-addressed artifact store: blobs
// keyed by their SHA-256 digest, sharded two levels deep on disk, with
// pin/LRU metadata and size-targeted garbage collection.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/realmhq/realm-agent/internal/clock"
)

// ErrNotFound is returned when a digest is not present in the index.
var ErrNotFound = errors.New("cas: not found")

// Entry is the metadata recorded for one stored blob.
type Entry struct {
	Digest           string `json:"-"`
	SizeBytes        int64  `json:"size_bytes"`
	LastAccessedUnix int64  `json:"last_accessed_unix"`
	Pinned           bool   `json:"pinned"`
}

// Store is the content-addressed blob store rooted at a directory.
type Store struct {
	root  string
	clock clock.Clock

	mu    sync.Mutex // serializes every index mutation, including GC
	index map[string]*Entry

	cache *ristretto.Cache // read-through cache over Has(); cleared on every index write
}

// Open loads (or initializes) the index rooted at dir.
func Open(dir string, clk clock.Clock) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cas: create cache: %w", err)
	}

	s := &Store{root: dir, clock: clk, index: map[string]*Entry{}, cache: cache}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.root, "index.json") }

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.root, "blobs", "sha256", digest[0:2], digest[2:4], digest)
}

func (s *Store) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cas: read index: %w", err)
	}
	var onDisk map[string]*Entry
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return fmt.Errorf("cas: decode index: %w", err)
	}
	for d, e := range onDisk {
		e.Digest = d
		s.index[d] = e
	}
	return nil
}

// saveIndexLocked writes the index atomically; caller must hold s.mu.
func (s *Store) saveIndexLocked() error {
	raw, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("cas: encode index: %w", err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("cas: create root: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("cas: write index tmp: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return fmt.Errorf("cas: rename index: %w", err)
	}
	s.cache.Clear()
	return nil
}

// Put computes the SHA-256 of data, writes it to its sharded path if
// absent, and upserts its index entry with the current access time. It
// returns the lowercase hex digest.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(digest)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("cas: stat blob: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("cas: create blob dir: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return "", fmt.Errorf("cas: write blob: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return "", fmt.Errorf("cas: rename blob: %w", err)
		}
	}

	e, ok := s.index[digest]
	if !ok {
		e = &Entry{Digest: digest}
		s.index[digest] = e
	}
	e.SizeBytes = int64(len(data))
	e.LastAccessedUnix = s.clock.Now().Unix()
	if err := s.saveIndexLocked(); err != nil {
		return "", err
	}
	return digest, nil
}

// PutFile streams src into the store the same way Put does, without
// holding the whole file in memory. src is read once: it is copied into
// a temp file under the store root while its digest is computed, and
// the temp file is then copied to the sharded path if the blob is
// absent.
func (s *Store) PutFile(src io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.root, "incoming-*")
	if err != nil {
		return "", fmt.Errorf("cas: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err != nil {
		return "", fmt.Errorf("cas: copy: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(digest)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("cas: stat blob: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("cas: create blob dir: %w", err)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("cas: seek temp: %w", err)
		}
		out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return "", fmt.Errorf("cas: create blob: %w", err)
		}
		_, cerr := io.Copy(out, tmp)
		cerr2 := out.Close()
		if cerr != nil {
			return "", fmt.Errorf("cas: write blob: %w", cerr)
		}
		if cerr2 != nil {
			return "", fmt.Errorf("cas: close blob: %w", cerr2)
		}
	}

	e, ok := s.index[digest]
	if !ok {
		e = &Entry{Digest: digest}
		s.index[digest] = e
	}
	e.SizeBytes = size
	e.LastAccessedUnix = s.clock.Now().Unix()
	if err := s.saveIndexLocked(); err != nil {
		return "", err
	}
	return digest, nil
}

// GetPath returns the sharded path for digest, touching its
// last-accessed time, or ErrNotFound.
func (s *Store) GetPath(digest string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[digest]
	if !ok {
		return "", ErrNotFound
	}
	e.LastAccessedUnix = s.clock.Now().Unix()
	if err := s.saveIndexLocked(); err != nil {
		return "", err
	}
	return s.blobPath(digest), nil
}

// Has reports whether digest is indexed, without touching its access
// time.
func (s *Store) Has(digest string) bool {
	if v, ok := s.cache.Get(digest); ok {
		return v.(bool)
	}
	s.mu.Lock()
	_, ok := s.index[digest]
	s.mu.Unlock()
	s.cache.Set(digest, ok, 1)
	return ok
}

// Pin sets or clears the pinned flag on digest. Returns ErrNotFound if
// digest is not indexed.
func (s *Store) Pin(digest string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[digest]
	if !ok {
		return ErrNotFound
	}
	e.Pinned = on
	return s.saveIndexLocked()
}

// List returns every indexed (digest, entry) pair.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.index))
	for d, e := range s.index {
		cp := *e
		cp.Digest = d
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest < out[j].Digest })
	return out
}
