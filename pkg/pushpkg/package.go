// Package pushpkg implements the `.realm` package format:
// a deflate-compressed zip carrying a package manifest, the component
// WASM binary, and optional static/config/seed-data trees.
package pushpkg

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/flate"
)

func init() {
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

const (
	componentEntry = "component.wasm"
	manifestEntry  = "manifest.toml"

	dirStatic   = "static/"
	dirConfig   = "config/"
	dirSeedData = "seed-data/"
)

// MountKind is the filesystem role a package manifest assigns to a
// mount point.
type MountKind string

const (
	// MountStatic is read-only, served straight from the package.
	MountStatic MountKind = "static"
	// MountConfig is read-only, served straight from the package.
	MountConfig MountKind = "config"
	// MountWork is ephemeral and read-write; never persisted across
	// installs.
	MountWork MountKind = "work"
	// MountState is persistent and read-write, optionally seeded from
	// the package's seed-data/ tree on first install only.
	MountState MountKind = "state"
)

// PackageMount is one entry in a package manifest's mount table.
type PackageMount struct {
	Guest string    `toml:"guest"`
	Kind  MountKind `toml:"kind"`
}

// PackageManifest is the manifest.toml carried inside a .realm package.
type PackageManifest struct {
	Name        string         `toml:"name"`
	Version     string         `toml:"version,omitempty"`
	MemoryMaxMB int            `toml:"memory_max_mb,omitempty"`
	FuelUnits   uint64         `toml:"fuel,omitempty"`
	EpochMS     int            `toml:"epoch_ms,omitempty"`
	Mounts      []PackageMount `toml:"mounts,omitempty"`
	Ports       []int          `toml:"ports,omitempty"`
	Visibility  string         `toml:"visibility,omitempty"`
}

// Package is a fully-loaded .realm package: its manifest, the WASM
// binary, and the raw bytes of each optional tree, keyed by the
// zip-internal path relative to the tree root.
type Package struct {
	Manifest  PackageManifest
	Component []byte

	Static   map[string][]byte
	Config   map[string][]byte
	SeedData map[string][]byte
}

// ComponentSHA256 returns the hex digest of the embedded component,
// the value PushComponent's binary_sha256_hex must match.
func (p Package) ComponentSHA256() string {
	sum := sha256.Sum256(p.Component)
	return hex.EncodeToString(sum[:])
}

// Open reads and parses a .realm package from path.
func Open(path string) (Package, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return Package{}, fmt.Errorf("pushpkg: open %s: %w", path, err)
	}
	defer r.Close()
	return readPackage(&r.Reader)
}

// IsPackage reports whether raw looks like a zip archive, i.e. a
// .realm package rather than a bare WASM binary.
func IsPackage(raw []byte) bool {
	return len(raw) >= 4 && raw[0] == 'P' && raw[1] == 'K' && raw[2] == 0x03 && raw[3] == 0x04
}

// Parse reads a .realm package from an in-memory byte slice, used when
// a package arrives embedded in a PushComponent command rather than as
// a file on disk.
func Parse(raw []byte) (Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Package{}, fmt.Errorf("pushpkg: parse: %w", err)
	}
	return readPackage(zr)
}

func readPackage(zr *zip.Reader) (Package, error) {
	pkg := Package{
		Static:   map[string][]byte{},
		Config:   map[string][]byte{},
		SeedData: map[string][]byte{},
	}

	found := map[string]bool{}
	for _, f := range zr.File {
		switch {
		case f.Name == manifestEntry:
			raw, err := readZipFile(f)
			if err != nil {
				return Package{}, err
			}
			if _, err := toml.Decode(string(raw), &pkg.Manifest); err != nil {
				return Package{}, fmt.Errorf("pushpkg: decode manifest.toml: %w", err)
			}
			found[manifestEntry] = true
		case f.Name == componentEntry:
			raw, err := readZipFile(f)
			if err != nil {
				return Package{}, err
			}
			pkg.Component = raw
			found[componentEntry] = true
		case strings.HasPrefix(f.Name, dirStatic) && !f.FileInfo().IsDir():
			raw, err := readZipFile(f)
			if err != nil {
				return Package{}, err
			}
			pkg.Static[strings.TrimPrefix(f.Name, dirStatic)] = raw
		case strings.HasPrefix(f.Name, dirConfig) && !f.FileInfo().IsDir():
			raw, err := readZipFile(f)
			if err != nil {
				return Package{}, err
			}
			pkg.Config[strings.TrimPrefix(f.Name, dirConfig)] = raw
		case strings.HasPrefix(f.Name, dirSeedData) && !f.FileInfo().IsDir():
			raw, err := readZipFile(f)
			if err != nil {
				return Package{}, err
			}
			pkg.SeedData[strings.TrimPrefix(f.Name, dirSeedData)] = raw
		}
	}

	if !found[manifestEntry] {
		return Package{}, fmt.Errorf("pushpkg: missing %s", manifestEntry)
	}
	if !found[componentEntry] {
		return Package{}, fmt.Errorf("pushpkg: missing %s", componentEntry)
	}
	return pkg, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("pushpkg: open %s: %w", f.Name, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("pushpkg: read %s: %w", f.Name, err)
	}
	return raw, nil
}

// Write serializes pkg to a deflate-compressed zip at path.
func Write(path string, pkg Package) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pushpkg: create %s: %w", path, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	manifestTOML, err := encodeManifest(pkg.Manifest)
	if err != nil {
		return err
	}
	if err := writeZipEntry(zw, manifestEntry, []byte(manifestTOML)); err != nil {
		return err
	}
	if err := writeZipEntry(zw, componentEntry, pkg.Component); err != nil {
		return err
	}
	for name, raw := range pkg.Static {
		if err := writeZipEntry(zw, dirStatic+name, raw); err != nil {
			return err
		}
	}
	for name, raw := range pkg.Config {
		if err := writeZipEntry(zw, dirConfig+name, raw); err != nil {
			return err
		}
	}
	for name, raw := range pkg.SeedData {
		if err := writeZipEntry(zw, dirSeedData+name, raw); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("pushpkg: finalize %s: %w", path, err)
	}
	return nil
}

func encodeManifest(m PackageManifest) (string, error) {
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("pushpkg: encode manifest.toml: %w", err)
	}
	return sb.String(), nil
}

func writeZipEntry(zw *zip.Writer, name string, raw []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("pushpkg: create entry %s: %w", name, err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("pushpkg: write entry %s: %w", name, err)
	}
	return nil
}
