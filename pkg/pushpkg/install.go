package pushpkg

import (
	"fmt"
	"os"
	"path/filepath"
)

// Install materializes pkg under destDir: component.wasm at the root,
// static/ and config/ trees refreshed from the package every install,
// and state/ seeded from seed-data/ only when it does not already
// exist.
//
// destDir layout:
//
//	component.wasm
//	static/...
//	config/...
//	state/...   (persists across installs; not touched if already present)
func Install(destDir string, pkg Package) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("pushpkg: create %s: %w", destDir, err)
	}

	if err := os.WriteFile(filepath.Join(destDir, componentEntry), pkg.Component, 0o644); err != nil {
		return fmt.Errorf("pushpkg: write %s: %w", componentEntry, err)
	}

	if err := writeTree(filepath.Join(destDir, "static"), pkg.Static); err != nil {
		return err
	}
	if err := writeTree(filepath.Join(destDir, "config"), pkg.Config); err != nil {
		return err
	}

	stateDir := filepath.Join(destDir, "state")
	if _, err := os.Stat(stateDir); os.IsNotExist(err) {
		if err := writeTree(stateDir, pkg.SeedData); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("pushpkg: stat %s: %w", stateDir, err)
	}

	return nil
}

// WorkDir returns the ephemeral work mount path for an installed
// package; callers create/clear it per run rather than persisting it.
func WorkDir(destDir string) string {
	return filepath.Join(destDir, "work")
}

func writeTree(root string, files map[string][]byte) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("pushpkg: create %s: %w", root, err)
	}
	for name, raw := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("pushpkg: create dir for %s: %w", full, err)
		}
		if err := os.WriteFile(full, raw, 0o644); err != nil {
			return fmt.Errorf("pushpkg: write %s: %w", full, err)
		}
	}
	return nil
}

// MountPath resolves a PackageMount's guest path to its host-side
// directory under destDir, by mount kind.
func MountPath(destDir string, m PackageMount) string {
	switch m.Kind {
	case MountStatic:
		return filepath.Join(destDir, "static")
	case MountConfig:
		return filepath.Join(destDir, "config")
	case MountState:
		return filepath.Join(destDir, "state")
	case MountWork:
		return WorkDir(destDir)
	default:
		return filepath.Join(destDir, string(m.Kind))
	}
}
