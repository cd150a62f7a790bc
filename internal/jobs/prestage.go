package jobs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/realmhq/realm-agent/internal/cas"
)

// preStage copies each declared CAS blob into its destination path
// before spawn, creating parent directories as needed. A missing source fails the job with a pre-stage error.
func preStage(store *cas.Store, stages []PreStage) error {
	for _, st := range stages {
		if !strings.HasPrefix(st.Source, "cas:") {
			return fmt.Errorf("jobs: pre-stage source %q must use cas: scheme", st.Source)
		}
		digest := strings.TrimPrefix(st.Source, "cas:")
		srcPath, err := store.GetPath(digest)
		if err != nil {
			return fmt.Errorf("jobs: pre-stage %s: %w", digest, err)
		}
		if err := os.MkdirAll(filepath.Dir(st.Dest), 0o755); err != nil {
			return fmt.Errorf("jobs: pre-stage mkdir %s: %w", st.Dest, err)
		}
		if err := copyFile(srcPath, st.Dest); err != nil {
			return fmt.Errorf("jobs: pre-stage copy %s -> %s: %w", digest, st.Dest, err)
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
