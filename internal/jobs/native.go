package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/realmhq/realm-agent/internal/cas"
)

// runNative executes a native binary job, honoring working_dir, args,
// and env. It is gated on policy.AllowNativeExecution: with the gate
// disabled, the job fails with PolicyDenied and no child process is
// ever spawned.
func runNative(ctx context.Context, store *cas.Store, spec Spec, policy Policy, out io.Writer) (int, error) {
	if !policy.AllowNativeExecution {
		return -1, &PolicyDeniedError{What: "native execution"}
	}

	path, err := resolveSource(ctx, store, spec.Source, spec.PinnedSHA)
	if err != nil {
		return -1, fmt.Errorf("jobs: resolve native source: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return -1, fmt.Errorf("jobs: mark native binary executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	// Process-group kill so cancellation/timeout reaches children the
	// job itself spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err = cmd.Run()
	return exitCodeOf(cmd, err)
}

func exitCodeOf(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
