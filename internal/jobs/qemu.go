package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/realmhq/realm-agent/internal/cas"
)

// qemuBinaryFor maps a target architecture name to its QEMU user-mode
// emulator binary name.
func qemuBinaryFor(arch string) (string, error) {
	switch arch {
	case "x86_64", "amd64":
		return "qemu-x86_64", nil
	case "aarch64", "arm64":
		return "qemu-aarch64", nil
	case "arm":
		return "qemu-arm", nil
	case "x86", "386":
		return "qemu-i386", nil
	case "riscv64":
		return "qemu-riscv64", nil
	default:
		return "", fmt.Errorf("jobs: no qemu-user emulator known for arch %q", arch)
	}
}

// targetArch returns the architecture a QEMU job's Targeting.Platform
// names, defaulting to the host's own architecture if unset.
func targetArch(spec Spec) string {
	p := spec.Targeting.Platform
	if p == "" {
		return runtime.GOARCH
	}
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// runQEMU executes a native binary under a user-mode QEMU emulator for
// a foreign architecture. Gated on policy.AllowEmulation.
func runQEMU(ctx context.Context, store *cas.Store, spec Spec, policy Policy, out io.Writer) (int, error) {
	if !policy.AllowEmulation {
		return -1, &PolicyDeniedError{What: "emulation"}
	}

	emulator, err := qemuBinaryFor(targetArch(spec))
	if err != nil {
		return -1, err
	}
	emulatorPath, err := exec.LookPath(emulator)
	if err != nil {
		return -1, fmt.Errorf("jobs: locate %s: %w", emulator, err)
	}

	targetPath, err := resolveSource(ctx, store, spec.Source, spec.PinnedSHA)
	if err != nil {
		return -1, fmt.Errorf("jobs: resolve qemu target source: %w", err)
	}
	if err := os.Chmod(targetPath, 0o755); err != nil {
		return -1, fmt.Errorf("jobs: mark qemu target executable: %w", err)
	}

	args := append([]string{targetPath}, spec.Args...)
	cmd := exec.CommandContext(ctx, emulatorPath, args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err = cmd.Run()
	return exitCodeOf(cmd, err)
}
