// Package upgrade implements the self-upgrade state machine: validate
// an incoming agent binary, stage it under a versioned path, swap the
// `current` symlink, persist the new version, and re-exec, rolling
// back on spawn failure.
package upgrade

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/realmhq/realm-agent/internal/binsniff"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/realmhq/realm-agent/internal/command"
	"github.com/realmhq/realm-agent/internal/state"
)

// Exiter terminates the current process. Overridable in tests.
type Exiter func(code int)

// Spawner starts the new agent binary at path with argv/env, returning
// once the child process has been launched (not once it exits).
// Overridable in tests to simulate the "spawn fails" scenario.
type Spawner func(path string, argv []string, env []string) error

// Engine implements the self-upgrade state machine.
type Engine struct {
	BinDir string // holds bin/realm-agent-v{N} and bin/current
	State  *state.Store
	Clock  clock.Clock
	Log    *slog.Logger

	Exit  Exiter
	Spawn Spawner
}

// New constructs an Engine with production defaults for Exit/Spawn.
func New(binDir string, st *state.Store, clk clock.Clock, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		BinDir: binDir,
		State:  st,
		Clock:  clk,
		Log:    log,
		Exit:   os.Exit,
		Spawn:  defaultSpawn,
	}
}

func defaultSpawn(path string, argv []string, env []string) error {
	cmd := exec.Command(path, argv...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Start()
}

// Apply drives cmd through Validated → TargetOK → Staged → Linked →
// Persisted → Relaunched → ExitOld, rejecting with a logged rationale on
// the first failing predicate. The caller has already verified the
// signature, owner, monotonic version, and digest; Apply owns
// everything from host/target matching onward.
func (e *Engine) Apply(cmd command.UpgradeAgent) error {
	binary, err := base64.StdEncoding.DecodeString(cmd.BinaryB64)
	if err != nil {
		return e.reject("malformed binary_b64", err)
	}

	// TargetOK: host OS/arch must match the binary header, whether or
	// not target_platform was supplied.
	headers, err := binsniff.Sniff(binary)
	if err != nil {
		return e.reject("cannot sniff binary header", err)
	}
	if !binsniff.MatchesHost(headers) {
		return e.reject(fmt.Sprintf("binary host sniff does not match running host %s/%s", runtime.GOOS, runtime.GOARCH), nil)
	}
	if cmd.TargetPlatform != "" {
		want, err := binsniff.ParsePlatform(cmd.TargetPlatform)
		if err != nil {
			return e.reject("malformed target_platform", err)
		}
		if want != binsniff.HostHeader() {
			return e.reject("target_platform does not match running host", nil)
		}
	}

	// Staged: write the versioned binary, fsync, mark executable.
	stagedPath := filepath.Join(e.BinDir, fmt.Sprintf("realm-agent-v%d", cmd.Version))
	if err := e.stage(stagedPath, binary); err != nil {
		return e.reject("failed to stage binary", err)
	}

	// Linked: swap the `current` symlink to point at the staged path.
	// A versioned path plus symlink swap avoids rename-over-self issues
	// on Windows and gives a simple rollback.
	currentPath := filepath.Join(e.BinDir, "current")
	if err := e.relink(currentPath, stagedPath); err != nil {
		return e.reject("failed to update current symlink", err)
	}

	// Persisted: record the new version and the one it replaces.
	prev := e.State.Current()
	next := prev
	next.AgentVersion = cmd.Version
	next.PreviousAgentVersion = prev.AgentVersion
	if err := e.State.Save(next); err != nil {
		return e.reject("failed to persist agent_version", err)
	}

	// Relaunched: spawn the new binary with identical argv. If the
	// spawn step fails, roll back the persisted version and stay alive.
	if err := e.Spawn(stagedPath, os.Args[1:], os.Environ()); err != nil {
		e.Log.Error("upgrade: spawn failed, rolling back", "err", err, "staged", stagedPath)
		rollback := prev
		rollback.PreviousAgentVersion = prev.AgentVersion
		if rerr := e.State.Save(rollback); rerr != nil {
			e.Log.Error("upgrade: rollback persist also failed", "err", rerr)
			return fmt.Errorf("upgrade: spawn failed (%w) and rollback persist failed (%v)", err, rerr)
		}
		return fmt.Errorf("upgrade: spawn failed, rolled back to agent_version=%d: %w", prev.AgentVersion, err)
	}

	// ExitOld: give the new process a moment to come up and the old one
	// a moment to flush its outbound status, then exit successfully.
	e.Log.Info("upgrade: relaunched, exiting old process", "new_version", cmd.Version, "staged", stagedPath)
	e.Clock.Sleep(200 * time.Millisecond)
	e.Exit(0)
	return nil
}

func (e *Engine) reject(reason string, err error) error {
	e.Log.Warn("upgrade: rejected", "reason", reason, "err", err)
	if err != nil {
		return fmt.Errorf("upgrade: rejected: %s: %w", reason, err)
	}
	return fmt.Errorf("upgrade: rejected: %s", reason)
}

func (e *Engine) stage(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("create staged binary: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write staged binary: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync staged binary: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close staged binary: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o755); err != nil {
			return fmt.Errorf("chmod staged binary: %w", err)
		}
	}
	return nil
}

func (e *Engine) relink(linkPath, target string) error {
	tmp := linkPath + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		return fmt.Errorf("swap symlink: %w", err)
	}
	return nil
}
