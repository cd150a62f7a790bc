package jobs_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/realmhq/realm-agent/internal/jobs"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func waitTerminal(t *testing.T, exec *jobs.Executor, id string) jobs.Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, ok := exec.Get(id)
		require.True(t, ok)
		if inst.Status.Terminal() {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return jobs.Instance{}
}

func TestExecutor_NativeJob_CompletesAndRecordsExitCode(t *testing.T) {
	store := newStore(t)
	script := writeScript(t, "exit 0\n")

	exec := jobs.New(jobs.Config{
		CAS:    store,
		Policy: jobs.Policy{AllowNativeExecution: true},
	})

	inst := exec.Submit(jobs.Spec{
		Name:    "ok",
		Variant: jobs.VariantNative,
		Source:  "file:" + script,
	})

	final := waitTerminal(t, exec, inst.ID)
	require.Equal(t, jobs.StatusCompleted, final.Status)
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 0, *final.ExitCode)
}

func TestExecutor_NativeJob_PolicyDeniedWithoutGate(t *testing.T) {
	store := newStore(t)
	script := writeScript(t, "exit 0\n")

	exec := jobs.New(jobs.Config{CAS: store})

	inst := exec.Submit(jobs.Spec{
		Name:    "gated",
		Variant: jobs.VariantNative,
		Source:  "file:" + script,
	})

	final := waitTerminal(t, exec, inst.ID)
	require.Equal(t, jobs.StatusFailed, final.Status)
	require.Contains(t, final.Error, "native execution")
}

func TestExecutor_Cancel_ReachesTerminalState(t *testing.T) {
	store := newStore(t)
	exec := jobs.New(jobs.Config{CAS: store, Policy: jobs.Policy{AllowNativeExecution: true}})

	inst := exec.Submit(jobs.Spec{Name: "never", Variant: jobs.VariantNative, Source: "file:/nonexistent"})
	require.NoError(t, exec.Cancel(inst.ID))

	final := waitTerminal(t, exec, inst.ID)
	require.True(t, final.Status.Terminal())
}

func TestExecutor_Cancel_UnknownJob(t *testing.T) {
	exec := jobs.New(jobs.Config{CAS: newStore(t)})
	err := exec.Cancel("does-not-exist")
	require.Error(t, err)
}

func TestExecutor_Submit_TargetingMismatchIsSilentNoOp(t *testing.T) {
	store := newStore(t)
	script := writeScript(t, "exit 0\n")

	exec := jobs.New(jobs.Config{
		CAS:      store,
		Policy:   jobs.Policy{AllowNativeExecution: true},
		NodeID:   "ed25519:self",
		NodeTags: []string{"edge"},
	})

	inst := exec.Submit(jobs.Spec{
		Name:      "not-for-me",
		Variant:   jobs.VariantNative,
		Source:    "file:" + script,
		Targeting: jobs.Targeting{NodeIDs: []string{"ed25519:someone-else"}},
	})
	require.Nil(t, inst)
	require.Empty(t, exec.List())
}

func TestExecutor_Cancel_PendingJobNeverRunsOnceQueued(t *testing.T) {
	store := newStore(t)
	blockerScript := writeScript(t, "sleep 0.3\n")
	targetScript := writeScript(t, "exit 0\n")

	exec := jobs.New(jobs.Config{
		CAS:         store,
		Policy:      jobs.Policy{AllowNativeExecution: true},
		PoolWorkers: 1,
	})

	blocker := exec.Submit(jobs.Spec{Name: "blocker", Variant: jobs.VariantNative, Source: "file:" + blockerScript})
	target := exec.Submit(jobs.Spec{Name: "target", Variant: jobs.VariantNative, Source: "file:" + targetScript})

	got, ok := exec.Get(target.ID)
	require.True(t, ok)
	require.Equal(t, jobs.StatusPending, got.Status)
	require.NoError(t, exec.Cancel(target.ID))

	waitTerminal(t, exec, blocker.ID)
	final := waitTerminal(t, exec, target.ID)
	require.Equal(t, jobs.StatusCancelled, final.Status)
	require.Nil(t, final.ExitCode)
}

func TestExecutor_Submit_TargetingMatchByTagDispatches(t *testing.T) {
	store := newStore(t)
	script := writeScript(t, "exit 0\n")

	exec := jobs.New(jobs.Config{
		CAS:      store,
		Policy:   jobs.Policy{AllowNativeExecution: true},
		NodeID:   "ed25519:self",
		NodeTags: []string{"edge", "gpu"},
	})

	inst := exec.Submit(jobs.Spec{
		Name:      "for-gpu-nodes",
		Variant:   jobs.VariantNative,
		Source:    "file:" + script,
		Targeting: jobs.Targeting{Tags: []string{"gpu"}},
	})
	require.NotNil(t, inst)

	final := waitTerminal(t, exec, inst.ID)
	require.Equal(t, jobs.StatusCompleted, final.Status)
}

func TestExecutor_RestoreMarksInterruptedJobsFailed(t *testing.T) {
	store := newStore(t)
	exec := jobs.New(jobs.Config{CAS: store})

	started := time.Now()
	exec.Restore([]jobs.Instance{
		{ID: "done", Status: jobs.StatusCompleted, SubmittedAt: started},
		{ID: "mid-flight", Status: jobs.StatusRunning, SubmittedAt: started, StartedAt: &started},
		{ID: "queued", Status: jobs.StatusPending, SubmittedAt: started},
	})

	done, ok := exec.Get("done")
	require.True(t, ok)
	require.Equal(t, jobs.StatusCompleted, done.Status)

	for _, id := range []string{"mid-flight", "queued"} {
		inst, ok := exec.Get(id)
		require.True(t, ok)
		require.Equal(t, jobs.StatusFailed, inst.Status, id)
		require.Equal(t, "interrupted by agent restart", inst.Error)
		require.NotNil(t, inst.CompletedAt)
	}
}
