// Package jobs implements the job executor: one-shot
// and service-style jobs executed as WASM components, native binaries,
// or QEMU-user-mode-emulated native binaries, with cancellation,
// pre-staging from the CAS, and artifact capture back into it.
package jobs

import "time"

// Variant selects the job executor's runtime strategy.
type Variant string

const (
	VariantWASM   Variant = "wasm"
	VariantNative Variant = "native"
	VariantQEMU   Variant = "qemu"
)

// Kind selects a job's scheduling shape.
type Kind string

const (
	KindOneShot   Kind = "one-shot"
	KindRecurring Kind = "recurring"
	KindService   Kind = "service"
)

// Status is a job instance's lifecycle state. Pending -> Running ->
// {Completed|Failed|Cancelled}; the last three are absorbing.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether s is one of the absorbing states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// PreStage describes one CAS-blob-to-workdir-file copy performed before
// spawn.
type PreStage struct {
	Source string `json:"source"` // "cas:<digest>"
	Dest   string `json:"dest"`
}

// Targeting restricts which nodes a job may run on. An empty Targeting
// matches anywhere.
type Targeting struct {
	Platform string   `json:"platform,omitempty"` // "<os>/<arch>"
	Tags     []string `json:"tags,omitempty"`
	NodeIDs  []string `json:"node_ids,omitempty"`
}

// Matches reports whether this node (peerID, its tags) satisfies t.
func (t Targeting) Matches(peerID string, nodeTags []string) bool {
	if t.Platform != "" && t.Platform != hostPlatform() {
		return false
	}
	if len(t.NodeIDs) == 0 && len(t.Tags) == 0 {
		return true
	}
	for _, id := range t.NodeIDs {
		if id == peerID {
			return true
		}
	}
	tagSet := make(map[string]struct{}, len(nodeTags))
	for _, tg := range nodeTags {
		tagSet[tg] = struct{}{}
	}
	for _, tg := range t.Tags {
		if _, ok := tagSet[tg]; ok {
			return true
		}
	}
	return false
}

// Spec is the declarative job description.
type Spec struct {
	Name        string        `json:"name"`
	Kind        Kind          `json:"kind"`
	Variant     Variant       `json:"variant"`
	Source      string        `json:"source"` // file:/http(s)://cas: locator
	PinnedSHA   string        `json:"pinned_sha256_hex,omitempty"`
	Args        []string      `json:"args,omitempty"`
	Env         []string      `json:"env,omitempty"`
	WorkingDir  string        `json:"working_dir,omitempty"`
	TimeoutMin  int           `json:"timeout_minutes,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty"`
	PreStage    []PreStage    `json:"pre_stage,omitempty"`
	Targeting   Targeting     `json:"targeting"`
	Schedule    string        `json:"schedule,omitempty"` // recurring jobs only; see ScheduleNextAt
	MemoryMaxMB int           `json:"memory_max_mb,omitempty"`
	FuelUnits   uint64        `json:"fuel,omitempty"`
	EpochMS     int           `json:"epoch_ms,omitempty"`
}

// Timeout returns the configured timeout, or 0 if none was set.
func (s Spec) Timeout() time.Duration {
	if s.TimeoutMin <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMin) * time.Minute
}

// CapturedArtifact is one artifact stored into the CAS after a
// successful run.
type CapturedArtifact struct {
	Name       string `json:"name"`
	StoredPath string `json:"stored_path"`
	SizeBytes  int64  `json:"size_bytes"`
	SHA256Hex  string `json:"sha256_hex"`
}

// Instance is a submitted Spec plus its runtime lifecycle state.
type Instance struct {
	ID             string             `json:"id"`
	Spec           Spec               `json:"spec"`
	Status         Status             `json:"status"`
	SubmittedAt    time.Time          `json:"submitted_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	ExitCode       *int               `json:"exit_code,omitempty"`
	Error          string             `json:"error,omitempty"`
	AssignedNode   string             `json:"assigned_node,omitempty"`
	Artifacts      []CapturedArtifact `json:"artifacts,omitempty"`
	ScheduleNextAt *time.Time         `json:"schedule_next_at,omitempty"`
}

// Policy gates which job variants may execute. Both default to false
// and are overridable via REALM_ALLOW_NATIVE_EXECUTION /
// REALM_ALLOW_EMULATION.
type Policy struct {
	AllowNativeExecution bool `json:"allow_native_execution"`
	AllowEmulation       bool `json:"allow_emulation"`
}

func hostPlatform() string {
	return currentPlatform()
}
