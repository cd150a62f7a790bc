// Package command implements the wire command model and the verifier
// that decodes, authenticates, and routes incoming command frames.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/realmhq/realm-agent/internal/jobs"
	"github.com/realmhq/realm-agent/pkg/manifest"
)

// Type is the tagged-union discriminant carried as the "type" field of
// every command frame.
type Type string

const (
	TypeHello         Type = "Hello"
	TypeRun           Type = "Run"
	TypeStatusQuery   Type = "StatusQuery"
	TypeApplyManifest Type = "ApplyManifest"
	TypeUpgradeAgent  Type = "UpgradeAgent"
	TypePushComponent Type = "PushComponent"
	TypeSubmitJob     Type = "SubmitJob"
	TypeCancelJob     Type = "CancelJob"
	TypeJobStarted    Type = "JobStarted"
	TypeJobCompleted  Type = "JobCompleted"
	TypeJobFailed     Type = "JobFailed"
	TypeStoragePut    Type = "StoragePut"
	TypeStorageGet    Type = "StorageGet"
	TypeStorageData   Type = "StorageData"
	TypeStorageHave   Type = "StorageHave"
)

// ErrUnknownType is returned by Decode for an unrecognized "type" tag.
// Callers must treat this as a silent drop, not a fatal error: the
// handler set is open in practice, and forward-compatible frames must
// not fail-closed.
var ErrUnknownType = errors.New("command: unknown type")

// Command is implemented by every command variant.
type Command interface {
	CommandType() Type
}

// Hello is a free-form heartbeat/echo.
type Hello struct {
	From string `json:"from"`
}

func (Hello) CommandType() Type { return TypeHello }

// Run requests an ad-hoc local component run, outside the desired set.
type Run struct {
	WasmPath    string `json:"wasm_path"`
	MemoryMaxMB int    `json:"memory_max_mb"`
	Fuel        uint64 `json:"fuel"`
	EpochMS     int    `json:"epoch_ms"`
}

func (Run) CommandType() Type { return TypeRun }

// StatusQuery triggers an immediate status publish.
type StatusQuery struct{}

func (StatusQuery) CommandType() Type { return TypeStatusQuery }

// ApplyManifest carries a signed desired-component-set document. Its
// wire shape is identical to manifest.Signed; it is a defined (not
// alias) type so it can implement Command without manifest importing
// this package.
type ApplyManifest manifest.Signed

func (ApplyManifest) CommandType() Type { return TypeApplyManifest }

// Signed converts back to the manifest package's envelope type.
func (a ApplyManifest) Signed() manifest.Signed { return manifest.Signed(a) }

// UpgradeAgent is a full agent-binary replacement. The signature covers the raw binary bytes directly, not a
// canonicalized header, unlike PushComponent.
type UpgradeAgent struct {
	Algorithm       string   `json:"alg"`
	OwnerPubBase58  string   `json:"owner_pub_bs58"`
	Version         uint64   `json:"version"`
	TargetPlatform  string   `json:"target_platform,omitempty"`
	TargetPeerIDs   []string `json:"target_peer_ids,omitempty"`
	TargetTags      []string `json:"target_tags,omitempty"`
	BinarySHA256Hex string   `json:"binary_sha256_hex"`
	BinaryB64       string   `json:"binary_b64"`
	SignatureB64    string   `json:"signature_b64"`
}

func (UpgradeAgent) CommandType() Type { return TypeUpgradeAgent }

// PushUnsigned is the header signed by the owner in a PushComponent
// command. Field order is significant: the struct is borsh-encoded in
// this exact order to produce the canonical signing bytes the
// verifier checks.
type PushUnsigned struct {
	OwnerPubBase58 string             `json:"owner_pub_bs58"`
	TargetPeerIDs  []string           `json:"target_peer_ids"`
	TargetTags     []string           `json:"target_tags"`
	ComponentName  string             `json:"component_name"`
	MemoryMaxMB    int                `json:"memory_max_mb"`
	FuelUnits      uint64             `json:"fuel"`
	EpochMS        int                `json:"epoch_ms"`
	Digest         string             `json:"digest"`
	Replicas       int                `json:"replicas"`
	Start          bool               `json:"start"`
	Mounts         []manifest.Mount   `json:"mounts"`
	Ports          []int              `json:"ports"`
	Visibility     manifest.Visibility `json:"visibility"`
}

// PushComponent is an owner-signed, self-contained component deployment.
type PushComponent struct {
	Unsigned     PushUnsigned `json:"unsigned"`
	BinaryB64    string       `json:"binary_b64"`
	SignatureB64 string       `json:"signature_b64"`
}

func (PushComponent) CommandType() Type { return TypePushComponent }

// SubmitJob carries a jobs.Spec verbatim. It carries no
// owner_pub/signature fields, so unlike
// ApplyManifest/UpgradeAgent/PushComponent it is accepted unsigned,
// the same as Hello/Run/StatusQuery.
type SubmitJob struct {
	jobs.Spec
}

func (SubmitJob) CommandType() Type { return TypeSubmitJob }

// CancelJob requests cancellation of a running or pending job.
type CancelJob struct {
	JobID string `json:"job_id"`
}

func (CancelJob) CommandType() Type { return TypeCancelJob }

// JobStarted/JobCompleted/JobFailed are observational broadcasts a node
// publishes on a job's terminal (or start) transition so peers can
// update their view.
type JobStarted struct {
	JobID        string `json:"job_id"`
	AssignedNode string `json:"assigned_node"`
}

func (JobStarted) CommandType() Type { return TypeJobStarted }

type JobCompleted struct {
	JobID        string                  `json:"job_id"`
	AssignedNode string                  `json:"assigned_node"`
	ExitCode     int                     `json:"exit_code"`
	Artifacts    []jobs.CapturedArtifact `json:"artifacts,omitempty"`
}

func (JobCompleted) CommandType() Type { return TypeJobCompleted }

type JobFailed struct {
	JobID        string `json:"job_id"`
	AssignedNode string `json:"assigned_node"`
	Error        string `json:"error"`
}

func (JobFailed) CommandType() Type { return TypeJobFailed }

// StoragePut/StorageGet/StorageData/StorageHave are the optional CAS
// dissemination variants.
type StoragePut struct {
	Digest    string `json:"digest"`
	SizeBytes int64  `json:"size_bytes"`
}

func (StoragePut) CommandType() Type { return TypeStoragePut }

type StorageGet struct {
	Digest string `json:"digest"`
}

func (StorageGet) CommandType() Type { return TypeStorageGet }

type StorageData struct {
	Digest  string `json:"digest"`
	DataB64 string `json:"data_b64"`
}

func (StorageData) CommandType() Type { return TypeStorageData }

type StorageHave struct {
	Digest string `json:"digest"`
	Have   bool   `json:"have"`
}

func (StorageHave) CommandType() Type { return TypeStorageHave }

// Encode marshals cmd to its wire JSON form, injecting the "type" tag.
func Encode(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("command: encode: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("command: encode: %w", err)
	}
	tag, err := json.Marshal(cmd.CommandType())
	if err != nil {
		return nil, fmt.Errorf("command: encode: %w", err)
	}
	fields["type"] = tag
	return json.Marshal(fields)
}

type typeHeader struct {
	Type Type `json:"type"`
}

// Decode parses a wire frame into its concrete Command variant. An
// unrecognized type returns ErrUnknownType; callers must log and drop
// rather than treat this as fatal.
func Decode(raw []byte) (Command, error) {
	var head typeHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("command: decode header: %w", err)
	}

	var cmd Command
	switch head.Type {
	case TypeHello:
		var v Hello
		cmd = &v
	case TypeRun:
		var v Run
		cmd = &v
	case TypeStatusQuery:
		var v StatusQuery
		cmd = &v
	case TypeApplyManifest:
		var v ApplyManifest
		cmd = &v
	case TypeUpgradeAgent:
		var v UpgradeAgent
		cmd = &v
	case TypePushComponent:
		var v PushComponent
		cmd = &v
	case TypeSubmitJob:
		var v SubmitJob
		cmd = &v
	case TypeCancelJob:
		var v CancelJob
		cmd = &v
	case TypeJobStarted:
		var v JobStarted
		cmd = &v
	case TypeJobCompleted:
		var v JobCompleted
		cmd = &v
	case TypeJobFailed:
		var v JobFailed
		cmd = &v
	case TypeStoragePut:
		var v StoragePut
		cmd = &v
	case TypeStorageGet:
		var v StorageGet
		cmd = &v
	case TypeStorageData:
		var v StorageData
		cmd = &v
	case TypeStorageHave:
		var v StorageHave
		cmd = &v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, fmt.Errorf("command: decode %s: %w", head.Type, err)
	}
	return derefCommand(cmd), nil
}

// derefCommand returns the pointed-to value so callers get value types
// in type switches, matching Encode's value-receiver CommandType().
func derefCommand(cmd Command) Command {
	switch v := cmd.(type) {
	case *Hello:
		return *v
	case *Run:
		return *v
	case *StatusQuery:
		return *v
	case *ApplyManifest:
		return *v
	case *UpgradeAgent:
		return *v
	case *PushComponent:
		return *v
	case *SubmitJob:
		return *v
	case *CancelJob:
		return *v
	case *JobStarted:
		return *v
	case *JobCompleted:
		return *v
	case *JobFailed:
		return *v
	case *StoragePut:
		return *v
	case *StorageGet:
		return *v
	case *StorageData:
		return *v
	case *StorageHave:
		return *v
	default:
		return cmd
	}
}
