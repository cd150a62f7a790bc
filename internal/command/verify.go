package command

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/near/borsh-go"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/realmhq/realm-agent/internal/identity"
	"github.com/realmhq/realm-agent/internal/jobs"
	"github.com/realmhq/realm-agent/internal/state"
	"github.com/realmhq/realm-agent/pkg/manifest"
)

// Handlers are the side-effecting callbacks a Verifier dispatches to
// once a command variant has been fully validated. They carry no
// dependency back on command; cmd/realm-agent wires each to the
// component that actually owns the behavior (the CAS, the WASM
// runtime, the supervisor, the upgrade engine, the job executor, the
// metrics registry), keeping the verifier itself ignorant of them.
type Handlers struct {
	ApplyManifest func(ctx context.Context, sender string, signed manifest.Signed) error
	UpgradeAgent  func(ctx context.Context, sender string, cmd UpgradeAgent) error
	PushComponent func(ctx context.Context, sender string, cmd PushComponent) error
	SubmitJob     func(ctx context.Context, sender string, spec jobs.Spec)
	CancelJob     func(ctx context.Context, sender string, jobID string)
	Hello         func(ctx context.Context, sender string, cmd Hello)
	Run           func(ctx context.Context, sender string, cmd Run) error
	StatusQuery   func(ctx context.Context, sender string)
	JobStarted    func(ctx context.Context, sender string, cmd JobStarted)
	JobCompleted  func(ctx context.Context, sender string, cmd JobCompleted)
	JobFailed     func(ctx context.Context, sender string, cmd JobFailed)
	StoragePut    func(ctx context.Context, sender string, cmd StoragePut)
	StorageGet    func(ctx context.Context, sender string, cmd StorageGet)
	StorageData   func(ctx context.Context, sender string, cmd StorageData)
	StorageHave   func(ctx context.Context, sender string, cmd StorageHave)
}

// Verifier implements the seven-step decode/verify/TOFU/monotonic-
// version/digest/targeting/dispatch algorithm.
type Verifier struct {
	trust *identity.TrustStore
	state *state.Store
	clock clock.Clock

	selfPeerID string
	selfTags   []string

	counters Counters
	handlers Handlers
	log      *slog.Logger
}

// New constructs a Verifier. selfPeerID/selfTags are used for the
// targeting-filter step; log defaults to slog.Default() if nil.
func New(trust *identity.TrustStore, st *state.Store, clk clock.Clock, selfPeerID string, selfTags []string, counters Counters, handlers Handlers, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	if counters == nil {
		counters = NopCounters{}
	}
	return &Verifier{
		trust:      trust,
		state:      st,
		clock:      clk,
		selfPeerID: selfPeerID,
		selfTags:   selfTags,
		counters:   counters,
		handlers:   handlers,
		log:        log,
	}
}

// Handle decodes and processes one incoming command frame from sender.
// Command handlers never propagate rejections to the receive loop, and
// Handle returns nil for every expected failure: bad signature, owner
// mismatch, stale version and digest mismatch are counted but not
// logged; undecodable frames and unknown types are logged but not
// counted. A non-nil error here signals only an unexpected
// local fault (state persistence failing after a successful side
// effect), which callers should treat as fatal and restart the
// process.
func (v *Verifier) Handle(ctx context.Context, sender string, raw []byte) error {
	cmd, err := Decode(raw)
	if err != nil {
		v.log.Warn("command: dropping undecodable frame", "sender", sender, "err", err)
		return nil
	}
	v.counters.IncCommandsReceived()

	switch c := cmd.(type) {
	case Hello:
		if v.handlers.Hello != nil {
			v.handlers.Hello(ctx, sender, c)
		}
		return nil
	case Run:
		if v.handlers.Run == nil {
			return nil
		}
		if err := v.handlers.Run(ctx, sender, c); err != nil {
			v.log.Error("command: run failed", "sender", sender, "err", err)
		}
		return nil
	case StatusQuery:
		if v.handlers.StatusQuery != nil {
			v.handlers.StatusQuery(ctx, sender)
		}
		return nil
	case ApplyManifest:
		return v.handleApplyManifest(ctx, sender, c)
	case UpgradeAgent:
		return v.handleUpgradeAgent(ctx, sender, c)
	case PushComponent:
		return v.handlePushComponent(ctx, sender, c)
	case SubmitJob:
		if v.handlers.SubmitJob != nil {
			v.handlers.SubmitJob(ctx, sender, c.Spec)
		}
		return nil
	case CancelJob:
		if v.handlers.CancelJob != nil {
			v.handlers.CancelJob(ctx, sender, c.JobID)
		}
		return nil
	case JobStarted:
		if v.handlers.JobStarted != nil {
			v.handlers.JobStarted(ctx, sender, c)
		}
		return nil
	case JobCompleted:
		if v.handlers.JobCompleted != nil {
			v.handlers.JobCompleted(ctx, sender, c)
		}
		return nil
	case JobFailed:
		if v.handlers.JobFailed != nil {
			v.handlers.JobFailed(ctx, sender, c)
		}
		return nil
	case StoragePut:
		if v.handlers.StoragePut != nil {
			v.handlers.StoragePut(ctx, sender, c)
		}
		return nil
	case StorageGet:
		if v.handlers.StorageGet != nil {
			v.handlers.StorageGet(ctx, sender, c)
		}
		return nil
	case StorageData:
		if v.handlers.StorageData != nil {
			v.handlers.StorageData(ctx, sender, c)
		}
		return nil
	case StorageHave:
		if v.handlers.StorageHave != nil {
			v.handlers.StorageHave(ctx, sender, c)
		}
		return nil
	default:
		v.log.Warn("command: unrecognized variant, dropping", "sender", sender)
		return nil
	}
}

func (v *Verifier) handleApplyManifest(ctx context.Context, sender string, c ApplyManifest) error {
	signed := c.Signed()
	if err := signed.Validate(); err != nil {
		v.log.Warn("command: malformed ApplyManifest, dropping", "sender", sender, "err", err)
		return nil
	}
	ownerPub, err := signed.OwnerPublicKey()
	if err != nil {
		v.log.Warn("command: malformed ApplyManifest owner key, dropping", "sender", sender, "err", err)
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(signed.SignatureB64)
	if err != nil {
		v.log.Warn("command: malformed ApplyManifest signature, dropping", "sender", sender, "err", err)
		return nil
	}
	if !ed25519.Verify(ownerPub, signed.SigningBytes(), sig) {
		v.counters.IncRejectedSig()
		v.counters.IncManifestsRejected()
		return nil
	}
	if err := v.trust.Check(ownerPub, v.clock.Now()); err != nil {
		v.counters.IncRejectedOwner()
		v.counters.IncManifestsRejected()
		return nil
	}

	cur := v.state.Current()
	if signed.Version <= cur.ManifestVersion {
		v.counters.IncRejectedStale()
		v.counters.IncManifestsRejected()
		return nil
	}

	if v.handlers.ApplyManifest == nil {
		return nil
	}
	if err := v.handlers.ApplyManifest(ctx, sender, signed); err != nil {
		v.log.Error("command: apply manifest side effects failed, version not advanced", "sender", sender, "err", err)
		v.counters.IncManifestsRejected()
		return nil
	}

	next := cur
	next.ManifestVersion = signed.Version
	if err := v.state.Save(next); err != nil {
		return fmt.Errorf("command: persist manifest_version=%d: %w", signed.Version, err)
	}
	v.counters.IncManifestsAccepted()
	return nil
}

func (v *Verifier) handleUpgradeAgent(ctx context.Context, sender string, c UpgradeAgent) error {
	if c.Algorithm != manifest.AlgorithmEd25519 {
		v.log.Warn("command: unsupported UpgradeAgent algorithm, dropping", "sender", sender, "alg", c.Algorithm)
		return nil
	}
	ownerPub, err := identity.ParsePublicKeyString(c.OwnerPubBase58)
	if err != nil {
		v.log.Warn("command: malformed UpgradeAgent owner key, dropping", "sender", sender, "err", err)
		return nil
	}
	binary, err := base64.StdEncoding.DecodeString(c.BinaryB64)
	if err != nil {
		v.log.Warn("command: malformed UpgradeAgent binary, dropping", "sender", sender, "err", err)
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(c.SignatureB64)
	if err != nil {
		v.log.Warn("command: malformed UpgradeAgent signature, dropping", "sender", sender, "err", err)
		return nil
	}

	// Signature covers the raw binary bytes directly, unlike PushComponent's canonicalized header.
	if !ed25519.Verify(ownerPub, binary, sig) {
		v.counters.IncRejectedSig()
		v.counters.IncUpgradesRejected()
		return nil
	}
	if err := v.trust.Check(ownerPub, v.clock.Now()); err != nil {
		v.counters.IncRejectedOwner()
		v.counters.IncUpgradesRejected()
		return nil
	}

	cur := v.state.Current()
	if c.Version <= cur.AgentVersion {
		v.counters.IncRejectedStale()
		v.counters.IncUpgradesRejected()
		return nil
	}

	if !digestMatches(binary, c.BinarySHA256Hex) {
		v.counters.IncRejectedDigest()
		v.counters.IncUpgradesRejected()
		return nil
	}

	if !targetMatches(v.selfPeerID, v.selfTags, c.TargetPeerIDs, c.TargetTags) {
		return nil // silent skip, TargetMismatch
	}

	if v.handlers.UpgradeAgent == nil {
		return nil
	}
	// The upgrade engine owns its own state machine, including host
	// OS/arch validation and persisting agent_version/previous_agent_version
	// itself; the verifier does not persist state for this variant.
	if err := v.handlers.UpgradeAgent(ctx, sender, c); err != nil {
		v.log.Error("command: upgrade rejected by engine", "sender", sender, "err", err)
		v.counters.IncUpgradesRejected()
		return nil
	}
	v.counters.IncUpgradesAccepted()
	return nil
}

func (v *Verifier) handlePushComponent(ctx context.Context, sender string, c PushComponent) error {
	ownerPub, err := identity.ParsePublicKeyString(c.Unsigned.OwnerPubBase58)
	if err != nil {
		v.log.Warn("command: malformed PushComponent owner key, dropping", "sender", sender, "err", err)
		return nil
	}
	headerBytes, err := borsh.Serialize(c.Unsigned)
	if err != nil {
		v.log.Warn("command: cannot canonicalize PushComponent header, dropping", "sender", sender, "err", err)
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(c.SignatureB64)
	if err != nil {
		v.log.Warn("command: malformed PushComponent signature, dropping", "sender", sender, "err", err)
		return nil
	}
	if !ed25519.Verify(ownerPub, headerBytes, sig) {
		v.counters.IncRejectedSig()
		return nil
	}
	if err := v.trust.Check(ownerPub, v.clock.Now()); err != nil {
		v.counters.IncRejectedOwner()
		return nil
	}

	// Digest check happens before any CAS write: the binary is decoded
	// here only to verify it, never staged by the verifier itself.
	binary, err := base64.StdEncoding.DecodeString(c.BinaryB64)
	if err != nil {
		v.log.Warn("command: malformed PushComponent binary, dropping", "sender", sender, "err", err)
		return nil
	}
	if !digestMatches(binary, c.Unsigned.Digest) {
		v.counters.IncRejectedDigest()
		return nil
	}

	if !targetMatches(v.selfPeerID, v.selfTags, c.Unsigned.TargetPeerIDs, c.Unsigned.TargetTags) {
		return nil // silent skip
	}

	if v.handlers.PushComponent == nil {
		return nil
	}
	if err := v.handlers.PushComponent(ctx, sender, c); err != nil {
		v.log.Error("command: push component handler failed", "sender", sender, "err", err)
	}
	return nil
}

func digestMatches(data []byte, wantHex string) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == wantHex
}

// targetMatches implements the targeting filter: empty lists match
// everywhere; otherwise the receiver's peer id or any of its declared
// tags must appear.
func targetMatches(selfPeerID string, selfTags, targetPeerIDs, targetTags []string) bool {
	if len(targetPeerIDs) == 0 && len(targetTags) == 0 {
		return true
	}
	for _, id := range targetPeerIDs {
		if id == selfPeerID {
			return true
		}
	}
	tagSet := make(map[string]struct{}, len(selfTags))
	for _, t := range selfTags {
		tagSet[t] = struct{}{}
	}
	for _, t := range targetTags {
		if _, ok := tagSet[t]; ok {
			return true
		}
	}
	return false
}
