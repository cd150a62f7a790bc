package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/realmhq/realm-agent/internal/cas"
	"github.com/realmhq/realm-agent/internal/command"
	"github.com/realmhq/realm-agent/internal/gossip"
	"github.com/realmhq/realm-agent/internal/jobs"
	"github.com/realmhq/realm-agent/internal/state"
	"github.com/realmhq/realm-agent/internal/supervisor"
	"github.com/realmhq/realm-agent/internal/upgrade"
	"github.com/realmhq/realm-agent/pkg/manifest"
	"github.com/realmhq/realm-agent/pkg/pushpkg"
)

// agentDeps bundles the components handlers need, built once in
// runServe and closed over by each command.Handlers callback.
type agentDeps struct {
	dataDir    string
	cas        *cas.Store
	state      *state.Store
	supervisor *supervisor.Supervisor
	upgrade    *upgrade.Engine
	jobs       *jobs.Executor
	mesh       *gossip.Mesh
	log        *slog.Logger
	statusNow  func() // requests an immediate status publish
}

// applyManifestDocument resolves every component's source into the CAS
// and hands the resulting desired set to the Supervisor.
// A component whose source cannot be resolved is dropped with a
// warning rather than failing the whole manifest, matching
// Supervisor.LoadFromCAS's boot-time behavior.
func (d *agentDeps) applyManifestDocument(ctx context.Context, doc manifest.Document) error {
	set := make(map[string]supervisor.DesiredComponent, len(doc.Components))
	for name, spec := range doc.Components {
		path, err := jobs.ResolveSource(ctx, d.cas, spec.Source, spec.SHA256Hex)
		if err != nil {
			d.log.Warn("manifest: dropping component with unresolvable source", "name", name, "err", err)
			continue
		}
		set[name] = supervisor.DesiredComponent{Name: name, LocalPath: path, Spec: spec}
	}
	d.supervisor.SetDesired(set)
	return nil
}

func (d *agentDeps) newHandlers() command.Handlers {
	return command.Handlers{
		Hello: func(ctx context.Context, sender string, cmd command.Hello) {
			d.log.Debug("command: hello", "sender", sender, "from", cmd.From)
		},
		Run: func(ctx context.Context, sender string, cmd command.Run) error {
			d.jobs.Submit(jobs.Spec{
				Name:        fmt.Sprintf("ad-hoc-run-%s", sender),
				Kind:        jobs.KindOneShot,
				Variant:     jobs.VariantWASM,
				Source:      "file:" + cmd.WasmPath,
				MemoryMaxMB: cmd.MemoryMaxMB,
				FuelUnits:   cmd.Fuel,
				EpochMS:     cmd.EpochMS,
			})
			return nil
		},
		StatusQuery: func(ctx context.Context, sender string) {
			d.log.Debug("command: status query", "sender", sender)
			if d.statusNow != nil {
				d.statusNow()
			}
		},
		ApplyManifest: func(ctx context.Context, sender string, signed manifest.Signed) error {
			doc, err := manifest.ParseDocument(signed.ManifestTOML)
			if err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if err := d.applyManifestDocument(ctx, doc); err != nil {
				return err
			}
			return d.state.SaveManifestTOML(signed.ManifestTOML)
		},
		UpgradeAgent: func(ctx context.Context, sender string, cmd command.UpgradeAgent) error {
			return d.upgrade.Apply(cmd)
		},
		PushComponent: func(ctx context.Context, sender string, cmd command.PushComponent) error {
			return d.applyPushComponent(ctx, cmd)
		},
		SubmitJob: func(ctx context.Context, sender string, spec jobs.Spec) {
			d.jobs.Submit(spec)
		},
		CancelJob: func(ctx context.Context, sender string, jobID string) {
			if err := d.jobs.Cancel(jobID); err != nil {
				d.log.Warn("command: cancel job failed", "job_id", jobID, "err", err)
			}
		},
		JobStarted: func(ctx context.Context, sender string, cmd command.JobStarted) {
			d.log.Info("job: peer reported start", "peer", sender, "job_id", cmd.JobID, "node", cmd.AssignedNode)
		},
		JobCompleted: func(ctx context.Context, sender string, cmd command.JobCompleted) {
			d.log.Info("job: peer reported completion", "peer", sender, "job_id", cmd.JobID, "exit_code", cmd.ExitCode)
		},
		JobFailed: func(ctx context.Context, sender string, cmd command.JobFailed) {
			d.log.Warn("job: peer reported failure", "peer", sender, "job_id", cmd.JobID, "err", cmd.Error)
		},
		StoragePut: func(ctx context.Context, sender string, cmd command.StoragePut) {
			d.log.Debug("storage: peer announced blob", "peer", sender, "digest", cmd.Digest)
		},
		StorageGet: func(ctx context.Context, sender string, cmd command.StorageGet) {
			have := d.cas.Has(cmd.Digest)
			payload, err := command.Encode(command.StorageHave{Digest: cmd.Digest, Have: have})
			if err != nil {
				return
			}
			_ = d.mesh.Publish(ctx, gossip.TopicCommand, payload)
		},
		StorageData: func(ctx context.Context, sender string, cmd command.StorageData) {
			d.log.Debug("storage: peer sent blob data", "peer", sender, "digest", cmd.Digest)
		},
		StorageHave: func(ctx context.Context, sender string, cmd command.StorageHave) {
			d.log.Debug("storage: peer reported have", "peer", sender, "digest", cmd.Digest, "have", cmd.Have)
		},
	}
}

// applyPushComponent installs the payload of a verified PushComponent
// command. A bare WASM binary is staged into CAS directly; a .realm
// zip is unpacked via pushpkg first. If PushUnsigned.Start is set, the
// component is upserted into the desired set.
func (d *agentDeps) applyPushComponent(ctx context.Context, cmd command.PushComponent) error {
	binary, err := decodeB64(cmd.BinaryB64)
	if err != nil {
		return fmt.Errorf("decode binary_b64: %w", err)
	}
	if pushpkg.IsPackage(binary) {
		return d.installRealmPackage(cmd, binary)
	}
	digest, err := d.cas.Put(binary)
	if err != nil {
		return fmt.Errorf("stage component: %w", err)
	}

	if !cmd.Unsigned.Start {
		return nil
	}
	path, err := d.cas.GetPath(digest)
	if err != nil {
		return fmt.Errorf("locate staged component: %w", err)
	}
	d.supervisor.UpsertComponent(supervisor.DesiredComponent{
		Name:      cmd.Unsigned.ComponentName,
		LocalPath: path,
		Spec: manifest.ComponentSpec{
			Source:      "cas:" + digest,
			SHA256Hex:   digest,
			MemoryMaxMB: cmd.Unsigned.MemoryMaxMB,
			FuelUnits:   cmd.Unsigned.FuelUnits,
			EpochMS:     cmd.Unsigned.EpochMS,
			Replicas:    cmd.Unsigned.Replicas,
			Mounts:      cmd.Unsigned.Mounts,
			Ports:       cmd.Unsigned.Ports,
			Visibility:  cmd.Unsigned.Visibility,
		},
	})
	return nil
}

// installRealmPackage unpacks a .realm zip under
// <data-dir>/components/<name>/, stages its component.wasm into CAS,
// and upserts the component with mounts derived from the package
// manifest's mount table. Limits given explicitly in the push header
// win over the package manifest's own.
func (d *agentDeps) installRealmPackage(cmd command.PushComponent, raw []byte) error {
	pkg, err := pushpkg.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse .realm package: %w", err)
	}

	name := cmd.Unsigned.ComponentName
	if name == "" {
		name = pkg.Manifest.Name
	}
	if name == "" {
		return fmt.Errorf("install .realm package: no component name in push header or package manifest")
	}

	destDir := filepath.Join(d.dataDir, "components", name)
	if err := pushpkg.Install(destDir, pkg); err != nil {
		return fmt.Errorf("install .realm package: %w", err)
	}

	digest, err := d.cas.Put(pkg.Component)
	if err != nil {
		return fmt.Errorf("stage package component: %w", err)
	}

	if !cmd.Unsigned.Start {
		return nil
	}
	path, err := d.cas.GetPath(digest)
	if err != nil {
		return fmt.Errorf("locate staged component: %w", err)
	}

	mounts := make([]manifest.Mount, 0, len(pkg.Manifest.Mounts))
	for _, pm := range pkg.Manifest.Mounts {
		host := pushpkg.MountPath(destDir, pm)
		if pm.Kind == pushpkg.MountWork {
			if err := os.MkdirAll(host, 0o755); err != nil {
				return fmt.Errorf("create work mount: %w", err)
			}
		}
		mounts = append(mounts, manifest.Mount{
			Host:     host,
			Guest:    pm.Guest,
			ReadOnly: pm.Kind == pushpkg.MountStatic || pm.Kind == pushpkg.MountConfig,
		})
	}

	spec := manifest.ComponentSpec{
		Source:      "cas:" + digest,
		SHA256Hex:   digest,
		MemoryMaxMB: firstNonZero(cmd.Unsigned.MemoryMaxMB, pkg.Manifest.MemoryMaxMB),
		FuelUnits:   firstNonZeroU64(cmd.Unsigned.FuelUnits, pkg.Manifest.FuelUnits),
		EpochMS:     firstNonZero(cmd.Unsigned.EpochMS, pkg.Manifest.EpochMS),
		Replicas:    cmd.Unsigned.Replicas,
		Mounts:      mounts,
		Ports:       firstNonEmpty(cmd.Unsigned.Ports, pkg.Manifest.Ports),
		Visibility:  cmd.Unsigned.Visibility,
	}
	if spec.Visibility == "" && pkg.Manifest.Visibility != "" {
		spec.Visibility = manifest.Visibility(pkg.Manifest.Visibility)
	}

	d.supervisor.UpsertComponent(supervisor.DesiredComponent{Name: name, LocalPath: path, Spec: spec})
	return nil
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroU64(a, b uint64) uint64 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonEmpty(a, b []int) []int {
	if len(a) != 0 {
		return a
	}
	return b
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
