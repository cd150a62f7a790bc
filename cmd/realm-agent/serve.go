package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/realmhq/realm-agent/internal/cas"
	"github.com/realmhq/realm-agent/internal/clock"
	"github.com/realmhq/realm-agent/internal/command"
	"github.com/realmhq/realm-agent/internal/gossip"
	"github.com/realmhq/realm-agent/internal/identity"
	"github.com/realmhq/realm-agent/internal/jobs"
	"github.com/realmhq/realm-agent/internal/metrics"
	"github.com/realmhq/realm-agent/internal/state"
	"github.com/realmhq/realm-agent/internal/supervisor"
	"github.com/realmhq/realm-agent/internal/upgrade"
	"github.com/realmhq/realm-agent/internal/wasmrt"
	"github.com/realmhq/realm-agent/pkg/manifest"
)

var (
	flagDataDir      string
	flagListenAddr   string
	flagMetricsAddr  string
	flagLogLevel     string
	flagTags         []string
	flagNoMulticast  bool
	flagStatusPeriod time.Duration
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: gossip mesh, supervisor, job executor, metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(flagLogLevel)
			return runServe(cmd.Context(), log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&flagDataDir, "data-dir", "./data", "agent data directory")
	flags.StringVar(&flagListenAddr, "listen", "0.0.0.0:4242", "gossip mesh listen address (ip:port)")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "127.0.0.1:9090", "local metrics/logs HTTP listen address")
	flags.StringVar(&flagLogLevel, "log-level", "info", "debug|info|warn|error")
	flags.StringSliceVar(&flagTags, "tag", nil, "operator tags for this node, repeatable")
	flags.BoolVar(&flagNoMulticast, "no-multicast", false, "disable local multicast discovery")
	flags.DurationVar(&flagStatusPeriod, "status-period", 5*time.Second, "status frame publish interval")
	return cmd
}

func runServe(ctx context.Context, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	id, err := identity.LoadOrCreate(filepath.Join(flagDataDir, "node.key"))
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	log.Info("agent starting", "peer_id", id.PeerID(), "data_dir", flagDataDir)

	trust, err := identity.OpenTrustStore(filepath.Join(flagDataDir, "owner.pub"))
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}

	st, err := state.Open(flagDataDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	casStore, err := cas.Open(filepath.Join(flagDataDir, "artifacts"), clk)
	if err != nil {
		return fmt.Errorf("open cas store: %w", err)
	}

	policyDoc, err := jobs.LoadPolicy(flagDataDir)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	tags := append(append([]string{}, flagTags...), policyDoc.Tags...)

	m := metrics.New()
	logBuf := metrics.NewLogBuffer(clk)

	engine, err := wasmrt.NewEngine()
	if err != nil {
		return fmt.Errorf("init wasm engine: %w", err)
	}
	engine.Metrics = m
	go engine.TickEpoch(ctx)

	sup := supervisor.New(supervisor.Config{
		Logger:  log,
		Clock:   clk,
		Metrics: m,
		Engine:  engine,
		Logs:    logBuf,
	})

	if manifestTOML, err := st.LoadManifestTOML(); err != nil {
		log.Warn("failed to load persisted manifest", "err", err)
	} else if manifestTOML != "" {
		doc, err := manifest.ParseDocument(manifestTOML)
		if err != nil {
			log.Warn("persisted manifest failed to parse, starting with empty desired set", "err", err)
		} else if err := sup.LoadFromCAS(casStore, doc); err != nil {
			log.Warn("failed to seed desired set from persisted manifest", "err", err)
		}
	}

	upgradeEngine := upgrade.New(filepath.Join(flagDataDir, "bin"), st, clk, log)

	jobsPersist, err := jobs.OpenFilePersister(flagDataDir)
	if err != nil {
		return fmt.Errorf("open jobs persister: %w", err)
	}

	mesh, err := gossip.NewMesh(id, flagListenAddr, log)
	if err != nil {
		return fmt.Errorf("start gossip mesh: %w", err)
	}

	executor := jobs.New(jobs.Config{
		CAS:       casStore,
		Engine:    engine,
		Policy:    policyDoc.Policy(),
		Logger:    log,
		Clock:     clk,
		NodeID:    id.PeerID(),
		NodeTags:  tags,
		LogBuffer: logBuf,
		Persist:   jobsPersist,
		Hooks:     newJobHooks(ctx, mesh, log),
	})
	executor.Restore(jobsPersist.Instances())

	statusKick := make(chan struct{}, 1)
	deps := &agentDeps{
		dataDir:    flagDataDir,
		cas:        casStore,
		state:      st,
		supervisor: sup,
		upgrade:    upgradeEngine,
		jobs:       executor,
		mesh:       mesh,
		log:        log,
		statusNow: func() {
			select {
			case statusKick <- struct{}{}:
			default:
			}
		},
	}

	verifier := command.New(trust, st, clk, id.PeerID(), tags, m, deps.newHandlers(), log)

	// Discovered peers join the mesh as explicit peers and leave it
	// again when their beacon expires.
	peers := gossip.NewPeerTable(20 * time.Second)
	peers.OnNew(func(info gossip.PeerInfo) {
		go func() {
			if err := mesh.Dial(ctx, info.MeshAddr); err != nil {
				log.Warn("gossip: dial discovered peer failed", "peer_id", info.PeerID, "addr", info.MeshAddr, "err", err)
			}
		}()
	})
	peers.OnExpired(func(info gossip.PeerInfo) {
		log.Info("gossip: peer beacon expired, disconnecting", "peer_id", info.PeerID)
		mesh.Disconnect(info.MeshAddr)
	})
	go peers.Run(ctx)

	bootstrapAddrs, err := loadBootstrapAddrs(filepath.Join(flagDataDir, "bootstrap.json"))
	if err != nil {
		return fmt.Errorf("load bootstrap list: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return mesh.Run(ctx) })
	group.Go(func() error { return sup.Run(ctx) })

	gossip.DialBootstrap(ctx, mesh, bootstrapAddrs, log)

	if !flagNoMulticast {
		discCfg := gossip.DefaultDiscoveryConfig()
		discCfg.Logger = log
		discCfg.Announce = gossip.PeerInfo{
			PeerID:   id.PeerID(),
			MeshAddr: flagListenAddr,
			Tags:     tags,
		}
		disc, err := gossip.NewDiscovery(discCfg, peers)
		if err != nil {
			log.Warn("multicast discovery disabled", "err", err)
		} else {
			group.Go(func() error { return disc.Run(ctx) })
		}
	}

	commandCh := make(chan gossip.Delivery, 256)
	unsubCommand := mesh.Subscribe(gossip.TopicCommand, commandCh)
	defer unsubCommand()
	group.Go(func() error { return runCommandLoop(ctx, verifier, commandCh) })

	links := newLinkTracker()
	group.Go(func() error {
		runProbeLoop(ctx, m, peers, links)
		return nil
	})

	resources := newResourceSampler()
	group.Go(func() error {
		runStatusLoop(ctx, mesh, flagStatusPeriod, statusKick, log, func() statusFrame {
			cur := st.Current()
			m.SetAgentVersion(cur.AgentVersion)
			m.SetManifestVersion(cur.ManifestVersion)
			return buildStatusFrame(id, trust, sup, st, tags, resources, links)
		}, m.IncStatusPublished, m.IncPublishError)
		return nil
	})

	errCh := m.ServeHTTP(ctx, log, flagMetricsAddr, logBuf, 5*time.Second, func(mux *http.ServeMux) {
		mux.HandleFunc("/connect-peer", connectPeerHandler(ctx, mesh))
	})
	group.Go(func() error { return <-errCh })

	return group.Wait()
}

// connectPeerHandler serves the operator's connect-peer request:
// POST /connect-peer?addr=<ip:port> dials addr as an explicit mesh peer.
func connectPeerHandler(ctx context.Context, mesh *gossip.Mesh) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		addr := r.URL.Query().Get("addr")
		if addr == "" {
			http.Error(w, "missing addr parameter", http.StatusBadRequest)
			return
		}
		if err := mesh.Dial(ctx, addr); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func buildStatusFrame(id identity.Identity, trust *identity.TrustStore, sup *supervisor.Supervisor, st *state.Store, tags []string, resources *resourceSampler, links *linkTracker) statusFrame {
	cpuPercent, memPercent := resources.Sample()
	cur := st.Current()

	desired := sup.GetDesiredSnapshot()
	running := 0
	for name := range desired {
		running += sup.RunningReplicas(name)
	}

	var ownerStr string
	if owner := trust.Owner(); owner != nil {
		ownerStr = identity.PublicKeyString(owner)
	}

	return statusFrame{
		NodeID:                id.PeerID(),
		Msg:                   "ok",
		AgentVersion:          cur.AgentVersion,
		ComponentsDesired:     len(desired),
		ComponentsRunning:     running,
		CPUPercent:            cpuPercent,
		MemPercent:            memPercent,
		Tags:                  tags,
		Drift:                 running != len(desired),
		TrustedOwnerPubBase58: ownerStr,
		Links:                 links.Snapshot(),
	}
}

func runCommandLoop(ctx context.Context, verifier *command.Verifier, ch <-chan gossip.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery := <-ch:
			if err := verifier.Handle(ctx, delivery.SenderPeerID, delivery.Payload); err != nil {
				return fmt.Errorf("command verifier fault: %w", err)
			}
		}
	}
}

func newJobHooks(ctx context.Context, mesh *gossip.Mesh, log *slog.Logger) jobs.Hooks {
	broadcast := func(cmd command.Command) {
		payload, err := command.Encode(cmd)
		if err != nil {
			log.Error("job hook: encode failed", "err", err)
			return
		}
		if err := mesh.Publish(ctx, gossip.TopicCommand, payload); err != nil {
			log.Warn("job hook: broadcast failed", "err", err)
		}
	}
	return jobs.Hooks{
		OnStarted: func(inst jobs.Instance) {
			broadcast(command.JobStarted{JobID: inst.ID, AssignedNode: inst.AssignedNode})
		},
		OnCompleted: func(inst jobs.Instance) {
			exitCode := 0
			if inst.ExitCode != nil {
				exitCode = *inst.ExitCode
			}
			broadcast(command.JobCompleted{JobID: inst.ID, AssignedNode: inst.AssignedNode, ExitCode: exitCode, Artifacts: inst.Artifacts})
		},
		OnFailed: func(inst jobs.Instance) {
			broadcast(command.JobFailed{JobID: inst.ID, AssignedNode: inst.AssignedNode, Error: inst.Error})
		},
	}
}
