package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/batata-io/batata/api/batatapb"
	"github.com/batata-io/batata/internal/auth"
	"github.com/batata-io/batata/internal/bootstrap"
	"github.com/batata-io/batata/internal/breaker"
	"github.com/batata-io/batata/internal/cluster"
	"github.com/batata-io/batata/internal/cluster/distro"
	"github.com/batata-io/batata/internal/cluster/distrosink"
	"github.com/batata-io/batata/internal/cluster/k8sseed"
	"github.com/batata-io/batata/internal/configstore"
	"github.com/batata-io/batata/internal/dispatch"
	"github.com/batata-io/batata/internal/health"
	"github.com/batata-io/batata/internal/lock"
	"github.com/batata-io/batata/internal/longpoll"
	"github.com/batata-io/batata/internal/metrics"
	"github.com/batata-io/batata/internal/peerclient"
	"github.com/batata-io/batata/internal/raft"
	"github.com/batata-io/batata/internal/registry"
	"github.com/batata-io/batata/internal/store/kvstore"
)

// main wires every batata component and serves the gRPC bi-stream
// dispatch surface until the process receives SIGINT/SIGTERM. It
// initializes, in dependency order:
//  1. bootstrap config and its live-reload watcher
//  2. logger, metrics registry, auth manager
//  3. the buntdb-backed persistence adapter
//  4. the registry and config stores, with Raft always fronting the
//     config/instance commit path (even in standalone_embedded mode, as
//     a self-bootstrapped single-member group — see DESIGN.md)
//  5. the health-check engine, long-poll coordinator, and lock service
//  6. cluster membership, optional k8s-based seeding, and the Distro
//     anti-entropy protocol for ephemeral instances
//  7. the circuit breaker / token-bucket rate limiter
//  8. the dispatcher and the gRPC server exposing it
func main() {
	configPath := os.Getenv("BATATA_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := bootstrap.Load(configPath)
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg.Live.LogLevel)
	defer log.Sync()

	watcher, err := bootstrap.NewWatcher(configPath, log)
	if err != nil {
		log.Warnw("live config watcher disabled", "path", configPath, "err", err)
	} else {
		go func() {
			if err := watcher.Run(); err != nil {
				log.Warnw("live config watcher stopped", "err", err)
			}
		}()
		defer watcher.Close()
	}

	m := metrics.NewRegistry()
	authMgr := auth.NewManager(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalw("create storage data dir", "dir", cfg.Storage.DataDir, "err", err)
	}
	backend, err := kvstore.Open(filepath.Join(cfg.Storage.DataDir, "batata.db"))
	if err != nil {
		log.Fatalw("open storage backend", "err", err)
	}
	defer backend.Close()

	reg := registry.NewStore()

	// configstore.Store needs an Applier at construction, but the real
	// Applier (raft.Node) needs an FSM, and the FSM needs this same
	// Store. raftApplier breaks the cycle: it is handed to NewStore
	// empty and bound to the live Node once NewNode returns.
	applier := &raftApplier{}
	cs := configstore.NewStore(log, backend, applier)
	if err := cs.Warm("", ""); err != nil {
		log.Fatalw("warm config cache", "err", err)
	}

	fsm := raft.NewFSM(log, cs, reg, backend, authMgr, m)
	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = "batata-1"
	}
	raftAddr := cfg.Cluster.BindAddr
	if raftAddr == "" {
		raftAddr = net.JoinHostPort("0.0.0.0", itoa(cfg.Server.RaftPort))
	}
	// A single-member Raft group always bootstraps, clustered or not:
	// standalone_embedded mechanically has no peers to replicate to, but
	// every config/instance/user mutation still flows through the same
	// FSM.Apply path distributed_embedded uses, so the server never uses
	// configstore.LocalApplier.
	bootstrapSelf := cfg.Cluster.Bootstrap || len(cfg.Cluster.Seeds) == 0
	node, err := raft.NewNode(raft.Config{
		NodeID:    nodeID,
		BindAddr:  raftAddr,
		DataDir:   cfg.Storage.RaftDir,
		Bootstrap: bootstrapSelf,
	}, fsm, log)
	if err != nil {
		log.Fatalw("start raft node", "err", err)
	}
	applier.bind(node)
	defer node.Shutdown()

	healthEngine := health.NewEngine(log, reg, m)
	longpollCoord := longpoll.NewCoordinator(log, cs, m)
	lockSvc := lock.NewService()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go longpollCoord.Run(ctx)
	go runLockSweeper(ctx, lockSvc)

	breakers := breaker.NewRegistry(breaker.Params{
		FailureThreshold: cfg.Live.BreakerFailureThreshold,
		ResetTimeout:     cfg.Live.BreakerResetTimeout,
	}, m)
	rateLimit := breaker.NewTokenBucket(cfg.Live.RateLimitCapacity, cfg.Live.RateLimitRefillRate, m)

	peers := peerclient.NewWithBreaker(breakers)
	defer peers.Close()

	clusterMgr := cluster.NewManager(log, peers, m, nodeID, raftAddr, 2*time.Second, 3)
	seeds := make(map[string]string, len(cfg.Cluster.Seeds))
	for _, addr := range cfg.Cluster.Seeds {
		seeds[addr] = addr
	}
	clusterMgr.Seed(seeds)
	go clusterMgr.Run(ctx)

	if cfg.Cluster.K8sSeedEnabled || cfg.Cluster.K8sSecretEnabled {
		client, _, err := k8sseed.NewClient()
		if err != nil {
			log.Warnw("k8s client unavailable, k8s seeding disabled", "err", err)
		} else {
			if cfg.Cluster.K8sSeedEnabled {
				peerCtrl := k8sseed.NewPeerController(log, client, cfg.Cluster.K8sNamespace, cfg.Cluster.K8sServiceName, cfg.Server.RaftPort, clusterMgr.Seed)
				go func() {
					if err := peerCtrl.Run(ctx); err != nil {
						log.Warnw("k8s peer controller stopped", "err", err)
					}
				}()
			}
			if cfg.Cluster.K8sSecretEnabled {
				secretCtrl := k8sseed.NewSecretController(log, client, cfg.Cluster.K8sNamespace, cfg.Cluster.K8sSecretName)
				go func() {
					if err := secretCtrl.Run(ctx); err != nil {
						log.Warnw("k8s secret controller stopped", "err", err)
					}
				}()
			}
		}
	}

	distroSink := &distrosink.Sink{Store: reg}
	distroProto := distro.NewProtocol(log, distroSink, peers, 5*time.Second)
	distroProto.SetPeers(cfg.Cluster.Seeds)
	go distroProto.Run(ctx)

	if watcher != nil {
		go logLiveConfigReloads(ctx, watcher.Updates(), log)
	}

	disp := dispatch.NewDispatcher(dispatch.Deps{
		Log:       log,
		Registry:  reg,
		Configs:   cs,
		Longpoll:  longpollCoord,
		AuthMgr:   authMgr,
		Locks:     lockSvc,
		Health:    healthEngine,
		Metrics:   m,
		Applier:   applier,
		Distro:    distroProto,
		RateLimit: rateLimit,
	})
	go disp.Run(ctx)

	clusterMgr.SelfReady()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9850", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("metrics server stopped", "err", err)
		}
	}()
	defer metricsSrv.Shutdown(context.Background())

	grpcAddr := net.JoinHostPort("0.0.0.0", itoa(cfg.Server.GRPCPort))
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalw("listen on grpc address", "addr", grpcAddr, "err", err)
	}

	s := grpc.NewServer()
	batatapb.RegisterRequestServiceServer(s, disp)

	go func() {
		<-ctx.Done()
		clusterMgr.Drain()
		s.GracefulStop()
		clusterMgr.Stopped()
	}()

	log.Infow("batata listening", "grpc_addr", grpcAddr, "node_id", nodeID, "storage_mode", cfg.Storage.Mode)
	if err := s.Serve(lis); err != nil {
		log.Fatalw("grpc serve failed", "err", err)
	}
}

// raftApplier is a configstore.Applier trampoline bound to a live
// *raft.Node after construction, breaking the Store -> FSM -> Node ->
// Applier circular dependency.
type raftApplier struct {
	node *raft.Node
}

func (a *raftApplier) bind(n *raft.Node) { a.node = n }

func (a *raftApplier) Apply(cmd configstore.Command) (uint64, error) {
	return a.node.Apply(cmd)
}

func runLockSweeper(ctx context.Context, locks *lock.Service) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			locks.Sweep()
		}
	}
}

// logLiveConfigReloads drains the bootstrap watcher's update channel so
// a reload never blocks on a full channel; LiveConfig fields with a
// runtime home (rate limit, breaker, health-check defaults) are read
// fresh by newly constructed components rather than pushed into
// already-running ones, matching the teacher's own config reload scope.
func logLiveConfigReloads(ctx context.Context, updates <-chan bootstrap.LiveConfig, log *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case live, ok := <-updates:
			if !ok {
				return
			}
			log.Infow("live config reloaded", "logLevel", live.LogLevel)
		}
	}
}

func newLogger(level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
