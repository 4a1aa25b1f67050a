package raft

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/configstore"
)

// Config holds the replicator's tuning parameters.
type Config struct {
	NodeID             string
	BindAddr           string
	DataDir            string
	Bootstrap          bool
	ElectionTimeoutMin time.Duration
	HeartbeatInterval  time.Duration
	SnapshotThreshold  uint64
	ApplyTimeout       time.Duration
}

func (c *Config) defaults() {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 10000
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
}

// Node wraps a hashicorp/raft instance and its durable directory layout
// (logs/, state/, snapshots/ under a data root).
type Node struct {
	Raft   *hraft.Raft
	cfg    Config
	log    *zap.SugaredLogger
	logStore *raftboltdb.BoltStore
}

// NewNode constructs (and, if starting from an empty data dir and
// Bootstrap is set, bootstraps) a single-node Raft replicator. Peers are
// joined afterward via Join.
func NewNode(cfg Config, fsm *FSM, log *zap.SugaredLogger) (*Node, error) {
	cfg.defaults()

	logsDir := filepath.Join(cfg.DataDir, "logs")
	stateDir := filepath.Join(cfg.DataDir, "state")
	snapDir := filepath.Join(cfg.DataDir, "snapshots")
	for _, d := range []string{logsDir, stateDir, snapDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, berrors.Internal(err, "ensure raft data dir %s", d)
		}
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(logsDir, "raft-log.db"))
	if err != nil {
		return nil, berrors.Internal(err, "open raft log store")
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(stateDir, "raft-stable.db"))
	if err != nil {
		return nil, berrors.Internal(err, "open raft stable store")
	}
	snapStore, err := hraft.NewFileSnapshotStore(snapDir, 3, os.Stderr)
	if err != nil {
		return nil, berrors.Internal(err, "open raft snapshot store")
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, berrors.InvalidParam("resolve raft bind addr %q: %v", cfg.BindAddr, err)
	}
	transport, err := hraft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, berrors.Internal(err, "create raft transport")
	}

	rc := hraft.DefaultConfig()
	rc.LocalID = hraft.ServerID(cfg.NodeID)
	rc.ElectionTimeout = cfg.ElectionTimeoutMin
	rc.HeartbeatTimeout = cfg.ElectionTimeoutMin
	rc.CommitTimeout = cfg.HeartbeatInterval
	rc.SnapshotThreshold = cfg.SnapshotThreshold

	r, err := hraft.NewRaft(rc, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, berrors.Internal(err, "start raft node")
	}

	if cfg.Bootstrap {
		hasState, err := hraft.HasExistingState(logStore, stableStore, snapStore)
		if err != nil {
			return nil, berrors.Internal(err, "probe raft existing state")
		}
		if !hasState {
			future := r.BootstrapCluster(hraft.Configuration{
				Servers: []hraft.Server{{ID: rc.LocalID, Address: transport.LocalAddr()}},
			})
			if err := future.Error(); err != nil {
				return nil, berrors.Internal(err, "bootstrap raft cluster")
			}
		}
	}

	return &Node{Raft: r, cfg: cfg, log: log, logStore: logStore}, nil
}

// Apply implements configstore.Applier: marshal cmd, submit to the Raft
// log, wait for commit, and surface any error the FSM's Apply returned.
func (n *Node) Apply(cmd configstore.Command) (uint64, error) {
	buf, err := json.Marshal(cmd)
	if err != nil {
		return 0, berrors.Internal(err, "marshal raft command")
	}
	future := n.Raft.Apply(buf, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return 0, berrors.Upstream(err, "raft apply")
	}
	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok && applyErr != nil {
			return 0, berrors.Internal(applyErr, "fsm apply rejected command")
		}
	}
	return future.Index(), nil
}

// ReadIndex performs the linearizable read barrier required by operations
// that cannot tolerate a stale local read.
func (n *Node) ReadIndex() error {
	return berrors.AsError(n.Raft.Barrier(n.cfg.ApplyTimeout).Error())
}

// Join adds nodeID at addr as a voting member. Callers should only call
// this on the current leader; AddVoter itself forwards/rejects otherwise.
func (n *Node) Join(nodeID, addr string) error {
	f := n.Raft.AddVoter(hraft.ServerID(nodeID), hraft.ServerAddress(addr), 0, n.cfg.ApplyTimeout)
	return f.Error()
}

func (n *Node) Leave(nodeID string) error {
	return n.Raft.RemoveServer(hraft.ServerID(nodeID), 0, n.cfg.ApplyTimeout).Error()
}

func (n *Node) IsLeader() bool { return n.Raft.State() == hraft.Leader }

func (n *Node) LeaderAddr() string {
	addr, _ := n.Raft.LeaderWithID()
	return string(addr)
}

func (n *Node) Shutdown() error {
	if err := n.Raft.Shutdown().Error(); err != nil {
		return err
	}
	return n.logStore.Close()
}

var _ fmt.Stringer = (*Node)(nil)

func (n *Node) String() string {
	return fmt.Sprintf("raft-node(%s, state=%s)", n.cfg.NodeID, n.Raft.State())
}
