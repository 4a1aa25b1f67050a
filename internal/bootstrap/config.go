// Package bootstrap implements the server's own YAML configuration file
// and its hot-reload watcher, generalized from the teacher's gateway DSL
// loader: one static section read once at startup (storage mode,
// cluster seeds, ports, data directories), and one live-reloadable
// section (log level, rate limits, health-check defaults) that the
// Watcher pushes out on every file change.
package bootstrap

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/batata-io/batata/internal/berrors"
)

// StorageMode names the deployment's storage mode. cmd/server only logs
// it: every mode opens the local buntdb store and starts the Raft
// replicator.
type StorageMode string

const (
	// StorageEmbeddedStandalone runs a single node against the local
	// buntdb-backed store with no replication.
	StorageEmbeddedStandalone StorageMode = "standalone_embedded"
	// StorageEmbeddedDistributed runs buntdb locally but replicates
	// writes through Raft across the cluster seeds.
	StorageEmbeddedDistributed StorageMode = "distributed_embedded"
	// StorageExternalDB names persistence in an external SQL-shaped
	// store.Adapter. This module has no such adapter; in this mode the
	// server opens the local buntdb store like the other modes.
	StorageExternalDB StorageMode = "external_db"
)

// ClusterConfig describes this node's identity and the peers it should
// try to join at startup.
type ClusterConfig struct {
	NodeID    string   `yaml:"nodeId"`
	BindAddr  string   `yaml:"bindAddr"`
	Seeds     []string `yaml:"seeds"`
	Bootstrap bool     `yaml:"bootstrap"`
	// K8sSeedEnabled turns on EndpointSlice-based peer discovery
	// instead of (or alongside) the static Seeds list.
	K8sSeedEnabled   bool   `yaml:"k8sSeedEnabled"`
	K8sNamespace     string `yaml:"k8sNamespace"`
	K8sServiceName   string `yaml:"k8sServiceName"`
	K8sSecretEnabled bool   `yaml:"k8sSecretEnabled"`
	K8sSecretName    string `yaml:"k8sSecretName"`
}

// ServerConfig holds the client gRPC listener port and the Raft
// transport port.
type ServerConfig struct {
	GRPCPort int `yaml:"grpcPort"`
	RaftPort int `yaml:"raftPort"`
}

// AuthConfig configures the token manager.
type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TokenSecret  string        `yaml:"tokenSecret"`
	TokenTTL     time.Duration `yaml:"tokenTtl"`
}

// StorageConfig selects the persistence mode and its data directories.
type StorageConfig struct {
	Mode       StorageMode `yaml:"mode"`
	DataDir    string      `yaml:"dataDir"`
	RaftDir    string      `yaml:"raftDir"`
}

// LiveConfig is the subset of settings safe to change without a
// restart. Watcher re-reads and republishes only this section's values
// on every file change; everything else in Config is read once at
// startup and requires a process restart to change.
type LiveConfig struct {
	LogLevel             string        `yaml:"logLevel"`
	RateLimitCapacity    float64       `yaml:"rateLimitCapacity"`
	RateLimitRefillRate  float64       `yaml:"rateLimitRefillRate"`
	HealthCheckMinInterval time.Duration `yaml:"healthCheckMinInterval"`
	HealthCheckMaxInterval time.Duration `yaml:"healthCheckMaxInterval"`
	HealthCheckFactor      float64       `yaml:"healthCheckFactor"`
	BreakerFailureThreshold int          `yaml:"breakerFailureThreshold"`
	BreakerResetTimeout     time.Duration `yaml:"breakerResetTimeout"`
}

func (l *LiveConfig) defaults() {
	if l.LogLevel == "" {
		l.LogLevel = "info"
	}
	if l.RateLimitCapacity <= 0 {
		l.RateLimitCapacity = 200
	}
	if l.RateLimitRefillRate <= 0 {
		l.RateLimitRefillRate = 100
	}
	if l.HealthCheckMinInterval <= 0 {
		l.HealthCheckMinInterval = 2 * time.Second
	}
	if l.HealthCheckMaxInterval <= 0 {
		l.HealthCheckMaxInterval = 30 * time.Second
	}
	if l.HealthCheckFactor <= 0 || l.HealthCheckFactor > 1 {
		l.HealthCheckFactor = 0.8
	}
	if l.BreakerFailureThreshold <= 0 {
		l.BreakerFailureThreshold = 5
	}
	if l.BreakerResetTimeout <= 0 {
		l.BreakerResetTimeout = 10 * time.Second
	}
}

// Config is the full bootstrap document, the root of config.yaml.
type Config struct {
	Cluster ClusterConfig `yaml:"cluster"`
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Live    LiveConfig    `yaml:"live"`
}

func (c *Config) defaults() {
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9848
	}
	if c.Server.RaftPort == 0 {
		c.Server.RaftPort = 9849
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = time.Hour
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = StorageEmbeddedStandalone
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.RaftDir == "" {
		c.Storage.RaftDir = "./data/raft"
	}
	c.Live.defaults()
}

// Load reads and parses path, applying defaults for every field left
// unset. Unlike the teacher's LoadConfig, this never prints the parsed
// document — structured logging happens at the call site once a logger
// exists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, berrors.Internal(err, "read bootstrap config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, berrors.InvalidParam("parse bootstrap config %s: %v", path, err)
	}
	cfg.defaults()
	return &cfg, nil
}
