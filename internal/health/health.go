// Package health implements the health-check engine: per-instance
// adaptive-interval probes (TCP/HTTP/TTL/GRPC/NONE) that drive a
// Passing/Warning/Critical state machine and flip the registry's healthy
// bit on transition.
package health

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/metrics"
	"github.com/batata-io/batata/internal/registry"
)

type CheckType string

const (
	CheckNone CheckType = "NONE"
	CheckTCP  CheckType = "TCP"
	CheckHTTP CheckType = "HTTP"
	CheckTTL  CheckType = "TTL"
	CheckGRPC CheckType = "GRPC"
)

type State int

const (
	Passing State = iota
	Warning
	Critical
)

// Config is one instance's check configuration.
type Config struct {
	Type           CheckType
	Target         string        // host:port for TCP/GRPC
	HTTPPath       string        // path for HTTP checks
	HTTPCodeMin    int
	HTTPCodeMax    int
	Timeout        time.Duration
	MinInterval    time.Duration
	MaxInterval    time.Duration
	Factor         float64 // f in (0,1]
	CheckTimes     int     // consecutive failures -> Critical
	TTL            time.Duration
	IPDeleteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Factor <= 0 || c.Factor > 1 {
		c.Factor = 0.8
	}
	if c.CheckTimes <= 0 {
		c.CheckTimes = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 800 * time.Millisecond
	}
	if c.IPDeleteTimeout <= 0 {
		c.IPDeleteTimeout = 30 * time.Second
	}
}

type target struct {
	key     registry.ServiceKey
	ip      string
	port    int
	cluster string
	ephemeral bool
}

type probeState struct {
	cfg             Config
	state           State
	consecutiveFail int
	interval        time.Duration
	lastHeartbeat   time.Time
	criticalSince   time.Time
	cancel          context.CancelFunc
}

// Engine runs one goroutine per tracked instance, adaptively scheduling
// probes under an interval-growth/shrink rule.
type Engine struct {
	log     *zap.SugaredLogger
	reg     *registry.Store
	metrics *metrics.Registry

	mu     sync.Mutex
	probes map[string]*probeState // instanceID -> state
	stopped bool
}

func NewEngine(log *zap.SugaredLogger, reg *registry.Store, m *metrics.Registry) *Engine {
	return &Engine{log: log, reg: reg, metrics: m, probes: make(map[string]*probeState)}
}

// Track starts (or restarts) adaptive health checking for one instance.
func (e *Engine) Track(key registry.ServiceKey, ip string, port int, cluster string, ephemeral bool, cfg Config) {
	cfg.defaults()
	tgt := target{key: key, ip: ip, port: port, cluster: registry.NormalizeCluster(cluster), ephemeral: ephemeral}
	id := tgt.ip + "#" + itoa(tgt.port) + "#" + tgt.cluster + "#" + key.Service

	e.mu.Lock()
	if existing, ok := e.probes[id]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := &probeState{cfg: cfg, state: Passing, interval: (cfg.MinInterval + cfg.MaxInterval) / 2, cancel: cancel}
	e.probes[id] = ps
	e.mu.Unlock()

	if cfg.Type == CheckTTL {
		go e.runTTL(ctx, tgt, id, ps)
		return
	}
	go e.runActive(ctx, tgt, id, ps)
}

// Tracked reports whether id already has an active probe goroutine, so
// callers driven by repeated client signals (re-registration, stream
// heartbeat frames) can tell a first-touch Track from a refresh.
func (e *Engine) Tracked(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.probes[id]
	return ok
}

// Heartbeat records a passive TTL heartbeat from the client itself.
func (e *Engine) Heartbeat(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok := e.probes[id]; ok {
		ps.lastHeartbeat = time.Now()
	}
}

func (e *Engine) Untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok := e.probes[id]; ok {
		ps.cancel()
		delete(e.probes, id)
	}
}

func (e *Engine) runActive(ctx context.Context, tgt target, id string, ps *probeState) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(ps.interval):
		}
		ok := e.probe(ctx, ps.cfg)
		e.transition(tgt, id, ps, ok)
	}
}

func (e *Engine) runTTL(ctx context.Context, tgt target, id string, ps *probeState) {
	ticker := time.NewTicker(ps.cfg.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.mu.Lock()
		last := ps.lastHeartbeat
		e.mu.Unlock()
		ok := !last.IsZero() && time.Since(last) <= ps.cfg.TTL
		e.transition(tgt, id, ps, ok)
	}
}

func (e *Engine) probe(ctx context.Context, cfg Config) bool {
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	switch cfg.Type {
	case CheckNone:
		return true
	case CheckTCP, CheckGRPC:
		d := net.Dialer{}
		conn, err := d.DialContext(cctx, "tcp", cfg.Target)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	case CheckHTTP:
		req, err := http.NewRequestWithContext(cctx, http.MethodGet, "http://"+cfg.Target+cfg.HTTPPath, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= cfg.HTTPCodeMin && resp.StatusCode <= cfg.HTTPCodeMax
	default:
		return true
	}
}

func (e *Engine) transition(tgt target, id string, ps *probeState, passed bool) {
	e.mu.Lock()
	prevState := ps.state
	if passed {
		ps.consecutiveFail = 0
		ps.state = Passing
		ps.interval = clampDuration(time.Duration(float64(ps.interval)/ps.cfg.Factor), ps.cfg.MinInterval, ps.cfg.MaxInterval)
		if prevState != Passing {
			// a state transition resets the interval to the midpoint
			ps.interval = (ps.cfg.MinInterval + ps.cfg.MaxInterval) / 2
		}
	} else {
		ps.consecutiveFail++
		ps.interval = clampDuration(time.Duration(float64(ps.interval)*ps.cfg.Factor), ps.cfg.MinInterval, ps.cfg.MaxInterval)
		if ps.consecutiveFail >= ps.cfg.CheckTimes {
			if ps.state != Critical {
				ps.criticalSince = time.Now()
			}
			ps.state = Critical
		} else if prevState == Passing {
			ps.state = Warning
		}
		if prevState == Passing {
			// a pass->fail transition also resets the interval to the midpoint
			ps.interval = (ps.cfg.MinInterval + ps.cfg.MaxInterval) / 2
		}
	}
	newState := ps.state
	criticalSince := ps.criticalSince
	changed := newState != prevState
	e.mu.Unlock()

	result := "pass"
	if !passed {
		result = "fail"
	}
	if e.metrics != nil {
		e.metrics.HealthCheckProbes.WithLabelValues(string(ps.cfg.Type), result).Inc()
	}

	if changed {
		healthy := newState == Passing
		if err := e.reg.UpdateInstanceHealth(tgt.key, tgt.ip, tgt.port, tgt.cluster, healthy); err != nil {
			e.log.Warnw("health transition failed to apply", "instance", id, "err", err)
		}
	}

	// Checked every tick, not just on the tick Critical was entered:
	// criticalSince is fixed at the first Critical transition, so this
	// only trips once time has actually elapsed past it.
	if newState == Critical && tgt.ephemeral && time.Since(criticalSince) >= ps.cfg.IPDeleteTimeout {
		if err := e.reg.Deregister(tgt.key, tgt.ip, tgt.port, tgt.cluster); err != nil {
			e.log.Warnw("ephemeral deregister after critical timeout failed", "instance", id, "err", err)
		}
		e.Untrack(id)
	}
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
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
