// Package cluster implements the membership manager: seed+probe
// liveness tracking of cluster peers, self-state transitions, and the
// MemberChange event fan-out that Raft membership, health-check
// rebalancing, and metrics all listen on. Generalizes an informer-style
// add/update/delete event handler feeding a registry from "watch one
// resource" to "probe N peers and classify liveness."
package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/metrics"
)

type State string

const (
	StateStarting  State = "STARTING"
	StateUp        State = "UP"
	StateSuspicious State = "SUSPICIOUS"
	StateDown      State = "DOWN"
	StateIsolation State = "ISOLATION"
)

type ChangeType string

const (
	ChangeJoin      ChangeType = "JOIN"
	ChangeLeave     ChangeType = "LEAVE"
	ChangeStateFlip ChangeType = "STATE_CHANGE"
)

// Member is one tracked peer.
type Member struct {
	ID            string
	Addr          string
	State         State
	FailAccessCnt int
	LastSeen      time.Time
}

func (m Member) clone() Member { return m }

// MemberChange is published to every registered listener on any
// transition, matching the {type, member, previous_state, ts} shape.
type MemberChange struct {
	Type         ChangeType
	Member       Member
	PreviousState State
	At           time.Time
}

// Prober sends a lightweight liveness RPC to a peer. Implemented by
// internal/peerclient's Client (a ServerCheck round trip over the peer's
// gRPC request service); tests use a stub.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// Listener receives every MemberChange. Raft membership, the health
// engine's ownership rebalance, and metrics all register as listeners.
type Listener func(MemberChange)

// Manager tracks the self node's state and every known peer's liveness.
type Manager struct {
	log     *zap.SugaredLogger
	prober  Prober
	metrics *metrics.Registry

	selfID   string
	heartbeat time.Duration
	threshold int

	mu       sync.RWMutex
	self     Member
	members  map[string]*Member
	listeners []Listener
}

func NewManager(log *zap.SugaredLogger, prober Prober, m *metrics.Registry, selfID, selfAddr string, heartbeat time.Duration, threshold int) *Manager {
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Manager{
		log: log, prober: prober, metrics: m,
		selfID: selfID, heartbeat: heartbeat, threshold: threshold,
		self:    Member{ID: selfID, Addr: selfAddr, State: StateStarting, LastSeen: time.Now()},
		members: make(map[string]*Member),
	}
}

// Listen registers l to receive every future MemberChange.
func (m *Manager) Listen(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(ev MemberChange) {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Seed loads the initial peer list (from a seed file, flat config, or an
// optional k8s provider — see cluster/k8sseed). Peers already known are
// left untouched.
func (m *Manager) Seed(peers map[string]string) {
	m.mu.Lock()
	var joined []MemberChange
	for id, addr := range peers {
		if id == m.selfID {
			continue
		}
		if _, ok := m.members[id]; ok {
			continue
		}
		mem := &Member{ID: id, Addr: addr, State: StateUp, LastSeen: time.Now()}
		m.members[id] = mem
		joined = append(joined, MemberChange{Type: ChangeJoin, Member: mem.clone(), At: time.Now()})
	}
	m.mu.Unlock()
	for _, ev := range joined {
		m.notify(ev)
	}
}

// SelfReady transitions the self node STARTING -> UP once every leaf
// component is initialized and (if clustered) Raft has joined, or
// standalone mode is confirmed.
func (m *Manager) SelfReady() {
	m.mu.Lock()
	prev := m.self.State
	m.self.State = StateUp
	m.mu.Unlock()
	if prev != StateUp {
		m.notify(MemberChange{Type: ChangeStateFlip, Member: m.Self(), PreviousState: prev, At: time.Now()})
	}
}

// Drain transitions the self node UP -> ISOLATION, the first step of
// graceful shutdown: peers should stop routing new traffic here.
func (m *Manager) Drain() {
	m.mu.Lock()
	prev := m.self.State
	m.self.State = StateIsolation
	m.mu.Unlock()
	m.notify(MemberChange{Type: ChangeStateFlip, Member: m.Self(), PreviousState: prev, At: time.Now()})
}

// Stopped transitions the self node to DOWN, the terminal shutdown state.
func (m *Manager) Stopped() {
	m.mu.Lock()
	prev := m.self.State
	m.self.State = StateDown
	m.mu.Unlock()
	m.notify(MemberChange{Type: ChangeStateFlip, Member: m.Self(), PreviousState: prev, At: time.Now()})
}

func (m *Manager) Self() Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self.clone()
}

func (m *Manager) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem.clone())
	}
	return out
}

// Run drives the seed+probe heartbeat loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]*Member, 0, len(m.members))
	for _, mem := range m.members {
		targets = append(targets, mem)
	}
	m.mu.RUnlock()

	for _, mem := range targets {
		pctx, cancel := context.WithTimeout(ctx, m.heartbeat)
		err := m.prober.Probe(pctx, mem.Addr)
		cancel()
		m.recordProbe(mem.ID, err)
	}
}

func (m *Manager) recordProbe(id string, probeErr error) {
	m.mu.Lock()
	mem, ok := m.members[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	prev := mem.State
	if probeErr == nil {
		mem.FailAccessCnt = 0
		mem.State = StateUp
		mem.LastSeen = time.Now()
	} else {
		mem.FailAccessCnt++
		switch {
		case mem.FailAccessCnt >= m.threshold*2:
			mem.State = StateDown
		case mem.FailAccessCnt >= m.threshold:
			mem.State = StateSuspicious
		}
	}
	changed := prev != mem.State
	snapshot := mem.clone()
	m.mu.Unlock()

	if changed {
		m.notify(MemberChange{Type: ChangeStateFlip, Member: snapshot, PreviousState: prev, At: time.Now()})
	}
}
