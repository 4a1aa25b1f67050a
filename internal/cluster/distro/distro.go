// Package distro implements the AP gossip sync path for ephemeral
// registry instances: a minimal pull-based anti-entropy protocol
// distinct from the Raft-replicated path (periodic version-vector
// verify, then sync the keys found stale or missing).
package distro

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type DataType string

const (
	DataTypeNamingInstance DataType = "NAMING_INSTANCE"
)

// Data is one gossiped unit: an opaque byte blob tagged with a
// monotonically increasing version, the unit distro syncs or verifies.
type Data struct {
	Type    DataType
	Key     string
	Content []byte
	Version uint64
	Source  string
}

// Sink receives synced data and applies it to local state (the registry
// store's ephemeral instance set, keyed by instance id).
type Sink interface {
	ApplyDistroData(d Data) error
}

// PeerClient is the outbound half of the protocol: verify against one
// peer's version vector, then pull full data for the keys found stale.
// Implemented by internal/peerclient's Client, which dials peers without
// transport credentials.
type PeerClient interface {
	Verify(ctx context.Context, peerAddr string, dataType DataType, versions map[string]uint64) (staleKeys []string, err error)
	Fetch(ctx context.Context, peerAddr string, dataType DataType, keys []string) ([]Data, error)
}

// Protocol owns the local version-tagged data set and runs periodic
// anti-entropy rounds against configured peers.
type Protocol struct {
	log    *zap.SugaredLogger
	sink   Sink
	client PeerClient

	mu   sync.RWMutex
	data map[DataType]map[string]Data

	peersMu sync.RWMutex
	peers   []string

	interval time.Duration
}

func NewProtocol(log *zap.SugaredLogger, sink Sink, client PeerClient, interval time.Duration) *Protocol {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Protocol{
		log: log, sink: sink, client: client,
		data:     make(map[DataType]map[string]Data),
		interval: interval,
	}
}

func (p *Protocol) SetPeers(peers []string) {
	p.peersMu.Lock()
	defer p.peersMu.Unlock()
	p.peers = append([]string(nil), peers...)
}

// Put registers a local mutation (instance register/deregister) at a
// fresh version, making it available to peers pulling data from us.
func (p *Protocol) Put(d Data) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.data[d.Type]
	if m == nil {
		m = make(map[string]Data)
		p.data[d.Type] = m
	}
	m[d.Key] = d
}

func (p *Protocol) Delete(dataType DataType, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data[dataType], key)
}

// Versions returns the current version vector for dataType, used both to
// answer a peer's verify request and to build our own outbound one.
func (p *Protocol) Versions(dataType DataType) map[string]uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]uint64, len(p.data[dataType]))
	for k, d := range p.data[dataType] {
		out[k] = d.Version
	}
	return out
}

// Snapshot returns the requested keys' full data, for answering a peer's
// Fetch.
func (p *Protocol) Snapshot(dataType DataType, keys []string) []Data {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Data, 0, len(keys))
	m := p.data[dataType]
	for _, k := range keys {
		if d, ok := m[k]; ok {
			out = append(out, d)
		}
	}
	return out
}

// ReceiveSync applies data pushed or pulled from a peer, accepting it iff
// it is newer than (or we lack) our local copy.
func (p *Protocol) ReceiveSync(d Data) error {
	p.mu.Lock()
	m := p.data[d.Type]
	if m == nil {
		m = make(map[string]Data)
		p.data[d.Type] = m
	}
	local, ok := m[d.Key]
	if ok && local.Version >= d.Version {
		p.mu.Unlock()
		return nil
	}
	m[d.Key] = d
	p.mu.Unlock()
	return p.sink.ApplyDistroData(d)
}

// Run drives periodic anti-entropy rounds against every configured peer
// until ctx is cancelled.
func (p *Protocol) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.syncRound(ctx)
		}
	}
}

func (p *Protocol) syncRound(ctx context.Context) {
	p.peersMu.RLock()
	peers := append([]string(nil), p.peers...)
	p.peersMu.RUnlock()

	versions := p.Versions(DataTypeNamingInstance)
	for _, addr := range peers {
		rctx, cancel := context.WithTimeout(ctx, p.interval)
		stale, err := p.client.Verify(rctx, addr, DataTypeNamingInstance, versions)
		cancel()
		if err != nil {
			p.log.Warnw("distro verify failed", "peer", addr, "err", err)
			continue
		}
		if len(stale) == 0 {
			continue
		}
		fctx, cancel := context.WithTimeout(ctx, p.interval)
		data, err := p.client.Fetch(fctx, addr, DataTypeNamingInstance, stale)
		cancel()
		if err != nil {
			p.log.Warnw("distro fetch failed", "peer", addr, "err", err)
			continue
		}
		for _, d := range data {
			if err := p.ReceiveSync(d); err != nil {
				p.log.Warnw("distro apply failed", "key", d.Key, "err", err)
			}
		}
	}
}
