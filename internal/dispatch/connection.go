// Package dispatch implements the gRPC bi-stream dispatcher (C8) and the
// payload-handler registry (C9): one bidirectional stream per connected
// client multiplexing requests, responses, and unsolicited server pushes,
// routed through a type-name keyed handler table that enforces
// auth/permission per handler before invoking it. Generalizes the
// teacher's single-directional config-push stream (one chan per client,
// non-blocking broadcast with a skip-if-full fallback) to a
// bidirectional, multi-payload-type protocol.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batata-io/batata/api/batatapb"
	"github.com/batata-io/batata/internal/auth"
)

// pushQueueSize bounds each connection's outbound frame queue. When full,
// non-critical pushes are dropped; critical pushes (config-change
// notifications) block briefly before the connection is torn down.
const pushQueueSize = 256

// criticalPushBlock is how long a Send of a critical push may block
// against a stalled client before the connection is dropped.
const criticalPushBlock = 2 * time.Second

// Connection is one client's bi-stream session: its identity, its
// outbound queue, and the per-connection cleanup hooks (subscriptions,
// parked long-polls, held locks) invoked when the stream ends. Connection
// lifecycle dominates any back-reference to it — the registry's
// subscriber index and the lock table hold only the connection id, never
// a pointer, exactly as spec.md's "cyclic reference" design note
// prescribes.
type Connection struct {
	ID       string
	AppName  string
	Version  string
	ClientIP string
	Auth     *auth.Context

	outbound chan *batatapb.Payload
	acks     sync.Map // requestID (string) -> chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		ID:       id,
		outbound: make(chan *batatapb.Payload, pushQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
}

// waitCtx is cancelled the moment the connection closes, so a handler
// parked in longpoll.Coordinator.Wait unblocks as soon as the stream ends
// rather than riding out its full timeout.
func (c *Connection) waitCtx() context.Context { return c.ctx }

// Push enqueues a server-push frame. Non-critical pushes are dropped
// silently when the queue is full; critical pushes block up to
// criticalPushBlock before reporting failure, which callers translate
// into a forced disconnect.
func (c *Connection) Push(p *batatapb.Payload, critical bool) bool {
	select {
	case c.outbound <- p:
		return true
	case <-c.closed:
		return false
	default:
	}
	if !critical {
		return false
	}
	t := time.NewTimer(criticalPushBlock)
	defer t.Stop()
	select {
	case c.outbound <- p:
		return true
	case <-t.C:
		return false
	case <-c.closed:
		return false
	}
}

// awaitAck registers a channel that PushAck closes, for callers that
// need to confirm a push was received before proceeding. No handler or
// push path in this package calls it; NotifySubscriberRequest pushes are
// not retried.
func (c *Connection) awaitAck(requestID string) <-chan struct{} {
	ch := make(chan struct{})
	c.acks.Store(requestID, ch)
	return ch
}

func (c *Connection) ack(requestID string) {
	if v, ok := c.acks.LoadAndDelete(requestID); ok {
		close(v.(chan struct{}))
	}
}

func (c *Connection) closeSignal() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
	})
}

// Table is the connection registry the dispatcher owns: connection_id ->
// *Connection. A plain map guarded by an RWMutex, matching the teacher's
// mutex-guarded clients map.
type Table struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
	log   *zap.SugaredLogger
	nextN uint64
}

func newTable(log *zap.SugaredLogger) *Table {
	return &Table{byID: make(map[string]*Connection), log: log}
}

func (t *Table) add(c *Connection) {
	t.mu.Lock()
	t.byID[c.ID] = c
	t.mu.Unlock()
}

func (t *Table) remove(id string) {
	t.mu.Lock()
	c, ok := t.byID[id]
	delete(t.byID, id)
	t.mu.Unlock()
	if ok {
		c.closeSignal()
	}
}

func (t *Table) get(id string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[id]
	return c, ok
}

func (t *Table) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

func (t *Table) all() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Connection, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	return out
}
