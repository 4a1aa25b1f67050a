package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/batata-io/batata/api/batatapb"
	"github.com/batata-io/batata/internal/auth"
	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/breaker"
	"github.com/batata-io/batata/internal/cluster/distro"
	"github.com/batata-io/batata/internal/cluster/distrosink"
	"github.com/batata-io/batata/internal/configstore"
	"github.com/batata-io/batata/internal/health"
	"github.com/batata-io/batata/internal/lock"
	"github.com/batata-io/batata/internal/longpoll"
	"github.com/batata-io/batata/internal/metrics"
	"github.com/batata-io/batata/internal/raft"
	"github.com/batata-io/batata/internal/registry"
)

// Dispatcher is the gRPC bi-stream server: it owns the connection table
// and routes every inbound Payload through the handler registry, and
// drives server-push notifications off the registry's change-event
// stream. One instance serves every RequestService RPC.
type Dispatcher struct {
	batatapb.UnimplementedRequestServiceServer

	log      *zap.SugaredLogger
	conns    *Table
	registry *registry.Store
	configs  *configstore.Store
	longpoll *longpoll.Coordinator
	authMgr  *auth.Manager
	locks    *lock.Service
	health   *health.Engine
	metrics  *metrics.Registry
	applier  configstore.Applier
	distro   *distro.Protocol
	rateLimit *breaker.TokenBucket

	distroSink func(DistroDataSyncRequest)

	handlers map[string]handlerSpec

	nextID uint64

	waitersMu sync.Mutex
	waiters   map[string]map[string]struct{} // connID -> waiterID set
}

// Deps bundles the components a Dispatcher wires against. Built once in
// main and passed by value to NewDispatcher.
type Deps struct {
	Log        *zap.SugaredLogger
	Registry   *registry.Store
	Configs    *configstore.Store
	Longpoll   *longpoll.Coordinator
	AuthMgr    *auth.Manager
	Locks      *lock.Service
	Health     *health.Engine
	Metrics    *metrics.Registry
	Applier    configstore.Applier
	Distro     *distro.Protocol
	RateLimit  *breaker.TokenBucket
	DistroSink func(DistroDataSyncRequest)
}

func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{
		log:        deps.Log,
		conns:      newTable(deps.Log),
		registry:   deps.Registry,
		configs:    deps.Configs,
		longpoll:   deps.Longpoll,
		authMgr:    deps.AuthMgr,
		locks:      deps.Locks,
		health:     deps.Health,
		metrics:    deps.Metrics,
		applier:    deps.Applier,
		distro:     deps.Distro,
		rateLimit:  deps.RateLimit,
		distroSink: deps.DistroSink,
		handlers:   buildHandlerRegistry(),
		waiters:    make(map[string]map[string]struct{}),
	}
}

func (d *Dispatcher) genID() string {
	n := atomic.AddUint64(&d.nextID, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}

// Run drains the registry's change-event stream and pushes
// NotifySubscriberRequest frames to every connection subscribed to the
// affected service, regardless of whether the change originated from
// this node's own handler, a committed Raft persistent-instance command,
// or a Distro sync from a peer.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.registry.Events():
			if !ok {
				return
			}
			d.pushServiceChange(ev)
		}
	}
}

func (d *Dispatcher) pushServiceChange(ev registry.ChangeEvent) {
	if d.metrics != nil {
		d.metrics.ServiceChangeEvents.Inc()
	}
	subs := d.registry.Subscribers(ev.Key)
	if len(subs) == 0 {
		return
	}
	notify := &NotifySubscriberRequest{
		Namespace:     ev.Key.Namespace,
		Group:         ev.Key.Group,
		ServiceName:   ev.Key.Service,
		Hosts:         toInstanceViews(ev.Instances),
		ChangeCounter: ev.ChangeCounter,
	}
	body, err := json.Marshal(notify)
	if err != nil {
		d.log.Errorw("marshal service change notify", "service", ev.Key.String(), "err", err)
		return
	}
	for _, connID := range subs {
		c, ok := d.conns.get(connID)
		if !ok {
			continue
		}
		p := &batatapb.Payload{
			RequestId: d.genID(),
			Metadata:  &batatapb.Metadata{Type: TypeNotifySubscriberRequest},
			Body:      body,
		}
		if !c.Push(p, true) {
			d.log.Warnw("dropped critical service push, disconnecting", "conn", connID)
			d.closeConnection(connID)
		}
	}
}

// Request serves the unary half of the protocol: one request, one
// response, no persistent connection identity. Used for handlers that
// don't depend on connection-scoped state (health checks, stateless
// config reads from peers).
func (d *Dispatcher) Request(ctx context.Context, p *batatapb.Payload) (*batatapb.Payload, error) {
	conn := newConnection(d.genID())
	defer conn.closeSignal()
	return d.route(conn, p), nil
}

// RequestBiStream serves the persistent multiplexed connection: a single
// reader goroutine (this one) decodes and dispatches every inbound frame
// to its own goroutine so a parked long-poll or lock wait never blocks
// the stream from accepting further requests; a single writer goroutine
// drains the connection's outbound queue, since concurrent Send calls on
// one gRPC stream are not safe.
func (d *Dispatcher) RequestBiStream(stream batatapb.RequestService_RequestBiStreamServer) error {
	conn := newConnection(d.genID())
	d.conns.add(conn)
	defer d.closeConnection(conn.ID)

	sendErr := make(chan error, 1)
	go func() {
		for {
			select {
			case p, ok := <-conn.outbound:
				if !ok {
					return
				}
				if err := stream.Send(p); err != nil {
					select {
					case sendErr <- err:
					default:
					}
					return
				}
			case <-conn.closed:
				return
			}
		}
	}()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		in, err := stream.Recv()
		if err != nil {
			return err
		}

		inflight.Add(1)
		go func(p *batatapb.Payload) {
			defer inflight.Done()
			resp := d.route(conn, p)
			if resp == nil {
				return
			}
			if !conn.Push(resp, true) {
				d.log.Warnw("dropped response, client backed up past critical window", "conn", conn.ID, "requestId", p.GetRequestId())
			}
		}(in)

		select {
		case err := <-sendErr:
			return err
		default:
		}
	}
}

// route decodes a Payload's metadata type, enforces auth/permission, runs
// the matched handler, and builds a response Payload. Handler errors are
// translated into an ErrorResponse at this single boundary — handlers
// themselves never construct wire-level error frames.
func (d *Dispatcher) route(conn *Connection, p *batatapb.Payload) *batatapb.Payload {
	reqType := p.GetMetadata().GetType()
	if conn.ClientIP == "" {
		conn.ClientIP = p.GetMetadata().GetClientIp()
	}

	spec, ok := d.handlers[reqType]
	if !ok {
		return d.errorPayload(p.GetRequestId(), berrors.InvalidParam("unknown payload type %q", reqType))
	}

	if d.rateLimit != nil {
		key := conn.ClientIP
		if key == "" {
			key = conn.ID
		}
		if ok, retryAfter := d.rateLimit.Allow(key); !ok {
			return d.errorPayload(p.GetRequestId(), berrors.RateLimited("rate limit exceeded, retry after %s", retryAfter))
		}
	}

	if err := d.authorize(conn, spec, p.GetBody()); err != nil {
		return d.errorPayload(p.GetRequestId(), err)
	}

	respType, resp, err := spec.fn(d, conn, p.GetBody())
	if err != nil {
		return d.errorPayload(p.GetRequestId(), err)
	}
	if resp == nil {
		return nil
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return d.errorPayload(p.GetRequestId(), berrors.Internal(err, "marshal response body"))
	}
	return &batatapb.Payload{
		RequestId: p.GetRequestId(),
		Metadata:  &batatapb.Metadata{Type: respType},
		Body:      body,
	}
}

func (d *Dispatcher) authorize(conn *Connection, spec handlerSpec, body []byte) error {
	switch spec.requirement {
	case auth.None:
		return nil
	case auth.Authenticated, auth.Internal:
		_, err := requireAuthContext(conn)
		return err
	case auth.Read, auth.Write:
		ctx, err := requireAuthContext(conn)
		if err != nil {
			return err
		}
		if spec.resourceFn == nil {
			return nil
		}
		resource := spec.resourceFn(body)
		action := "r"
		if spec.requirement == auth.Write {
			action = "w"
		}
		if !d.authMgr.Authorize(ctx, resource, action) {
			return berrors.AccessDenied(resource, action)
		}
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) errorPayload(requestID string, err error) *batatapb.Payload {
	be := berrors.AsError(err)
	body, _ := json.Marshal(&ErrorResponse{ResultCode: ResultCode{ResultCode: int(be.Code), Message: be.Error()}})
	return &batatapb.Payload{
		RequestId: requestID,
		Metadata:  &batatapb.Metadata{Type: TypeErrorResponse},
		Body:      body,
	}
}

// closeConnection cascades the cleanup a dropped connection requires:
// its subscriptions, parked long-poll waiters, and held locks must all
// be released so they don't linger after the client is gone.
func (d *Dispatcher) closeConnection(id string) {
	d.conns.remove(id)
	d.registry.DropConnection(id)
	d.locks.ReleaseAll(id)

	d.waitersMu.Lock()
	ids := make([]string, 0, len(d.waiters[id]))
	for wid := range d.waiters[id] {
		ids = append(ids, wid)
	}
	delete(d.waiters, id)
	d.waitersMu.Unlock()
	if len(ids) > 0 {
		d.longpoll.CancelConnection(ids)
	}

	if d.metrics != nil {
		d.metrics.GRPCConnections.Set(float64(d.conns.count()))
	}
}

func (d *Dispatcher) trackWaiter(connID, waiterID string) {
	d.waitersMu.Lock()
	if d.waiters[connID] == nil {
		d.waiters[connID] = make(map[string]struct{})
	}
	d.waiters[connID][waiterID] = struct{}{}
	d.waitersMu.Unlock()
}

func (d *Dispatcher) untrackWaiter(connID, waiterID string) {
	d.waitersMu.Lock()
	delete(d.waiters[connID], waiterID)
	d.waitersMu.Unlock()
}

// onEphemeralChange records the metric for a local ephemeral
// register/deregister and makes the change visible to Distro's
// anti-entropy protocol so peers can pull it; the actual subscriber push
// is driven uniformly by Run off the registry's change-event stream, so
// it also covers persistent instances (applied via Raft) and instances
// synced in from peers over Distro.
func (d *Dispatcher) onEphemeralChange(key registry.ServiceKey, inst *registry.Instance, deleted bool) {
	if d.metrics != nil && deleted {
		d.metrics.InstanceDeregistrations.Inc()
	}
	if d.distro == nil {
		return
	}
	dataKey := distrosink.DataKey(key, inst.IP, inst.Port, inst.ClusterName)
	if deleted {
		d.distro.Delete(distro.DataTypeNamingInstance, dataKey)
		return
	}
	d.distro.Put(distro.Data{
		Type:    distro.DataTypeNamingInstance,
		Key:     dataKey,
		Content: distrosink.Encode(key, inst, false),
		Version: uint64(time.Now().UnixNano()),
	})
}

// applyPersistentInstance submits a persistent instance mutation through
// the Raft log. The FSM applies it to the same *registry.Store this
// dispatcher reads from, so the change-event stream (and thus Run's
// subscriber push) fires exactly as it would for an ephemeral instance.
func (d *Dispatcher) applyPersistentInstance(key registry.ServiceKey, inst *registry.Instance, deleted bool) error {
	if deleted {
		payload := raft.InstanceDelPayload{
			Namespace: key.Namespace, Group: key.Group, Service: key.Service,
			IP: inst.IP, Port: inst.Port, ClusterName: inst.ClusterName,
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return berrors.Internal(err, "marshal instance del command")
		}
		if _, err := d.applier.Apply(configstore.Command{Type: raft.CmdInstanceDel, Payload: buf}); err != nil {
			return berrors.Upstream(err, "submit instance del")
		}
		return nil
	}

	payload := raft.InstancePutPayload{
		Namespace: key.Namespace, Group: key.Group, Service: key.Service,
		IP: inst.IP, Port: inst.Port, Weight: inst.Weight, ClusterName: inst.ClusterName,
		Enabled: inst.Enabled, Metadata: inst.Metadata,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return berrors.Internal(err, "marshal instance put command")
	}
	if _, err := d.applier.Apply(configstore.Command{Type: raft.CmdInstancePut, Payload: buf}); err != nil {
		return berrors.Upstream(err, "submit instance put")
	}
	return nil
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
