// Package registry implements the in-memory registry store: a concurrent
// (namespace, group, service) -> instance-set map plus the
// subscriber/reverse-subscriber indices that drive server-push
// notifications. Generalizes a mutex-guarded-maps-plus-dirty-channel
// pattern to per-ServiceEntry locking and typed change events: the
// top-level service map is lock-free (sync.Map) so operations on
// distinct services never contend, while mutation of a single service's
// instance set takes that entry's own lock.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/batata-io/batata/internal/berrors"
)

// ChangeEvent is published whenever a ServiceEntry's visible state
// changes: an instance registered, deregistered, or had its healthy bit
// flipped. The dispatcher consumes these via Store.Events().
type ChangeEvent struct {
	Key           ServiceKey
	ChangeCounter uint64
	Instances     []*Instance
	At            time.Time
}

// serviceEntry owns one service's instance set and its own change
// counter. Exclusive lock for mutation, shared lock for reads.
type serviceEntry struct {
	mu            sync.RWMutex
	instances     map[string]*Instance // instanceID -> instance
	changeCounter uint64
	lastActivity  time.Time
}

func newServiceEntry() *serviceEntry {
	return &serviceEntry{instances: make(map[string]*Instance), lastActivity: time.Now()}
}

// Store is the registry's top-level state: the service map, the
// subscriber index, and the reverse (per-connection) index. It owns every
// Instance and Subscription record.
type Store struct {
	services sync.Map // ServiceKey -> *serviceEntry

	subMu       sync.RWMutex
	subscribers map[ServiceKey]map[string]struct{} // service -> connIDs
	published   map[string]map[ServiceKey]struct{} // connID -> services

	events chan ChangeEvent
}

func NewStore() *Store {
	return &Store{
		subscribers: make(map[ServiceKey]map[string]struct{}),
		published:   make(map[string]map[ServiceKey]struct{}),
		events:      make(chan ChangeEvent, 1024),
	}
}

// Events returns the channel ServiceChanged notifications are published
// on. Consumed by the dispatcher to drive NotifySubscriberRequest pushes.
func (s *Store) Events() <-chan ChangeEvent { return s.events }

func (s *Store) publish(key ServiceKey, entry *serviceEntry) {
	snapshot := entry.snapshotLocked()
	ev := ChangeEvent{Key: key, ChangeCounter: entry.changeCounter, Instances: snapshot, At: time.Now()}
	select {
	case s.events <- ev:
	default:
		// Backpressure: drop the oldest slowly-consumed event rather than
		// block a registration/health-check goroutine. Subscribers still
		// converge because the next real change republishes full state.
		select {
		case <-s.events:
		default:
		}
		s.events <- ev
	}
}

func (e *serviceEntry) snapshotLocked() []*Instance {
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.clone())
	}
	sortInstances(out)
	return out
}

func sortInstances(list []*Instance) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ClusterName != list[j].ClusterName {
			return list[i].ClusterName < list[j].ClusterName
		}
		if list[i].IP != list[j].IP {
			return list[i].IP < list[j].IP
		}
		return list[i].Port < list[j].Port
	})
}

func (s *Store) loadOrCreateEntry(key ServiceKey) *serviceEntry {
	if v, ok := s.services.Load(key); ok {
		return v.(*serviceEntry)
	}
	entry := newServiceEntry()
	actual, _ := s.services.LoadOrStore(key, entry)
	return actual.(*serviceEntry)
}

// Register inserts or replaces an instance by InstanceID, idempotently:
// re-registering an instance whose visible fields are unchanged is a
// no-op that emits no event.
func (s *Store) Register(key ServiceKey, inst *Instance) error {
	if inst.IP == "" {
		return berrors.InvalidParam("instance ip is required")
	}
	if inst.Port < 1 || inst.Port > 65535 {
		return berrors.InvalidParam("instance port out of range: %d", inst.Port)
	}
	inst.Service = key.Service
	inst.Normalize()

	entry := s.loadOrCreateEntry(key)
	id := inst.InstanceID()

	entry.mu.Lock()
	prev, existed := entry.instances[id]
	changed := !existed || !prev.sameVisibleState(inst)
	if changed {
		entry.instances[id] = inst.clone()
		entry.changeCounter++
	}
	entry.lastActivity = time.Now()
	shouldPublish := changed
	var cc uint64
	if shouldPublish {
		cc = entry.changeCounter
	}
	entry.mu.Unlock()

	if shouldPublish {
		entry.mu.RLock()
		s.publish(key, entry)
		entry.mu.RUnlock()
		_ = cc
	}
	return nil
}

// Deregister removes an instance by its derived id. The ServiceEntry is
// kept (with an empty instance set) so subscriber sets survive; Sweep
// prunes idle entries when called, and cmd/server does not call it.
func (s *Store) Deregister(key ServiceKey, ip string, port int, cluster string) error {
	v, ok := s.services.Load(key)
	if !ok {
		return nil
	}
	entry := v.(*serviceEntry)
	id := (&Instance{IP: ip, Port: port, ClusterName: NormalizeCluster(cluster), Service: key.Service}).InstanceID()

	entry.mu.Lock()
	_, existed := entry.instances[id]
	if existed {
		delete(entry.instances, id)
		entry.changeCounter++
	}
	entry.lastActivity = time.Now()
	entry.mu.Unlock()

	if existed {
		entry.mu.RLock()
		s.publish(key, entry)
		entry.mu.RUnlock()
	}
	return nil
}

// UpdateInstanceHealth flips the healthy bit, emitting a change event iff
// the value actually changed.
func (s *Store) UpdateInstanceHealth(key ServiceKey, ip string, port int, cluster string, healthy bool) error {
	v, ok := s.services.Load(key)
	if !ok {
		return berrors.NotFound("service", key.String())
	}
	entry := v.(*serviceEntry)
	id := (&Instance{IP: ip, Port: port, ClusterName: NormalizeCluster(cluster), Service: key.Service}).InstanceID()

	entry.mu.Lock()
	inst, existed := entry.instances[id]
	changed := false
	if existed && inst.Healthy != healthy {
		inst.Healthy = healthy
		entry.changeCounter++
		changed = true
	}
	entry.mu.Unlock()

	if !existed {
		return berrors.NotFound("instance", id)
	}
	if changed {
		entry.mu.RLock()
		s.publish(key, entry)
		entry.mu.RUnlock()
	}
	return nil
}

// GetInstances returns a stable-ordered snapshot, filtered by cluster
// (empty = all clusters) and, if healthyOnly, by healthy&&enabled.
func (s *Store) GetInstances(key ServiceKey, clusters []string, healthyOnly bool) []*Instance {
	v, ok := s.services.Load(key)
	if !ok {
		return nil
	}
	entry := v.(*serviceEntry)

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	clusterSet := map[string]bool(nil)
	if len(clusters) > 0 {
		clusterSet = make(map[string]bool, len(clusters))
		for _, c := range clusters {
			clusterSet[NormalizeCluster(c)] = true
		}
	}

	out := make([]*Instance, 0, len(entry.instances))
	for _, inst := range entry.instances {
		if clusterSet != nil && !clusterSet[inst.ClusterName] {
			continue
		}
		if healthyOnly && !(inst.Healthy && inst.Enabled) {
			continue
		}
		out = append(out, inst.clone())
	}
	sortInstances(out)
	return out
}

// ListServices paginates over the sorted service names within (ns, grp).
func (s *Store) ListServices(namespace, group string, pageNo, pageSize int) (total int, names []string) {
	namespace, group = NormalizeNamespace(namespace), NormalizeGroup(group)
	var all []string
	s.services.Range(func(k, _ interface{}) bool {
		key := k.(ServiceKey)
		if key.Namespace == namespace && key.Group == group {
			all = append(all, key.Service)
		}
		return true
	})
	sort.Strings(all)
	total = len(all)
	if pageNo < 1 {
		pageNo = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (pageNo - 1) * pageSize
	if start >= total {
		return total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return total, all[start:end]
}

// Subscribe records a (connID, service) subscription in both the forward
// (service -> conns) and reverse (conn -> services) indices, at most once
// per pair.
func (s *Store) Subscribe(connID string, key ServiceKey) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscribers[key] == nil {
		s.subscribers[key] = make(map[string]struct{})
	}
	s.subscribers[key][connID] = struct{}{}
	if s.published[connID] == nil {
		s.published[connID] = make(map[ServiceKey]struct{})
	}
	s.published[connID][key] = struct{}{}
}

func (s *Store) Unsubscribe(connID string, key ServiceKey) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subscribers[key], connID)
	delete(s.published[connID], key)
}

// Subscribers returns the set of connection ids currently subscribed to
// key.
func (s *Store) Subscribers(key ServiceKey) []string {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	set := s.subscribers[key]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// DropConnection cascades removal of every subscription owned by connID:
// after it returns, no subscription referencing that connection remains.
func (s *Store) DropConnection(connID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for key := range s.published[connID] {
		delete(s.subscribers[key], connID)
	}
	delete(s.published, connID)
}

// Sweep prunes ServiceEntry records that have had no instances and no
// activity for longer than idle, so long-dead services don't accumulate
// forever. Subscriber sets for a pruned service are left untouched; a new
// registration simply creates a fresh entry.
func (s *Store) Sweep(idle time.Duration) int {
	pruned := 0
	now := time.Now()
	s.services.Range(func(k, v interface{}) bool {
		entry := v.(*serviceEntry)
		entry.mu.RLock()
		empty := len(entry.instances) == 0 && now.Sub(entry.lastActivity) > idle
		entry.mu.RUnlock()
		if empty {
			s.services.Delete(k)
			pruned++
		}
		return true
	})
	return pruned
}
