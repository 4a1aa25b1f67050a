// Package longpoll implements the long-poll coordinator: it parks client
// watch requests that see no immediate change and wakes them on matching
// ConfigChanged events from the config store, within the client's
// deadline. A subscriber-list watcher generalized from "notify on any
// change" to "notify only the waiters whose watched keys actually
// changed, re-evaluating the whole list on wake since other keys may
// have changed during the parking window."
package longpoll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/configstore"
	"github.com/batata-io/batata/internal/metrics"
	"github.com/batata-io/batata/internal/store"
)

// ListenEntry is one watched key in a batch-listen request.
type ListenEntry struct {
	Key       store.ConfigKey
	ClientMD5 string
}

type waiter struct {
	id      string
	entries []ListenEntry
	matches func(rule string) bool
	wake    chan struct{}
}

// Coordinator parks and wakes long-poll waiters. A single instance is
// shared process-wide; Run must be started once to drain change events.
type Coordinator struct {
	log     *zap.SugaredLogger
	cs      *configstore.Store
	metrics *metrics.Registry

	mu      sync.Mutex
	byKey   map[store.ConfigKey]map[string]*waiter
	waiters map[string]*waiter
}

func NewCoordinator(log *zap.SugaredLogger, cs *configstore.Store, m *metrics.Registry) *Coordinator {
	return &Coordinator{
		log: log, cs: cs, metrics: m,
		byKey:   make(map[store.ConfigKey]map[string]*waiter),
		waiters: make(map[string]*waiter),
	}
}

// Run drains the config store's change-event stream and wakes any parked
// waiter watching a changed key. Blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.cs.Events():
			if !ok {
				return
			}
			c.wake(ev.Key)
		}
	}
}

func (c *Coordinator) wake(key store.ConfigKey) {
	c.mu.Lock()
	ws := c.byKey[key]
	targets := make([]*waiter, 0, len(ws))
	for _, w := range ws {
		targets = append(targets, w)
	}
	c.mu.Unlock()

	for _, w := range targets {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) register(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[w.id] = w
	for _, e := range w.entries {
		if c.byKey[e.Key] == nil {
			c.byKey[e.Key] = make(map[string]*waiter)
		}
		c.byKey[e.Key][w.id] = w
	}
}

func (c *Coordinator) unregister(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, w.id)
	for _, e := range w.entries {
		delete(c.byKey[e.Key], w.id)
		if len(c.byKey[e.Key]) == 0 {
			delete(c.byKey, e.Key)
		}
	}
}

func (c *Coordinator) diff(entries []ListenEntry, matches func(rule string) bool) map[store.ConfigKey]string {
	delta := make(map[store.ConfigKey]string)
	for _, e := range entries {
		cur := c.cs.EffectiveMD5(e.Key, matches)
		if cur != e.ClientMD5 {
			delta[e.Key] = cur
		}
	}
	return delta
}

// Wait returns an empty delta at once for an empty entries list. Otherwise
// it registers the waiter first and then evaluates entries; if any differ
// from the client's md5 it returns the delta right away. Because
// registration precedes that check, a change landing after the check
// still wakes the waiter. With no difference it parks until wake,
// timeout, or ctx cancellation. On wake it re-evaluates the entire list,
// not just the key that changed, and any key whose md5 has already
// reverted to the client's value by then is omitted from the delta.
func (c *Coordinator) Wait(ctx context.Context, id string, entries []ListenEntry, matches func(rule string) bool, timeout time.Duration) map[store.ConfigKey]string {
	if len(entries) == 0 {
		return map[store.ConfigKey]string{}
	}
	w := &waiter{id: id, entries: entries, matches: matches, wake: make(chan struct{}, 1)}
	c.register(w)
	defer c.unregister(w)

	if delta := c.diff(entries, matches); len(delta) > 0 {
		return delta
	}

	if c.metrics != nil {
		c.metrics.LongPollWaiters.Inc()
		defer c.metrics.LongPollWaiters.Dec()
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return map[store.ConfigKey]string{}
	case <-w.wake:
		if c.metrics != nil {
			c.metrics.LongPollWakeLatency.Observe(time.Since(start).Seconds())
		}
		return c.diff(entries, matches)
	}
}

// CancelConnection wakes every waiter registered under ids that belong
// to a now-closed connection. The dispatcher tracks each connection's
// waiter ids (connection_id + ":" + the first watched data id) and passes
// that exact set; no prefix scan is done.
func (c *Coordinator) CancelConnection(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		w, ok := c.waiters[id]
		if !ok {
			continue
		}
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}
