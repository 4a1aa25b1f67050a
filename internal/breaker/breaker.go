// Package breaker implements the circuit breaker wrapping outbound peer
// calls (Closed/Open/HalfOpen) and the token-bucket rate limiter guarding
// inbound request classes.
package breaker

import (
	"sync"
	"time"

	"github.com/batata-io/batata/internal/metrics"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Params configures one breaker instance.
type Params struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
	FailureWindow    time.Duration
}

func (p *Params) defaults() {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 5
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = 10 * time.Second
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = 2
	}
	if p.FailureWindow <= 0 {
		p.FailureWindow = 30 * time.Second
	}
}

type Breaker struct {
	endpoint string
	params   Params
	metrics  *metrics.Registry

	mu            sync.Mutex
	state         State
	failTimes     []time.Time
	successCount  int
	openedAt      time.Time
}

// Registry holds one Breaker per endpoint, created on first use.
type Registry struct {
	params  Params
	metrics *metrics.Registry

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(params Params, m *metrics.Registry) *Registry {
	params.defaults()
	return &Registry{params: params, metrics: m, breakers: make(map[string]*Breaker)}
}

func (r *Registry) For(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpoint]
	if !ok {
		b = &Breaker{endpoint: endpoint, params: r.params, metrics: r.metrics, state: Closed}
		r.breakers[endpoint] = b
	}
	return b
}

// Allow reports whether a call may proceed, transitioning Open -> HalfOpen
// once reset_timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) >= b.params.ResetTimeout {
			b.transition(HalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call. In HalfOpen, success_threshold
// consecutive successes close the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.params.SuccessThreshold {
			b.transition(Closed)
		}
	case Closed:
		b.failTimes = nil
	}
}

// RecordFailure reports a failed call. In Closed, failure_threshold
// failures within failure_window opens the breaker; in HalfOpen any
// failure reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		cutoff := now.Add(-b.params.FailureWindow)
		kept := b.failTimes[:0]
		for _, t := range b.failTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.failTimes = append(kept, now)
		if len(b.failTimes) >= b.params.FailureThreshold {
			b.transition(Open)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if to == Open {
		b.openedAt = time.Now()
	}
	if to == HalfOpen {
		b.successCount = 0
	}
	if to == Closed {
		b.failTimes = nil
	}
	if b.metrics != nil && from != to {
		b.metrics.CircuitBreakerTrips.WithLabelValues(b.endpoint, string(to)).Inc()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TokenBucket is a per-key token bucket rate limiter.
type TokenBucket struct {
	capacity   float64
	refillRate float64 // tokens/sec

	mu       sync.Mutex
	buckets  map[string]*bucket
	metrics  *metrics.Registry
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

func NewTokenBucket(capacity, refillRate float64, m *metrics.Registry) *TokenBucket {
	return &TokenBucket{capacity: capacity, refillRate: refillRate, buckets: make(map[string]*bucket), metrics: m}
}

// Allow reports whether key may proceed, consuming one token if so. On
// rejection, retryAfter indicates how long until a token becomes
// available.
func (t *TokenBucket) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	b, exists := t.buckets[key]
	if !exists {
		b = &bucket{tokens: t.capacity, lastFill: now}
		t.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastFill).Seconds()
		b.tokens = min(t.capacity, b.tokens+elapsed*t.refillRate)
		b.lastFill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if t.metrics != nil {
		t.metrics.RateLimitRejections.Inc()
	}
	deficit := 1 - b.tokens
	return false, time.Duration(deficit/t.refillRate*float64(time.Second))
}
