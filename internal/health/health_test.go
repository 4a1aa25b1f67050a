package health

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/registry"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Store, registry.ServiceKey) {
	t.Helper()
	reg := registry.NewStore()
	key := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-a")
	if err := reg.Register(key, &registry.Instance{IP: "10.0.0.1", Port: 8080, Healthy: true, Enabled: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	<-reg.Events() // drain registration event
	return NewEngine(zap.NewNop().Sugar(), reg, nil), reg, key
}

func TestSinglePassTransitionsToPassing(t *testing.T) {
	e, reg, key := newTestEngine(t)
	tgt := target{key: key, ip: "10.0.0.1", port: 8080, cluster: "DEFAULT"}
	cfg := Config{CheckTimes: 3}
	cfg.defaults()
	ps := &probeState{cfg: cfg, state: Critical}

	e.transition(tgt, "id", ps, true)
	if ps.state != Passing {
		t.Fatalf("state = %v, want Passing after one pass", ps.state)
	}

	instances := reg.GetInstances(key, nil, false)
	if !instances[0].Healthy {
		t.Fatal("expected registry healthy bit set true after Passing transition")
	}
}

func TestConsecutiveFailuresReachCritical(t *testing.T) {
	_, _, key := newTestEngine(t)
	reg := registry.NewStore()
	_ = reg.Register(key, &registry.Instance{IP: "10.0.0.1", Port: 8080, Healthy: true, Enabled: true})
	<-reg.Events()
	e := NewEngine(zap.NewNop().Sugar(), reg, nil)

	tgt := target{key: key, ip: "10.0.0.1", port: 8080, cluster: "DEFAULT"}
	cfg := Config{CheckTimes: 3}
	cfg.defaults()
	ps := &probeState{cfg: cfg, state: Passing}

	e.transition(tgt, "id", ps, false)
	if ps.state == Critical {
		t.Fatal("should not be Critical after 1 failure (check_times=3)")
	}
	e.transition(tgt, "id", ps, false)
	if ps.state == Critical {
		t.Fatal("should not be Critical after 2 failures (check_times=3)")
	}
	e.transition(tgt, "id", ps, false)
	if ps.state != Critical {
		t.Fatalf("state = %v, want Critical after 3 consecutive failures", ps.state)
	}

	instances := reg.GetInstances(key, nil, false)
	if instances[0].Healthy {
		t.Fatal("expected registry healthy bit false after Critical transition")
	}
}

func TestCriticalToPassingRequiresOnePass(t *testing.T) {
	e, _, key := newTestEngine(t)
	tgt := target{key: key, ip: "10.0.0.1", port: 8080, cluster: "DEFAULT"}
	cfg := Config{CheckTimes: 1}
	cfg.defaults()
	ps := &probeState{cfg: cfg, state: Passing}

	e.transition(tgt, "id", ps, false) // -> Critical (check_times=1)
	if ps.state != Critical {
		t.Fatalf("state = %v, want Critical", ps.state)
	}
	e.transition(tgt, "id", ps, true) // -> Passing
	if ps.state != Passing {
		t.Fatalf("state = %v, want Passing after single pass", ps.state)
	}
}

func TestIntervalResetsToMidpointOnStateChange(t *testing.T) {
	e, _, key := newTestEngine(t)
	tgt := target{key: key, ip: "10.0.0.1", port: 8080, cluster: "DEFAULT"}
	cfg := Config{MinInterval: 2 * time.Second, MaxInterval: 30 * time.Second, Factor: 0.8, CheckTimes: 5}
	cfg.defaults()
	ps := &probeState{cfg: cfg, state: Passing, interval: cfg.MaxInterval}

	e.transition(tgt, "id", ps, false) // fail: Passing -> Warning, state change
	midpoint := (cfg.MinInterval + cfg.MaxInterval) / 2
	if ps.interval != midpoint {
		t.Fatalf("interval = %v, want midpoint %v on state change", ps.interval, midpoint)
	}
}

func TestIntervalGrowsTowardMaxOnRepeatedSameState(t *testing.T) {
	e, _, key := newTestEngine(t)
	tgt := target{key: key, ip: "10.0.0.1", port: 8080, cluster: "DEFAULT"}
	cfg := Config{MinInterval: 1 * time.Second, MaxInterval: 10 * time.Second, Factor: 0.5, CheckTimes: 10}
	cfg.defaults()
	ps := &probeState{cfg: cfg, state: Passing, interval: 2 * time.Second}

	e.transition(tgt, "id", ps, true) // still Passing: interval should grow toward max
	if ps.interval <= 2*time.Second {
		t.Fatalf("interval = %v, want growth above 2s on repeated pass", ps.interval)
	}
}

func TestClampDuration(t *testing.T) {
	if got := clampDuration(time.Second, 2*time.Second, 10*time.Second); got != 2*time.Second {
		t.Fatalf("clampDuration below min = %v, want 2s", got)
	}
	if got := clampDuration(20*time.Second, 2*time.Second, 10*time.Second); got != 10*time.Second {
		t.Fatalf("clampDuration above max = %v, want 10s", got)
	}
	if got := clampDuration(5*time.Second, 2*time.Second, 10*time.Second); got != 5*time.Second {
		t.Fatalf("clampDuration within range = %v, want unchanged 5s", got)
	}
}

func TestEphemeralDeregisteredAfterCriticalPersists(t *testing.T) {
	reg := registry.NewStore()
	key := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-eph")
	_ = reg.Register(key, &registry.Instance{IP: "10.0.0.9", Port: 80, Healthy: true, Enabled: true, Ephemeral: true})
	<-reg.Events()
	e := NewEngine(zap.NewNop().Sugar(), reg, nil)

	tgt := target{key: key, ip: "10.0.0.9", port: 80, cluster: "DEFAULT", ephemeral: true}
	cfg := Config{CheckTimes: 1, IPDeleteTimeout: 0}
	cfg.defaults()
	cfg.IPDeleteTimeout = 0
	ps := &probeState{cfg: cfg, state: Passing, criticalSince: time.Now().Add(-time.Minute)}

	e.transition(tgt, "id", ps, false)

	instances := reg.GetInstances(key, nil, false)
	if len(instances) != 0 {
		t.Fatalf("expected ephemeral instance deregistered after Critical persists beyond ip_delete_timeout, got %+v", instances)
	}
}

// TestEphemeralDeregisteredOnLaterTickWhileAlreadyCritical exercises the
// transition where criticalSince was set on an earlier tick (not the one
// doing the deregistering): the instance enters Critical with plenty of
// ip_delete_timeout left, stays Critical on a later tick once the timeout
// has since elapsed, and only that later tick must deregister it.
func TestEphemeralDeregisteredOnLaterTickWhileAlreadyCritical(t *testing.T) {
	reg := registry.NewStore()
	key := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-eph2")
	_ = reg.Register(key, &registry.Instance{IP: "10.0.0.10", Port: 80, Healthy: true, Enabled: true, Ephemeral: true})
	<-reg.Events()
	e := NewEngine(zap.NewNop().Sugar(), reg, nil)

	tgt := target{key: key, ip: "10.0.0.10", port: 80, cluster: "DEFAULT", ephemeral: true}
	cfg := Config{CheckTimes: 1, IPDeleteTimeout: 50 * time.Millisecond}
	cfg.defaults()
	cfg.IPDeleteTimeout = 50 * time.Millisecond
	ps := &probeState{cfg: cfg, state: Passing}

	e.transition(tgt, "id", ps, false) // Passing -> Critical, criticalSince just set
	if ps.state != Critical {
		t.Fatalf("state = %v, want Critical", ps.state)
	}
	instances := reg.GetInstances(key, nil, false)
	if len(instances) != 1 {
		t.Fatalf("instance deregistered too early, before ip_delete_timeout elapsed: %+v", instances)
	}

	time.Sleep(60 * time.Millisecond)
	e.transition(tgt, "id", ps, false) // still Critical, no state change, but timeout now elapsed

	instances = reg.GetInstances(key, nil, false)
	if len(instances) != 0 {
		t.Fatalf("expected deregistration on a later tick once ip_delete_timeout elapsed while already Critical, got %+v", instances)
	}
}
