package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistryCollectorsAreUsable(t *testing.T) {
	m := NewRegistry()

	m.InstanceRegistrations.Inc()
	if got := testutil.ToFloat64(m.InstanceRegistrations); got != 1 {
		t.Fatalf("InstanceRegistrations = %v, want 1", got)
	}

	m.HealthCheckProbes.WithLabelValues("tcp", "pass").Inc()
	m.HealthCheckProbes.WithLabelValues("tcp", "fail").Inc()
	m.HealthCheckProbes.WithLabelValues("tcp", "fail").Inc()
	if got := testutil.ToFloat64(m.HealthCheckProbes.WithLabelValues("tcp", "fail")); got != 2 {
		t.Fatalf("HealthCheckProbes{tcp,fail} = %v, want 2", got)
	}

	m.LongPollWaiters.Set(5)
	if got := testutil.ToFloat64(m.LongPollWaiters); got != 5 {
		t.Fatalf("LongPollWaiters = %v, want 5", got)
	}

	m.RaftAppliedIndex.Set(42)
	if got := testutil.ToFloat64(m.RaftAppliedIndex); got != 42 {
		t.Fatalf("RaftAppliedIndex = %v, want 42", got)
	}

	m.CircuitBreakerTrips.WithLabelValues("svc-a", "open").Inc()
	if got := testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("svc-a", "open")); got != 1 {
		t.Fatalf("CircuitBreakerTrips{svc-a,open} = %v, want 1", got)
	}

	// A histogram Observe must not panic and should be visible via Gather.
	m.LongPollWakeLatency.Observe(0.05)

	families, err := m.Reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestNewRegistryDoesNotDoubleRegister(t *testing.T) {
	// Each call builds its own prometheus.Registry, so constructing two
	// registries in the same process must not panic on duplicate
	// registration (they are independent collector sets).
	a := NewRegistry()
	b := NewRegistry()
	a.ConfigPublishes.Inc()
	b.ConfigPublishes.Inc()
	b.ConfigPublishes.Inc()

	if got := testutil.ToFloat64(a.ConfigPublishes); got != 1 {
		t.Fatalf("a.ConfigPublishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.ConfigPublishes); got != 2 {
		t.Fatalf("b.ConfigPublishes = %v, want 2", got)
	}
}
