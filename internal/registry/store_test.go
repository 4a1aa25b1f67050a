package registry

import (
	"testing"
	"time"
)

func key() ServiceKey { return NewServiceKey("public", "DEFAULT_GROUP", "svc-a") }

func TestInstanceIDDerivation(t *testing.T) {
	inst := &Instance{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Service: "svc-a"}
	if got, want := inst.InstanceID(), "10.0.0.1#8080#DEFAULT#svc-a"; got != want {
		t.Fatalf("InstanceID() = %q, want %q", got, want)
	}
}

func TestRegisterAndGetInstances(t *testing.T) {
	s := NewStore()
	k := key()
	inst := &Instance{IP: "10.0.0.1", Port: 8080, Healthy: true, Enabled: true}
	if err := s.Register(k, inst); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got := s.GetInstances(k, nil, false)
	if len(got) != 1 {
		t.Fatalf("GetInstances len = %d, want 1", len(got))
	}
	if got[0].InstanceID() != "10.0.0.1#8080#DEFAULT#svc-a" {
		t.Fatalf("unexpected instance: %+v", got[0])
	}
}

func TestDeregisterRemovesInstance(t *testing.T) {
	s := NewStore()
	k := key()
	inst := &Instance{IP: "10.0.0.2", Port: 9000, Healthy: true, Enabled: true}
	if err := s.Register(k, inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Deregister(k, "10.0.0.2", 9000, ""); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	got := s.GetInstances(k, nil, false)
	if len(got) != 0 {
		t.Fatalf("expected empty instance set after deregister, got %d", len(got))
	}
}

func TestWeightClampedOnRegistration(t *testing.T) {
	s := NewStore()
	k := key()
	inst := &Instance{IP: "10.0.0.3", Port: 80, Weight: -5}
	if err := s.Register(k, inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got := s.GetInstances(k, nil, false)
	if got[0].Weight != 1.0 {
		t.Fatalf("Weight = %v, want 1.0", got[0].Weight)
	}
}

func TestClusterDefaultedToDEFAULT(t *testing.T) {
	s := NewStore()
	k := key()
	inst := &Instance{IP: "10.0.0.4", Port: 80}
	if err := s.Register(k, inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got := s.GetInstances(k, nil, false)
	if got[0].ClusterName != "DEFAULT" {
		t.Fatalf("ClusterName = %q, want DEFAULT", got[0].ClusterName)
	}
}

func TestIdempotentReregistrationEmitsNoEvent(t *testing.T) {
	s := NewStore()
	k := key()
	inst := &Instance{IP: "10.0.0.5", Port: 80, Healthy: true, Enabled: true}
	if err := s.Register(k, inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	<-s.Events() // drain the first registration's event

	if err := s.Register(k, &Instance{IP: "10.0.0.5", Port: 80, Healthy: true, Enabled: true}); err != nil {
		t.Fatalf("Register (idempotent): %v", err)
	}

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event on idempotent re-registration: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterInvalidPort(t *testing.T) {
	s := NewStore()
	if err := s.Register(key(), &Instance{IP: "10.0.0.1", Port: 0}); err == nil {
		t.Fatal("expected error for port 0")
	}
	if err := s.Register(key(), &Instance{IP: "10.0.0.1", Port: 70000}); err == nil {
		t.Fatal("expected error for port 70000")
	}
}

func TestHealthyOnlyFilter(t *testing.T) {
	s := NewStore()
	k := key()
	_ = s.Register(k, &Instance{IP: "10.0.0.1", Port: 1, Healthy: true, Enabled: true})
	_ = s.Register(k, &Instance{IP: "10.0.0.2", Port: 2, Healthy: false, Enabled: true})

	all := s.GetInstances(k, nil, false)
	if len(all) != 2 {
		t.Fatalf("all len = %d, want 2", len(all))
	}
	healthy := s.GetInstances(k, nil, true)
	if len(healthy) != 1 || healthy[0].IP != "10.0.0.1" {
		t.Fatalf("healthy filter = %+v", healthy)
	}
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	s := NewStore()
	k := key()
	s.Subscribe("conn-1", k)
	if subs := s.Subscribers(k); len(subs) != 1 || subs[0] != "conn-1" {
		t.Fatalf("Subscribers = %v", subs)
	}
	s.Subscribe("conn-1", k) // duplicate subscribe must not double the set
	if subs := s.Subscribers(k); len(subs) != 1 {
		t.Fatalf("expected subscription uniqueness, got %v", subs)
	}
	s.Unsubscribe("conn-1", k)
	if subs := s.Subscribers(k); len(subs) != 0 {
		t.Fatalf("expected empty subscriber set after unsubscribe, got %v", subs)
	}
}

func TestDropConnectionCascades(t *testing.T) {
	s := NewStore()
	k1 := NewServiceKey("", "", "svc-a")
	k2 := NewServiceKey("", "", "svc-b")
	s.Subscribe("conn-1", k1)
	s.Subscribe("conn-1", k2)
	s.DropConnection("conn-1")

	if subs := s.Subscribers(k1); len(subs) != 0 {
		t.Fatalf("svc-a subscribers after drop = %v", subs)
	}
	if subs := s.Subscribers(k2); len(subs) != 0 {
		t.Fatalf("svc-b subscribers after drop = %v", subs)
	}
}

func TestNamespaceAndGroupDefaults(t *testing.T) {
	if NewServiceKey("", "", "svc") != NewServiceKey("public", "DEFAULT_GROUP", "svc") {
		t.Fatal("empty namespace/group must default to public/DEFAULT_GROUP")
	}
}

func TestListServicesPagination(t *testing.T) {
	s := NewStore()
	for _, name := range []string{"svc-c", "svc-a", "svc-b"} {
		_ = s.Register(NewServiceKey("public", "DEFAULT_GROUP", name), &Instance{IP: "10.0.0.1", Port: 1})
	}
	total, page := s.ListServices("public", "DEFAULT_GROUP", 1, 2)
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(page) != 2 || page[0] != "svc-a" || page[1] != "svc-b" {
		t.Fatalf("page = %v", page)
	}
}

func TestUpdateInstanceHealthFlipsAndNotifies(t *testing.T) {
	s := NewStore()
	k := key()
	_ = s.Register(k, &Instance{IP: "10.0.0.1", Port: 1, Healthy: true, Enabled: true})
	<-s.Events()

	if err := s.UpdateInstanceHealth(k, "10.0.0.1", 1, "", false); err != nil {
		t.Fatalf("UpdateInstanceHealth: %v", err)
	}
	select {
	case ev := <-s.Events():
		if len(ev.Instances) != 1 || ev.Instances[0].Healthy {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected change event on health flip")
	}

	if err := s.UpdateInstanceHealth(k, "10.0.0.1", 1, "", false); err != nil {
		t.Fatalf("UpdateInstanceHealth (no-op): %v", err)
	}
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event when health unchanged: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepPrunesIdleEmptyServices(t *testing.T) {
	s := NewStore()
	k := key()
	_ = s.Register(k, &Instance{IP: "10.0.0.1", Port: 1})
	_ = s.Deregister(k, "10.0.0.1", 1, "")

	if n := s.Sweep(time.Hour); n != 0 {
		t.Fatalf("Sweep with long idle window pruned %d, want 0", n)
	}
	if n := s.Sweep(0); n != 1 {
		t.Fatalf("Sweep with zero idle window pruned %d, want 1", n)
	}
}
