package distrosink

import (
	"testing"

	"github.com/batata-io/batata/internal/cluster/distro"
	"github.com/batata-io/batata/internal/registry"
)

func TestApplyDistroDataRegistersUpsert(t *testing.T) {
	reg := registry.NewStore()
	sink := &Sink{Store: reg}
	key := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-a")
	inst := &registry.Instance{IP: "10.0.0.1", Port: 8080, Weight: 1, ClusterName: "DEFAULT", Enabled: true}

	content := Encode(key, inst, false)
	if err := sink.ApplyDistroData(distro.Data{Content: content}); err != nil {
		t.Fatalf("ApplyDistroData: %v", err)
	}

	instances := reg.GetInstances(key, nil, false)
	if len(instances) != 1 || instances[0].IP != "10.0.0.1" {
		t.Fatalf("instances = %+v, want one at 10.0.0.1", instances)
	}
	if !instances[0].Ephemeral {
		t.Fatal("gossiped instances must be marked ephemeral")
	}
}

func TestApplyDistroDataDeletedDeregisters(t *testing.T) {
	reg := registry.NewStore()
	sink := &Sink{Store: reg}
	key := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-a")
	inst := &registry.Instance{IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Enabled: true}

	_ = sink.ApplyDistroData(distro.Data{Content: Encode(key, inst, false)})
	if err := sink.ApplyDistroData(distro.Data{Content: Encode(key, inst, true)}); err != nil {
		t.Fatalf("ApplyDistroData(delete): %v", err)
	}

	if instances := reg.GetInstances(key, nil, false); len(instances) != 0 {
		t.Fatalf("instances = %+v, want none after gossiped delete", instances)
	}
}

func TestDataKeyMatchesInstanceID(t *testing.T) {
	key := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-a")
	got := DataKey(key, "10.0.0.1", 8080, "")

	inst := &registry.Instance{IP: "10.0.0.1", Port: 8080, ClusterName: registry.NormalizeCluster(""), Service: "svc-a"}
	want := "public/DEFAULT_GROUP/" + inst.InstanceID()
	if got != want {
		t.Fatalf("DataKey = %q, want %q", got, want)
	}
}

func TestEncodeRoundTripsThroughApply(t *testing.T) {
	reg := registry.NewStore()
	sink := &Sink{Store: reg}
	key := registry.NewServiceKey("ns1", "g1", "svc-b")
	inst := &registry.Instance{
		IP: "10.0.0.2", Port: 9000, Weight: 2.5, ClusterName: "C1", Enabled: true,
		Metadata: map[string]string{"zone": "us-east"},
	}

	if err := sink.ApplyDistroData(distro.Data{Content: Encode(key, inst, false)}); err != nil {
		t.Fatalf("ApplyDistroData: %v", err)
	}

	got := reg.GetInstances(key, nil, false)[0]
	if got.Weight != 2.5 || got.Metadata["zone"] != "us-east" || got.ClusterName != "C1" {
		t.Fatalf("instance = %+v, want weight 2.5 metadata zone=us-east cluster C1", got)
	}
}
