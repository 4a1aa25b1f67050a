// Package distrosink adapts the registry store to distro.Sink and back,
// so ephemeral instance changes gossiped through the Distro anti-entropy
// protocol land on the same *registry.Store local register/deregister
// calls mutate.
package distrosink

import (
	"encoding/json"

	"github.com/batata-io/batata/internal/cluster/distro"
	"github.com/batata-io/batata/internal/registry"
)

// record is the wire shape distro gossips for one ephemeral instance.
// Deleted marks a deregistration so Fetch/ReceiveSync propagates removals,
// not just upserts.
type record struct {
	Namespace   string            `json:"namespace"`
	Group       string            `json:"group"`
	Service     string            `json:"service"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Weight      float64           `json:"weight"`
	ClusterName string            `json:"clusterName"`
	Enabled     bool              `json:"enabled"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Deleted     bool              `json:"deleted,omitempty"`
}

// Sink implements distro.Sink against a registry.Store.
type Sink struct {
	Store *registry.Store
}

func (s *Sink) ApplyDistroData(d distro.Data) error {
	var rec record
	if err := json.Unmarshal(d.Content, &rec); err != nil {
		return err
	}
	key := registry.NewServiceKey(rec.Namespace, rec.Group, rec.Service)
	if rec.Deleted {
		return s.Store.Deregister(key, rec.IP, rec.Port, rec.ClusterName)
	}
	return s.Store.Register(key, &registry.Instance{
		IP: rec.IP, Port: rec.Port, Weight: rec.Weight, ClusterName: rec.ClusterName,
		Enabled: rec.Enabled, Metadata: rec.Metadata, Ephemeral: true,
	})
}

// Encode builds the gossip blob for a local ephemeral change, the value
// Protocol.Put/Delete store locally so peers can Fetch it.
func Encode(key registry.ServiceKey, inst *registry.Instance, deleted bool) []byte {
	rec := record{Namespace: key.Namespace, Group: key.Group, Service: key.Service, Deleted: deleted}
	if inst != nil {
		rec.IP, rec.Port, rec.Weight = inst.IP, inst.Port, inst.Weight
		rec.ClusterName, rec.Enabled, rec.Metadata = inst.ClusterName, inst.Enabled, inst.Metadata
	}
	buf, _ := json.Marshal(rec)
	return buf
}

// DataKey derives the distro.Data key for an instance, matching
// registry.Instance.InstanceID so Put/Delete/Versions stay consistent
// with the registry's own identity scheme.
func DataKey(key registry.ServiceKey, ip string, port int, cluster string) string {
	inst := &registry.Instance{IP: ip, Port: port, ClusterName: registry.NormalizeCluster(cluster), Service: key.Service}
	return key.Namespace + "/" + key.Group + "/" + inst.InstanceID()
}
