package registry

import "fmt"

// Instance is a registered service endpoint.
type Instance struct {
	IP          string
	Port        int
	Weight      float64
	ClusterName string
	Healthy     bool
	Enabled     bool
	Ephemeral   bool
	Metadata    map[string]string
	Service     string
}

// InstanceID derives the canonical "{ip}#{port}#{cluster}#{service}" id
// every registered instance must carry.
func (i *Instance) InstanceID() string {
	return fmt.Sprintf("%s#%d#%s#%s", i.IP, i.Port, i.ClusterName, i.Service)
}

// Normalize applies the boundary defaults: cluster "" -> DEFAULT, weight
// <= 0 clamped to 1.0.
func (i *Instance) Normalize() {
	i.ClusterName = NormalizeCluster(i.ClusterName)
	if i.Weight <= 0 {
		i.Weight = 1.0
	}
}

// sameVisibleState reports whether two instances are indistinguishable
// for change-detection purposes, so re-registration stays idempotent.
func (i *Instance) sameVisibleState(o *Instance) bool {
	if i.Healthy != o.Healthy || i.Enabled != o.Enabled || i.Weight != o.Weight ||
		i.Ephemeral != o.Ephemeral {
		return false
	}
	if len(i.Metadata) != len(o.Metadata) {
		return false
	}
	for k, v := range i.Metadata {
		if o.Metadata[k] != v {
			return false
		}
	}
	return true
}

func (i *Instance) clone() *Instance {
	cp := *i
	if i.Metadata != nil {
		cp.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
