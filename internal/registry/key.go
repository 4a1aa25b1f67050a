package registry

import "fmt"

const (
	DefaultNamespace = "public"
	DefaultGroup     = "DEFAULT_GROUP"
	DefaultCluster   = "DEFAULT"
)

// ServiceKey addresses a service by its three-level (namespace, group,
// name) tuple. Namespace "" and "public" are the same namespace; group ""
// defaults to DEFAULT_GROUP.
type ServiceKey struct {
	Namespace string
	Group     string
	Service   string
}

func NormalizeNamespace(ns string) string {
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}

func NormalizeGroup(grp string) string {
	if grp == "" {
		return DefaultGroup
	}
	return grp
}

func NormalizeCluster(cluster string) string {
	if cluster == "" {
		return DefaultCluster
	}
	return cluster
}

func NewServiceKey(namespace, group, service string) ServiceKey {
	return ServiceKey{
		Namespace: NormalizeNamespace(namespace),
		Group:     NormalizeGroup(group),
		Service:   service,
	}
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Namespace, k.Group, k.Service)
}
