package raft

import "github.com/batata-io/batata/internal/store"

// Command types the FSM recognizes beyond configstore's own
// CONFIG_PUT/CONFIG_DEL.
const (
	CmdInstancePut      = "PERSISTENT_INSTANCE_PUT"
	CmdInstanceDel      = "PERSISTENT_INSTANCE_DEL"
	CmdUserMutation     = "USER_MUTATION"
	CmdRoleMutation     = "ROLE_MUTATION"
	CmdNamespaceMutation = "NAMESPACE_MUTATION"
)

type MutationOp string

const (
	OpPut    MutationOp = "put"
	OpDelete MutationOp = "delete"
)

// InstancePutPayload replicates a persistent instance's registration.
// Ephemeral instances never go through Raft; they are per-node state
// synced via internal/cluster/distro instead.
type InstancePutPayload struct {
	Namespace   string
	Group       string
	Service     string
	IP          string
	Port        int
	Weight      float64
	ClusterName string
	Enabled     bool
	Metadata    map[string]string
}

type InstanceDelPayload struct {
	Namespace   string
	Group       string
	Service     string
	IP          string
	Port        int
	ClusterName string
}

type UserMutationPayload struct {
	Op MutationOp
	store.UserRecord
}

type RoleMutationPayload struct {
	Op MutationOp
	store.RoleRecord
}

type NamespaceMutationPayload struct {
	Op MutationOp
	store.NamespaceRecord
}
