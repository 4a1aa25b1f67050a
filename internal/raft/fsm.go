package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	hraft "github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/auth"
	"github.com/batata-io/batata/internal/configstore"
	"github.com/batata-io/batata/internal/metrics"
	"github.com/batata-io/batata/internal/registry"
	"github.com/batata-io/batata/internal/store"
)

// FSM applies committed commands to the components that own replicated
// state: the config store and the registry's persistent-instance set,
// plus user/role/namespace records in the backend. Apply is idempotent
// by commit index — the caller (hashicorp/raft) never replays an index
// below the snapshot watermark, and re-deriving each component's new
// state from the payload is itself idempotent regardless.
type FSM struct {
	log     *zap.SugaredLogger
	cs      *configstore.Store
	reg     *registry.Store
	backend store.Adapter
	authMgr *auth.Manager
	metrics *metrics.Registry

	appliedIndex uint64
}

func NewFSM(log *zap.SugaredLogger, cs *configstore.Store, reg *registry.Store, backend store.Adapter, authMgr *auth.Manager, m *metrics.Registry) *FSM {
	return &FSM{log: log, cs: cs, reg: reg, backend: backend, authMgr: authMgr, metrics: m}
}

// AppliedIndex returns the last log index this FSM applied.
func (f *FSM) AppliedIndex() uint64 { return atomic.LoadUint64(&f.appliedIndex) }

func (f *FSM) Apply(l *hraft.Log) interface{} {
	defer func() {
		atomic.StoreUint64(&f.appliedIndex, l.Index)
		if f.metrics != nil {
			f.metrics.RaftAppliedIndex.Set(float64(l.Index))
		}
	}()

	var cmd configstore.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("decode command at index %d: %w", l.Index, err)
	}

	switch cmd.Type {
	case configstore.CmdConfigPut:
		var p configstore.ConfigPutPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		return f.cs.ApplyConfigPut(l.Index, p)

	case configstore.CmdConfigDel:
		var p configstore.ConfigDelPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		return f.cs.ApplyConfigDel(l.Index, p)

	case CmdInstancePut:
		var p InstancePutPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		if err := f.backend.PutInstance(store.InstanceRecord{
			InstanceKey: store.InstanceKey{
				Namespace: p.Namespace, Group: p.Group, Service: p.Service,
				IP: p.IP, Port: p.Port, ClusterName: p.ClusterName,
			},
			Weight: p.Weight, Enabled: p.Enabled, Metadata: p.Metadata,
		}); err != nil {
			return err
		}
		key := registry.NewServiceKey(p.Namespace, p.Group, p.Service)
		return f.reg.Register(key, &registry.Instance{
			IP: p.IP, Port: p.Port, Weight: p.Weight, ClusterName: p.ClusterName,
			Healthy: true, Enabled: p.Enabled, Ephemeral: false, Metadata: p.Metadata,
		})

	case CmdInstanceDel:
		var p InstanceDelPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		if err := f.backend.DeleteInstance(store.InstanceKey{
			Namespace: p.Namespace, Group: p.Group, Service: p.Service,
			IP: p.IP, Port: p.Port, ClusterName: p.ClusterName,
		}); err != nil {
			return err
		}
		key := registry.NewServiceKey(p.Namespace, p.Group, p.Service)
		return f.reg.Deregister(key, p.IP, p.Port, p.ClusterName)

	case CmdUserMutation:
		var p UserMutationPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		if p.Op == OpDelete {
			if err := f.backend.DeleteUser(p.Username); err != nil {
				return err
			}
			f.authMgr.RemoveUser(p.Username)
			return nil
		}
		if err := f.backend.PutUser(p.UserRecord); err != nil {
			return err
		}
		f.authMgr.SetUserRoles(p.Username, p.Roles)
		return nil

	case CmdRoleMutation:
		var p RoleMutationPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		if p.Op == OpDelete {
			if err := f.backend.DeleteRole(p.Name); err != nil {
				return err
			}
			f.authMgr.RemoveRole(p.Name)
			return nil
		}
		if err := f.backend.PutRole(p.RoleRecord); err != nil {
			return err
		}
		perms := make([]auth.Permission, 0, len(p.Permissions))
		for _, pr := range p.Permissions {
			perms = append(perms, auth.Permission{Resource: pr.Resource, Action: pr.Action})
		}
		f.authMgr.PutRole(&auth.Role{Name: p.Name, Permissions: perms})
		return nil

	case CmdNamespaceMutation:
		var p NamespaceMutationPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		if p.Op == OpDelete {
			return f.backend.DeleteNamespace(p.ID)
		}
		return f.backend.PutNamespace(p.NamespaceRecord)

	default:
		return fmt.Errorf("unrecognized command type %q at index %d", cmd.Type, l.Index)
	}
}

// Snapshot captures every replicated component's current state. Restore
// installs it atomically, replacing in-memory and backend state.
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	configs, err := f.backend.ListConfigs("", "")
	if err != nil {
		return nil, err
	}
	// ListConfigs is scoped by (namespace, group); a full snapshot needs
	// every namespace/group, so the backend additionally exposes a
	// wildcard scan via empty strings (Store.Warm("", "") uses it too).
	roles, err := f.backend.ListRoles()
	if err != nil {
		return nil, err
	}
	namespaces, err := f.backend.ListNamespaces()
	if err != nil {
		return nil, err
	}
	instances, err := f.backend.ListInstances("", "")
	if err != nil {
		return nil, err
	}
	users, err := f.backend.ListUsers()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{
		Configs:    configs,
		Roles:      roles,
		Namespaces: namespaces,
		Instances:  instances,
		Users:      users,
	}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}
	for _, c := range snap.Configs {
		if err := f.backend.PutConfig(c); err != nil {
			return err
		}
	}
	for _, r := range snap.Roles {
		if err := f.backend.PutRole(r); err != nil {
			return err
		}
		perms := make([]auth.Permission, 0, len(r.Permissions))
		for _, pr := range r.Permissions {
			perms = append(perms, auth.Permission{Resource: pr.Resource, Action: pr.Action})
		}
		f.authMgr.PutRole(&auth.Role{Name: r.Name, Permissions: perms})
	}
	for _, n := range snap.Namespaces {
		if err := f.backend.PutNamespace(n); err != nil {
			return err
		}
	}
	for _, inst := range snap.Instances {
		if err := f.backend.PutInstance(inst); err != nil {
			return err
		}
		key := registry.NewServiceKey(inst.Namespace, inst.Group, inst.Service)
		if err := f.reg.Register(key, &registry.Instance{
			IP: inst.IP, Port: inst.Port, Weight: inst.Weight, ClusterName: inst.ClusterName,
			Healthy: true, Enabled: inst.Enabled, Ephemeral: false, Metadata: inst.Metadata,
		}); err != nil {
			return err
		}
	}
	for _, u := range snap.Users {
		if err := f.backend.PutUser(u); err != nil {
			return err
		}
		f.authMgr.SetUserRoles(u.Username, u.Roles)
	}
	if err := f.cs.Warm("", ""); err != nil {
		return err
	}
	return nil
}

type fsmSnapshot struct {
	Configs    []store.ConfigRecord
	Roles      []store.RoleRecord
	Namespaces []store.NamespaceRecord
	Instances  []store.InstanceRecord
	Users      []store.UserRecord
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	if err := enc.Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
