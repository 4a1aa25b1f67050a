package raft

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	hraft "github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/auth"
	"github.com/batata-io/batata/internal/configstore"
	"github.com/batata-io/batata/internal/registry"
	"github.com/batata-io/batata/internal/store"
	"github.com/batata-io/batata/internal/store/kvstore"
)

func newTestFSM(t *testing.T) (*FSM, *configstore.Store, *registry.Store, store.Adapter, *auth.Manager) {
	t.Helper()
	log := zap.NewNop().Sugar()
	backend, err := kvstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	cs := configstore.NewStore(log, backend, configstore.NewLocalApplier())
	reg := registry.NewStore()
	authMgr := auth.NewManager("test-secret", 0)

	return NewFSM(log, cs, reg, backend, authMgr, nil), cs, reg, backend, authMgr
}

func applyCommand(t *testing.T, f *FSM, index uint64, cmdType string, payload interface{}) interface{} {
	t.Helper()
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	cmd := configstore.Command{Type: cmdType, Payload: buf}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return f.Apply(&hraft.Log{Index: index, Data: data})
}

func TestApplyConfigPutVisibleThroughStore(t *testing.T) {
	f, cs, _, _, _ := newTestFSM(t)
	key := store.ConfigKey{DataID: "app.yaml", Group: "DEFAULT_GROUP", Namespace: "public"}

	if res := applyCommand(t, f, 1, configstore.CmdConfigPut, configstore.ConfigPutPayload{
		ConfigKey: key, Content: "k=v",
	}); res != nil {
		t.Fatalf("Apply returned error: %v", res)
	}

	view, ok := cs.Get(key)
	if !ok || view.Content != "k=v" {
		t.Fatalf("Get = %+v ok=%v, want content k=v", view, ok)
	}
	if f.AppliedIndex() != 1 {
		t.Fatalf("AppliedIndex = %d, want 1", f.AppliedIndex())
	}
}

func TestApplyConfigDelRemovesEntry(t *testing.T) {
	f, cs, _, _, _ := newTestFSM(t)
	key := store.ConfigKey{DataID: "app.yaml", Group: "DEFAULT_GROUP", Namespace: "public"}

	applyCommand(t, f, 1, configstore.CmdConfigPut, configstore.ConfigPutPayload{ConfigKey: key, Content: "k=v"})
	if res := applyCommand(t, f, 2, configstore.CmdConfigDel, configstore.ConfigDelPayload{ConfigKey: key}); res != nil {
		t.Fatalf("Apply(del) returned error: %v", res)
	}

	if _, ok := cs.Get(key); ok {
		t.Fatal("expected config gone after CONFIG_DEL")
	}
	if f.AppliedIndex() != 2 {
		t.Fatalf("AppliedIndex = %d, want 2", f.AppliedIndex())
	}
}

func TestAppliedIndexMonotonic(t *testing.T) {
	f, _, _, _, _ := newTestFSM(t)
	key := store.ConfigKey{DataID: "a", Group: "g", Namespace: "ns"}

	for i := uint64(1); i <= 5; i++ {
		applyCommand(t, f, i, configstore.CmdConfigPut, configstore.ConfigPutPayload{ConfigKey: key, Content: "v"})
		if f.AppliedIndex() != i {
			t.Fatalf("AppliedIndex = %d, want %d", f.AppliedIndex(), i)
		}
	}
}

func TestApplyInstancePutRegistersPersistentInstance(t *testing.T) {
	f, _, reg, _, _ := newTestFSM(t)

	res := applyCommand(t, f, 1, CmdInstancePut, InstancePutPayload{
		Namespace: "public", Group: "DEFAULT_GROUP", Service: "svc-a",
		IP: "10.0.0.1", Port: 8080, Weight: 1.0, ClusterName: "DEFAULT", Enabled: true,
	})
	if res != nil {
		t.Fatalf("Apply(instance put) returned error: %v", res)
	}

	key := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-a")
	instances := reg.GetInstances(key, nil, false)
	if len(instances) != 1 || instances[0].IP != "10.0.0.1" {
		t.Fatalf("instances = %+v, want one instance at 10.0.0.1", instances)
	}
	if instances[0].Ephemeral {
		t.Fatal("Raft-replicated instances must be persistent, not ephemeral")
	}
}

func TestApplyInstanceDelDeregisters(t *testing.T) {
	f, _, reg, _, _ := newTestFSM(t)

	applyCommand(t, f, 1, CmdInstancePut, InstancePutPayload{
		Namespace: "public", Group: "DEFAULT_GROUP", Service: "svc-a",
		IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT", Enabled: true,
	})
	res := applyCommand(t, f, 2, CmdInstanceDel, InstanceDelPayload{
		Namespace: "public", Group: "DEFAULT_GROUP", Service: "svc-a",
		IP: "10.0.0.1", Port: 8080, ClusterName: "DEFAULT",
	})
	if res != nil {
		t.Fatalf("Apply(instance del) returned error: %v", res)
	}

	key := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-a")
	if instances := reg.GetInstances(key, nil, false); len(instances) != 0 {
		t.Fatalf("instances = %+v, want none after delete", instances)
	}
}

func TestApplyUserMutationPutAndDelete(t *testing.T) {
	f, _, _, backend, authMgr := newTestFSM(t)

	res := applyCommand(t, f, 1, CmdUserMutation, UserMutationPayload{
		Op: OpPut,
		UserRecord: store.UserRecord{
			Username: "alice", PasswordHash: "h", Roles: []string{"reader"},
		},
	})
	if res != nil {
		t.Fatalf("Apply(user put) returned error: %v", res)
	}
	if _, ok, _ := backend.GetUser("alice"); !ok {
		t.Fatal("expected user persisted to backend")
	}

	res = applyCommand(t, f, 2, CmdUserMutation, UserMutationPayload{
		Op: OpDelete, UserRecord: store.UserRecord{Username: "alice"},
	})
	if res != nil {
		t.Fatalf("Apply(user delete) returned error: %v", res)
	}
	if _, ok, _ := backend.GetUser("alice"); ok {
		t.Fatal("expected user gone from backend after delete")
	}
	_ = authMgr
}

func TestApplyRoleMutationWiresAuthManager(t *testing.T) {
	f, _, _, backend, authMgr := newTestFSM(t)

	res := applyCommand(t, f, 1, CmdRoleMutation, RoleMutationPayload{
		Op: OpPut,
		RoleRecord: store.RoleRecord{
			Name:        "reader",
			Permissions: []store.PermissionRecord{{Resource: "naming/*", Action: "r"}},
		},
	})
	if res != nil {
		t.Fatalf("Apply(role put) returned error: %v", res)
	}
	if roles, _ := backend.ListRoles(); len(roles) != 1 {
		t.Fatalf("backend roles = %v, want 1", roles)
	}
	authMgr.SetUserRoles("alice", []string{"reader"})
	if !authMgr.Authorize(&auth.Context{Username: "alice", Roles: []string{"reader"}}, "naming/svc-a", "r") {
		t.Fatal("expected replicated role to authorize matching resource")
	}

	res = applyCommand(t, f, 2, CmdRoleMutation, RoleMutationPayload{
		Op: OpDelete, RoleRecord: store.RoleRecord{Name: "reader"},
	})
	if res != nil {
		t.Fatalf("Apply(role delete) returned error: %v", res)
	}
	if roles, _ := backend.ListRoles(); len(roles) != 0 {
		t.Fatalf("backend roles after delete = %v, want 0", roles)
	}
}

func TestApplyNamespaceMutationPutAndDelete(t *testing.T) {
	f, _, _, backend, _ := newTestFSM(t)

	res := applyCommand(t, f, 1, CmdNamespaceMutation, NamespaceMutationPayload{
		Op: OpPut, NamespaceRecord: store.NamespaceRecord{ID: "ns1", Name: "Team A"},
	})
	if res != nil {
		t.Fatalf("Apply(namespace put) returned error: %v", res)
	}
	nss, _ := backend.ListNamespaces()
	if len(nss) != 1 || nss[0].ID != "ns1" {
		t.Fatalf("namespaces = %+v, want one ns1", nss)
	}

	res = applyCommand(t, f, 2, CmdNamespaceMutation, NamespaceMutationPayload{
		Op: OpDelete, NamespaceRecord: store.NamespaceRecord{ID: "ns1"},
	})
	if res != nil {
		t.Fatalf("Apply(namespace delete) returned error: %v", res)
	}
	if nss, _ := backend.ListNamespaces(); len(nss) != 0 {
		t.Fatalf("namespaces after delete = %v, want 0", nss)
	}
}

func TestApplyUnrecognizedCommandReturnsError(t *testing.T) {
	f, _, _, _, _ := newTestFSM(t)
	res := applyCommand(t, f, 1, "BOGUS_COMMAND", map[string]string{})
	if res == nil {
		t.Fatal("expected error for unrecognized command type")
	}
	if _, ok := res.(error); !ok {
		t.Fatalf("Apply result = %#v, want an error", res)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f, cs, _, backend, authMgr := newTestFSM(t)

	key := store.ConfigKey{DataID: "app.yaml", Group: "DEFAULT_GROUP", Namespace: "public"}
	applyCommand(t, f, 1, configstore.CmdConfigPut, configstore.ConfigPutPayload{ConfigKey: key, Content: "k=v"})
	applyCommand(t, f, 2, CmdRoleMutation, RoleMutationPayload{
		Op: OpPut, RoleRecord: store.RoleRecord{Name: "reader", Permissions: []store.PermissionRecord{{Resource: "*", Action: "r"}}},
	})
	applyCommand(t, f, 3, CmdNamespaceMutation, NamespaceMutationPayload{
		Op: OpPut, NamespaceRecord: store.NamespaceRecord{ID: "ns1", Name: "Team A"},
	})
	applyCommand(t, f, 4, CmdInstancePut, InstancePutPayload{
		Namespace: "public", Group: "DEFAULT_GROUP", Service: "svc-a",
		IP: "10.0.0.1", Port: 8080, Weight: 1.0, ClusterName: "DEFAULT", Enabled: true,
	})
	applyCommand(t, f, 5, CmdUserMutation, UserMutationPayload{
		Op: OpPut,
		UserRecord: store.UserRecord{Username: "alice", PasswordHash: "h", Roles: []string{"reader"}},
	})

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	fsmSnap, ok := snap.(*fsmSnapshot)
	if !ok {
		t.Fatalf("Snapshot() returned %T, want *fsmSnapshot", snap)
	}
	if len(fsmSnap.Configs) != 1 || len(fsmSnap.Roles) != 1 || len(fsmSnap.Namespaces) != 1 {
		t.Fatalf("snapshot = %+v, want one of each", fsmSnap)
	}
	if len(fsmSnap.Instances) != 1 || len(fsmSnap.Users) != 1 {
		t.Fatalf("snapshot = %+v, want one instance and one user", fsmSnap)
	}

	// Restore into a fresh FSM sharing a clean backend and verify state lands.
	log := zap.NewNop().Sugar()
	freshBackend, err := kvstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open fresh kvstore: %v", err)
	}
	t.Cleanup(func() { _ = freshBackend.Close() })
	freshCS := configstore.NewStore(log, freshBackend, configstore.NewLocalApplier())
	freshAuth := auth.NewManager("test-secret", 0)
	fresh := NewFSM(log, freshCS, registry.NewStore(), freshBackend, freshAuth, nil)

	buf, err := json.Marshal(fsmSnap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := fresh.Restore(io.NopCloser(bytes.NewReader(buf))); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if _, ok, _ := freshBackend.GetConfig(key); !ok {
		t.Fatal("expected config restored into backend")
	}
	if view, ok := freshCS.Get(key); !ok || view.Content != "k=v" {
		t.Fatalf("Get after restore = %+v ok=%v, want k=v", view, ok)
	}
	if nss, _ := freshBackend.ListNamespaces(); len(nss) != 1 {
		t.Fatalf("namespaces after restore = %v, want 1", nss)
	}
	if insts, _ := freshBackend.ListInstances("", ""); len(insts) != 1 || insts[0].IP != "10.0.0.1" {
		t.Fatalf("instances after restore = %+v, want one at 10.0.0.1", insts)
	}
	instKey := registry.NewServiceKey("public", "DEFAULT_GROUP", "svc-a")
	if instances := fresh.reg.GetInstances(instKey, nil, false); len(instances) != 1 {
		t.Fatalf("registry instances after restore = %+v, want one", instances)
	}
	if users, _ := freshBackend.ListUsers(); len(users) != 1 || users[0].Username != "alice" {
		t.Fatalf("users after restore = %+v, want one alice", users)
	}
	if !freshAuth.Authorize(&auth.Context{Username: "alice", Roles: []string{"reader"}}, "anything", "r") {
		t.Fatal("expected restored user's role to authorize via the replicated reader role")
	}
	_ = authMgr
	_ = cs
}
