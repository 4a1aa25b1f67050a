package dispatch

import (
	"encoding/json"

	"github.com/batata-io/batata/internal/auth"
	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/configstore"
	"github.com/batata-io/batata/internal/raft"
	"github.com/batata-io/batata/internal/store"
)

// resourceForAdmin scopes every user/role/namespace mutation under a
// single fixed "console" resource, matching Nacos's own split between
// per-service naming/config permissions and a blanket admin permission
// for account management.
func resourceForAdmin(body []byte) string { return "console/admin" }

func handleUserMgmt(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req UserMgmtRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if req.Username == "" {
		return "", nil, berrors.InvalidParam("username is required")
	}

	payload := raft.UserMutationPayload{Op: raft.OpDelete, UserRecord: store.UserRecord{Username: req.Username}}
	if req.Operation != "delete" {
		if req.Password == "" {
			return "", nil, berrors.InvalidParam("password is required")
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return "", nil, berrors.Internal(err, "hash password")
		}
		payload = raft.UserMutationPayload{
			Op: raft.OpPut,
			UserRecord: store.UserRecord{
				Username: req.Username, PasswordHash: hash, Roles: req.Roles,
			},
		}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", nil, berrors.Internal(err, "marshal user mutation command")
	}
	if _, err := d.applier.Apply(configstore.Command{Type: raft.CmdUserMutation, Payload: buf}); err != nil {
		return "", nil, berrors.Upstream(err, "submit user mutation")
	}
	return TypeUserMgmtResponse, &UserMgmtResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}

func handleRoleMgmt(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req RoleMgmtRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if req.Name == "" {
		return "", nil, berrors.InvalidParam("role name is required")
	}

	payload := raft.RoleMutationPayload{Op: raft.OpDelete, RoleRecord: store.RoleRecord{Name: req.Name}}
	if req.Operation != "delete" {
		perms := make([]store.PermissionRecord, 0, len(req.Permissions))
		for _, p := range req.Permissions {
			perms = append(perms, store.PermissionRecord{Resource: p.Resource, Action: p.Action})
		}
		payload = raft.RoleMutationPayload{Op: raft.OpPut, RoleRecord: store.RoleRecord{Name: req.Name, Permissions: perms}}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", nil, berrors.Internal(err, "marshal role mutation command")
	}
	if _, err := d.applier.Apply(configstore.Command{Type: raft.CmdRoleMutation, Payload: buf}); err != nil {
		return "", nil, berrors.Upstream(err, "submit role mutation")
	}
	return TypeRoleMgmtResponse, &RoleMgmtResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}

func handleNamespaceMgmt(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req NamespaceMgmtRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if req.ID == "" {
		return "", nil, berrors.InvalidParam("namespaceId is required")
	}

	payload := raft.NamespaceMutationPayload{Op: raft.OpDelete, NamespaceRecord: store.NamespaceRecord{ID: req.ID}}
	if req.Operation != "delete" {
		payload = raft.NamespaceMutationPayload{
			Op:              raft.OpPut,
			NamespaceRecord: store.NamespaceRecord{ID: req.ID, Name: req.Name, Desc: req.Desc},
		}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", nil, berrors.Internal(err, "marshal namespace mutation command")
	}
	if _, err := d.applier.Apply(configstore.Command{Type: raft.CmdNamespaceMutation, Payload: buf}); err != nil {
		return "", nil, berrors.Upstream(err, "submit namespace mutation")
	}
	return TypeNamespaceMgmtResponse, &NamespaceMgmtResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}
