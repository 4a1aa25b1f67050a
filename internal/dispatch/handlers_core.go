package dispatch

import (
	"github.com/batata-io/batata/internal/auth"
	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/cluster/distro"
)

func handleConnectionSetup(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req ConnectionSetupRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	conn.AppName = req.AppName
	conn.Version = req.ClientVersion
	conn.ClientIP = req.ClientIP

	if req.Token != "" {
		ctx, err := d.authMgr.Authenticate(req.Token)
		if err != nil {
			return "", nil, err
		}
		conn.Auth = ctx
	}

	if d.metrics != nil {
		d.metrics.GRPCConnections.Set(float64(d.conns.count()))
	}
	return TypeServerCheckResponse, &ServerCheckResponse{
		ResultCode:     ResultCode{ResultCode: 200},
		ConnectionID:   conn.ID,
		SupportAbility: true,
	}, nil
}

func handleServerCheck(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	return TypeServerCheckResponse, &ServerCheckResponse{
		ResultCode:   ResultCode{ResultCode: 200},
		ConnectionID: conn.ID,
	}, nil
}

func handleHealthCheck(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	return TypeHealthCheckResponse, &HealthCheckResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}

func handleConnectReset(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	d.closeConnection(conn.ID)
	return "", nil, nil
}

func handleLockOperation(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req LockOperationRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if req.Key == "" || req.Owner == "" {
		return "", nil, berrors.InvalidParam("lock key and owner are required")
	}

	switch req.Operation {
	case "acquire":
		ttl := req.TTLMillis
		if ttl <= 0 {
			ttl = 30000
		}
		ok := d.locks.Acquire(req.Key, req.Owner, msDuration(ttl))
		return TypeLockOperationResponse, &LockOperationResponse{ResultCode: ResultCode{ResultCode: 200}, Acquired: ok}, nil
	case "release":
		ok := d.locks.Release(req.Key, req.Owner)
		return TypeLockOperationResponse, &LockOperationResponse{ResultCode: ResultCode{ResultCode: 200}, Acquired: ok}, nil
	default:
		return "", nil, berrors.InvalidParam("unknown lock operation %q", req.Operation)
	}
}

func handleDistroDataSync(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req DistroDataSyncRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if d.distroSink != nil {
		d.distroSink(req)
	}
	return TypeDistroDataSyncResponse, &DistroDataSyncResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}

// handleDistroVerify answers a peer's anti-entropy round: given its local
// version vector, return the keys where our copy is newer (or it has
// none at all), i.e. what it should Fetch from us next.
func handleDistroVerify(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req DistroVerifyRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if d.distro == nil {
		return TypeDistroVerifyResponse, &DistroVerifyResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
	}
	local := d.distro.Versions(distro.DataType(req.DataType))
	var stale []string
	for k, lv := range local {
		if cv, ok := req.Versions[k]; !ok || cv < lv {
			stale = append(stale, k)
		}
	}
	return TypeDistroVerifyResponse, &DistroVerifyResponse{ResultCode: ResultCode{ResultCode: 200}, StaleKeys: stale}, nil
}

func handleDistroFetch(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req DistroFetchRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if d.distro == nil {
		return TypeDistroFetchResponse, &DistroFetchResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
	}
	data := d.distro.Snapshot(distro.DataType(req.DataType), req.Keys)
	items := make([]DistroDataItem, 0, len(data))
	for _, it := range data {
		items = append(items, DistroDataItem{Key: it.Key, Content: it.Content, Version: it.Version, Source: it.Source})
	}
	return TypeDistroFetchResponse, &DistroFetchResponse{ResultCode: ResultCode{ResultCode: 200}, Items: items}, nil
}

// requireAuthContext resolves the effective auth context for a handler
// that demands at least Authenticated: a connection that never sent a
// token on setup is rejected here rather than at setup time, matching
// Nacos's lenient-handshake/strict-dispatch split.
func requireAuthContext(conn *Connection) (*auth.Context, error) {
	if conn.Auth == nil {
		return nil, berrors.Unauthorized("connection is not authenticated")
	}
	return conn.Auth, nil
}
