package dispatch

import (
	"time"

	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/longpoll"
	"github.com/batata-io/batata/internal/store"
)

// defaultListenTimeout is used when a batch-listen request carries no
// explicit per-entry timeout (the bi-stream protocol, unlike the REST
// long-poll endpoint, has no timeout header); §5 caps the long-poll
// deadline at 30s, so that is the ceiling applied here too.
const defaultListenTimeout = 30 * time.Second

func configKeyOf(namespace, group, dataID string) store.ConfigKey {
	return store.ConfigKey{
		Namespace: registryNamespace(namespace),
		Group:     registryGroup(group),
		DataID:    dataID,
	}
}

// registryNamespace/Group mirror registry.NormalizeNamespace/Group
// without importing the registry package into the config handlers,
// keeping the two domains (naming vs config) independently importable.
func registryNamespace(ns string) string {
	if ns == "" {
		return "public"
	}
	return ns
}

func registryGroup(g string) string {
	if g == "" {
		return "DEFAULT_GROUP"
	}
	return g
}

func handleConfigPublish(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req ConfigPublishRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if req.DataID == "" {
		return "", nil, berrors.InvalidParam("dataId is required")
	}
	srcUser := ""
	if conn.Auth != nil {
		srcUser = conn.Auth.Username
	}
	key := configKeyOf(req.Namespace, req.Group, req.DataID)
	if err := d.configs.Publish(key, "", "", req.Content, req.Type, req.AppName, "", req.Tags, srcUser, conn.ClientIP); err != nil {
		return "", nil, err
	}
	if d.metrics != nil {
		d.metrics.ConfigPublishes.Inc()
	}
	return TypeConfigPublishResponse, &ConfigPublishResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}

func handleConfigQuery(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req ConfigQueryRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	key := configKeyOf(req.Namespace, req.Group, req.DataID)

	matches := func(rule string) bool { return req.Tag != "" && rule == req.Tag }
	view, ok := d.configs.Resolve(key, matches)
	if !ok {
		return TypeConfigQueryResponse, &ConfigQueryResponse{ResultCode: ResultCode{ResultCode: 404}, NotFound: true}, nil
	}
	if d.metrics != nil {
		d.metrics.ConfigReads.Inc()
	}
	return TypeConfigQueryResponse, &ConfigQueryResponse{
		ResultCode:  ResultCode{ResultCode: 200},
		Content:     view.Content,
		Md5:         view.MD5,
		ContentType: view.Type,
	}, nil
}

func handleConfigRemove(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req ConfigRemoveRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	srcUser := ""
	if conn.Auth != nil {
		srcUser = conn.Auth.Username
	}
	key := configKeyOf(req.Namespace, req.Group, req.DataID)
	if err := d.configs.Delete(key, "", srcUser, conn.ClientIP); err != nil {
		return "", nil, err
	}
	return TypeConfigRemoveResponse, &ConfigRemoveResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}

// handleConfigChangeBatchListen implements the long-poll/stream-watch
// contract of §4.4: entries whose md5 already differs are returned
// immediately; otherwise the connection's goroutine parks in
// longpoll.Coordinator.Wait until a matching change, a 30s deadline, or
// the stream closing (ctx cancellation propagates connection-close
// cancellation into the park, per §5).
func handleConfigChangeBatchListen(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req ConfigChangeBatchListenRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}

	if !req.Listen || len(req.ListenContext) == 0 {
		return TypeConfigChangeBatchListenResponse, &ConfigChangeBatchListenResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
	}

	entries := make([]longpoll.ListenEntry, 0, len(req.ListenContext))
	for _, lc := range req.ListenContext {
		entries = append(entries, longpoll.ListenEntry{
			Key:       configKeyOf(lc.Namespace, lc.Group, lc.DataID),
			ClientMD5: lc.Md5,
		})
	}

	waiterID := conn.ID + ":" + req.ListenContext[0].DataID
	d.trackWaiter(conn.ID, waiterID)
	defer d.untrackWaiter(conn.ID, waiterID)

	delta := d.longpoll.Wait(conn.waitCtx(), waiterID, entries, func(string) bool { return false }, defaultListenTimeout)

	changed := make([]ConfigContext, 0, len(delta))
	for k := range delta {
		changed = append(changed, ConfigContext{DataID: k.DataID, Group: k.Group, Namespace: k.Namespace})
	}
	return TypeConfigChangeBatchListenResponse, &ConfigChangeBatchListenResponse{
		ResultCode:     ResultCode{ResultCode: 200},
		ChangedConfigs: changed,
	}, nil
}
