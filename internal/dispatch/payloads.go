package dispatch

// Payload type names, matching the Nacos-compatible wire protocol. The
// payload-handler registry (handlers.go) keys off these strings; they are
// also used as Metadata.Type on the wire envelope (api/batatapb.Payload).
const (
	TypeConnectionSetupRequest  = "ConnectionSetupRequest"
	TypeServerCheckRequest      = "ServerCheckRequest"
	TypeServerCheckResponse     = "ServerCheckResponse"
	TypeHealthCheckRequest      = "HealthCheckRequest"
	TypeHealthCheckResponse     = "HealthCheckResponse"
	TypeInstanceRequest         = "InstanceRequest"
	TypeInstanceResponse        = "InstanceResponse"
	TypeBatchInstanceRequest    = "BatchInstanceRequest"
	TypeBatchInstanceResponse   = "BatchInstanceResponse"
	TypeServiceQueryRequest     = "ServiceQueryRequest"
	TypeServiceQueryResponse    = "ServiceQueryResponse"
	TypeSubscribeServiceRequest  = "SubscribeServiceRequest"
	TypeSubscribeServiceResponse = "SubscribeServiceResponse"
	TypeNotifySubscriberRequest  = "NotifySubscriberRequest"
	TypeConfigPublishRequest    = "ConfigPublishRequest"
	TypeConfigPublishResponse   = "ConfigPublishResponse"
	TypeConfigQueryRequest      = "ConfigQueryRequest"
	TypeConfigQueryResponse     = "ConfigQueryResponse"
	TypeConfigRemoveRequest     = "ConfigRemoveRequest"
	TypeConfigRemoveResponse    = "ConfigRemoveResponse"
	TypeConfigChangeBatchListenRequest  = "ConfigChangeBatchListenRequest"
	TypeConfigChangeBatchListenResponse = "ConfigChangeBatchListenResponse"
	TypeConfigChangeNotifyRequest = "ConfigChangeNotifyRequest"
	TypeLockOperationRequest    = "LockOperationRequest"
	TypeLockOperationResponse   = "LockOperationResponse"
	TypeConnectResetRequest    = "ConnectResetRequest"
	TypeDistroDataSyncRequest  = "DistroDataSyncRequest"
	TypeDistroDataSyncResponse = "DistroDataSyncResponse"
	TypeDistroVerifyRequest    = "DistroVerifyRequest"
	TypeDistroVerifyResponse   = "DistroVerifyResponse"
	TypeDistroFetchRequest     = "DistroFetchRequest"
	TypeDistroFetchResponse    = "DistroFetchResponse"
	TypeUserMgmtRequest        = "UserMgmtRequest"
	TypeUserMgmtResponse       = "UserMgmtResponse"
	TypeRoleMgmtRequest        = "RoleMgmtRequest"
	TypeRoleMgmtResponse       = "RoleMgmtResponse"
	TypeNamespaceMgmtRequest   = "NamespaceMgmtRequest"
	TypeNamespaceMgmtResponse  = "NamespaceMgmtResponse"
	TypeErrorResponse          = "ErrorResponse"
)

// ResultCode mirrors the {code, message} response envelope used across v2/v3.
type ResultCode struct {
	ResultCode int    `json:"resultCode"`
	ErrorCode  int    `json:"errorCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

type ConnectionSetupRequest struct {
	ClientVersion string            `json:"clientVersion"`
	AppName       string            `json:"appName"`
	ClientIP      string            `json:"clientIp"`
	Token         string            `json:"token,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

type ServerCheckResponse struct {
	ResultCode
	ConnectionID  string `json:"connectionId"`
	SupportAbility bool  `json:"supportAbility"`
}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	ResultCode
}

// InstanceRequest covers register/deregister; Type distinguishes them.
type InstanceRequest struct {
	Namespace   string            `json:"namespace"`
	Group       string            `json:"groupName"`
	ServiceName string            `json:"serviceName"`
	Type        string            `json:"type"` // "registerInstance" | "deRegisterInstance"
	Instance    InstanceView      `json:"instance"`
}

type InstanceResponse struct {
	ResultCode
}

type BatchInstanceRequest struct {
	Namespace   string         `json:"namespace"`
	Group       string         `json:"groupName"`
	ServiceName string         `json:"serviceName"`
	Instances   []InstanceView `json:"instances"`
}

type BatchInstanceResponse struct {
	ResultCode
}

type InstanceView struct {
	InstanceID  string            `json:"instanceId"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Weight      float64           `json:"weight"`
	ClusterName string            `json:"clusterName"`
	Healthy     bool              `json:"healthy"`
	Enabled     bool              `json:"enabled"`
	Ephemeral   bool              `json:"ephemeral"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ServiceQueryRequest struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"groupName"`
	ServiceName string `json:"serviceName"`
	Cluster     string `json:"cluster"`
	HealthyOnly bool   `json:"healthyOnly"`
}

type ServiceQueryResponse struct {
	ResultCode
	ServiceName string         `json:"name"`
	GroupName   string         `json:"groupName"`
	Hosts       []InstanceView `json:"hosts"`
}

type SubscribeServiceRequest struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"groupName"`
	ServiceName string `json:"serviceName"`
	Subscribe   bool   `json:"subscribe"`
}

type SubscribeServiceResponse struct {
	ResultCode
	ServiceInfo ServiceQueryResponse `json:"serviceInfo"`
}

type NotifySubscriberRequest struct {
	Namespace      string         `json:"namespace"`
	Group          string         `json:"groupName"`
	ServiceName    string         `json:"serviceName"`
	Hosts          []InstanceView `json:"hosts"`
	ChangeCounter  uint64         `json:"changeCounter"`
}

type ConfigPublishRequest struct {
	DataID    string            `json:"dataId"`
	Group     string            `json:"group"`
	Namespace string            `json:"namespace"`
	Content   string            `json:"content"`
	Type      string            `json:"type,omitempty"`
	AppName   string            `json:"appName,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Additional map[string]string `json:"additionMap,omitempty"`
}

type ConfigPublishResponse struct {
	ResultCode
}

type ConfigQueryRequest struct {
	DataID    string `json:"dataId"`
	Group     string `json:"group"`
	Namespace string `json:"namespace"`
	Tag       string `json:"tag,omitempty"`
}

type ConfigQueryResponse struct {
	ResultCode
	Content     string `json:"content"`
	Md5         string `json:"md5"`
	ContentType string `json:"contentType,omitempty"`
	NotFound    bool   `json:"notFound,omitempty"`
}

type ConfigRemoveRequest struct {
	DataID    string `json:"dataId"`
	Group     string `json:"group"`
	Namespace string `json:"namespace"`
}

type ConfigRemoveResponse struct {
	ResultCode
}

// ConfigListenContext is one (data_id, group, ns, client_md5) entry in a
// batch-listen request, the unit the long-poll coordinator diffs against
// the cached md5 to decide whether a waiter needs to wake immediately.
type ConfigListenContext struct {
	DataID    string `json:"dataId"`
	Group     string `json:"group"`
	Namespace string `json:"tenant"`
	Md5       string `json:"md5"`
}

type ConfigChangeBatchListenRequest struct {
	Listen        bool                  `json:"listen"`
	ListenContext []ConfigListenContext `json:"configListenContexts"`
}

type ConfigChangeBatchListenResponse struct {
	ResultCode
	ChangedConfigs []ConfigContext `json:"changedConfigs"`
}

type ConfigContext struct {
	DataID    string `json:"dataId"`
	Group     string `json:"group"`
	Namespace string `json:"tenant"`
}

type ConfigChangeNotifyRequest struct {
	DataID    string `json:"dataId"`
	Group     string `json:"group"`
	Namespace string `json:"tenant"`
}

type LockOperationRequest struct {
	Key       string `json:"key"`
	Owner     string `json:"owner"`
	Operation string `json:"operation"` // "acquire" | "release"
	TTLMillis int64  `json:"ttlMillis"`
}

type LockOperationResponse struct {
	ResultCode
	Acquired bool `json:"acquired"`
}

type ConnectResetRequest struct {
	ServerIP   string `json:"serverIp"`
	ServerPort string `json:"serverPort"`
}

type DistroDataSyncRequest struct {
	SourceNodeID string         `json:"sourceNodeId"`
	ServiceKey   string         `json:"serviceKey"`
	Instances    []InstanceView `json:"instances"`
}

type DistroDataSyncResponse struct {
	ResultCode
}

// DistroVerifyRequest carries the sender's local version vector for a
// Distro data type; the callee replies with the subset of keys where its
// own copy is newer (or the sender's copy is missing), i.e. the keys the
// sender should Fetch.
type DistroVerifyRequest struct {
	DataType string            `json:"dataType"`
	Versions map[string]uint64 `json:"versions"`
}

type DistroVerifyResponse struct {
	ResultCode
	StaleKeys []string `json:"staleKeys"`
}

type DistroFetchRequest struct {
	DataType string   `json:"dataType"`
	Keys     []string `json:"keys"`
}

type DistroDataItem struct {
	Key     string `json:"key"`
	Content []byte `json:"content"`
	Version uint64 `json:"version"`
	Source  string `json:"source"`
}

type DistroFetchResponse struct {
	ResultCode
	Items []DistroDataItem `json:"items"`
}

// UserMgmtRequest creates, updates (role list + password), or deletes a
// user account. Password is plaintext on the wire (the gRPC channel is
// the trust boundary, same as the other write payloads) and hashed
// before the Raft command is built.
type UserMgmtRequest struct {
	Operation string   `json:"operation"` // "put" | "delete"
	Username  string   `json:"username"`
	Password  string   `json:"password,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

type UserMgmtResponse struct {
	ResultCode
}

type PermissionView struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type RoleMgmtRequest struct {
	Operation   string           `json:"operation"` // "put" | "delete"
	Name        string           `json:"name"`
	Permissions []PermissionView `json:"permissions,omitempty"`
}

type RoleMgmtResponse struct {
	ResultCode
}

type NamespaceMgmtRequest struct {
	Operation string `json:"operation"` // "put" | "delete"
	ID        string `json:"namespaceId"`
	Name      string `json:"namespaceName,omitempty"`
	Desc      string `json:"namespaceDesc,omitempty"`
}

type NamespaceMgmtResponse struct {
	ResultCode
}

type ErrorResponse struct {
	ResultCode
}
