package dispatch

import (
	"time"

	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/health"
	"github.com/batata-io/batata/internal/registry"
)

// ephemeralTTL is the client-heartbeat interval ephemeral instances are
// held to: a gRPC client keeps an instance Passing by re-sending the
// same InstanceRequest before this TTL elapses, matching Nacos v2's
// stream-heartbeat replacement for the old HTTP agent's pull-based TTL.
const ephemeralTTL = 15 * time.Second

// trackEphemeralHealth starts TTL-based adaptive health checking for a
// newly-registered ephemeral instance, or treats the call as the
// client's heartbeat if the instance is already tracked (clients keep an
// ephemeral instance alive by re-sending the same InstanceRequest).
func (d *Dispatcher) trackEphemeralHealth(key registry.ServiceKey, inst *registry.Instance) {
	if d.health == nil {
		return
	}
	id := inst.InstanceID()
	if d.health.Tracked(id) {
		d.health.Heartbeat(id)
		return
	}
	d.health.Track(key, inst.IP, inst.Port, inst.ClusterName, true, health.Config{
		Type: health.CheckTTL,
		TTL:  ephemeralTTL,
	})
	d.health.Heartbeat(id)
}

func toInstance(v InstanceView, serviceName string) *registry.Instance {
	return &registry.Instance{
		IP: v.IP, Port: v.Port, Weight: v.Weight, ClusterName: v.ClusterName,
		Healthy: true, Enabled: true, Ephemeral: v.Ephemeral, Metadata: v.Metadata,
		Service: serviceName,
	}
}

func fromInstance(i *registry.Instance) InstanceView {
	return InstanceView{
		InstanceID: i.InstanceID(), IP: i.IP, Port: i.Port, Weight: i.Weight,
		ClusterName: i.ClusterName, Healthy: i.Healthy, Enabled: i.Enabled,
		Ephemeral: i.Ephemeral, Metadata: i.Metadata,
	}
}

func handleInstanceRequest(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req InstanceRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if req.ServiceName == "" {
		return "", nil, berrors.InvalidParam("serviceName is required")
	}
	key := registry.NewServiceKey(req.Namespace, req.Group, req.ServiceName)
	inst := toInstance(req.Instance, req.ServiceName)

	var err error
	switch req.Type {
	case "registerInstance", "":
		if inst.Ephemeral {
			err = d.registry.Register(key, inst)
			if err == nil {
				d.onEphemeralChange(key, inst, false)
				d.trackEphemeralHealth(key, inst)
			}
		} else {
			err = d.applyPersistentInstance(key, inst, false)
		}
	case "deRegisterInstance":
		if inst.Ephemeral {
			err = d.registry.Deregister(key, inst.IP, inst.Port, inst.ClusterName)
			if err == nil {
				d.onEphemeralChange(key, inst, true)
				if d.health != nil {
					d.health.Untrack(inst.InstanceID())
				}
			}
		} else {
			err = d.applyPersistentInstance(key, inst, true)
		}
	default:
		return "", nil, berrors.InvalidParam("unknown instance request type %q", req.Type)
	}
	if err != nil {
		return "", nil, err
	}
	if d.metrics != nil && req.Type != "deRegisterInstance" {
		d.metrics.InstanceRegistrations.Inc()
	}
	return TypeInstanceResponse, &InstanceResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}

func handleBatchInstanceRequest(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req BatchInstanceRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	if req.ServiceName == "" {
		return "", nil, berrors.InvalidParam("serviceName is required")
	}
	key := registry.NewServiceKey(req.Namespace, req.Group, req.ServiceName)
	for _, v := range req.Instances {
		inst := toInstance(v, req.ServiceName)
		if inst.Ephemeral {
			if err := d.registry.Register(key, inst); err != nil {
				return "", nil, err
			}
			d.onEphemeralChange(key, inst, false)
			d.trackEphemeralHealth(key, inst)
		} else if err := d.applyPersistentInstance(key, inst, false); err != nil {
			return "", nil, err
		}
	}
	return TypeBatchInstanceResponse, &BatchInstanceResponse{ResultCode: ResultCode{ResultCode: 200}}, nil
}

func handleServiceQuery(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req ServiceQueryRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	key := registry.NewServiceKey(req.Namespace, req.Group, req.ServiceName)
	var clusters []string
	if req.Cluster != "" {
		clusters = []string{req.Cluster}
	}
	instances := d.registry.GetInstances(key, clusters, req.HealthyOnly)
	return TypeServiceQueryResponse, &ServiceQueryResponse{
		ResultCode:  ResultCode{ResultCode: 200},
		ServiceName: req.ServiceName,
		GroupName:   req.Group,
		Hosts:       toInstanceViews(instances),
	}, nil
}

func handleSubscribeService(d *Dispatcher, conn *Connection, body []byte) (string, interface{}, error) {
	var req SubscribeServiceRequest
	if err := decode(body, &req); err != nil {
		return "", nil, err
	}
	key := registry.NewServiceKey(req.Namespace, req.Group, req.ServiceName)
	if req.Subscribe {
		d.registry.Subscribe(conn.ID, key)
	} else {
		d.registry.Unsubscribe(conn.ID, key)
	}
	instances := d.registry.GetInstances(key, nil, false)
	return TypeSubscribeServiceResponse, &SubscribeServiceResponse{
		ResultCode: ResultCode{ResultCode: 200},
		ServiceInfo: ServiceQueryResponse{
			ResultCode:  ResultCode{ResultCode: 200},
			ServiceName: req.ServiceName,
			GroupName:   req.Group,
			Hosts:       toInstanceViews(instances),
		},
	}, nil
}

func toInstanceViews(instances []*registry.Instance) []InstanceView {
	out := make([]InstanceView, 0, len(instances))
	for _, i := range instances {
		out = append(out, fromInstance(i))
	}
	return out
}
