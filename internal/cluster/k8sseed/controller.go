package k8sseed

import (
	"context"
	"fmt"
	"time"

	discoveryv1 "k8s.io/api/discovery/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"go.uber.org/zap"
)

// PeerController watches one headless Service's EndpointSlice and
// reports the current peer set (pod name -> "ip:raftPort") to onPeers on
// every add/update/delete/resync.
type PeerController struct {
	log       *zap.SugaredLogger
	client    *kubernetes.Clientset
	namespace string
	service   string
	raftPort  int

	factory  informers.SharedInformerFactory
	informer cache.SharedIndexInformer

	onPeers func(map[string]string)
}

func NewPeerController(log *zap.SugaredLogger, client *kubernetes.Clientset, namespace, service string, raftPort int, onPeers func(map[string]string)) *PeerController {
	factory := informers.NewSharedInformerFactory(client, 30*time.Second)
	informer := factory.Discovery().V1().EndpointSlices().Informer()

	c := &PeerController{
		log: log, client: client, namespace: namespace, service: service, raftPort: raftPort,
		factory: factory, informer: informer, onPeers: onPeers,
	}
	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { c.rebuild() },
		UpdateFunc: func(_, _ interface{}) { c.rebuild() },
		DeleteFunc: func(obj interface{}) { c.rebuild() },
	})
	return c
}

func (c *PeerController) Run(ctx context.Context) error {
	c.factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), c.informer.HasSynced) {
		return fmt.Errorf("timed out waiting for endpointslice cache sync")
	}
	c.log.Infow("k8s peer controller synced", "namespace", c.namespace, "service", c.service)
	<-ctx.Done()
	return nil
}

func (c *PeerController) rebuild() {
	peers := make(map[string]string)
	for _, obj := range c.informer.GetStore().List() {
		slice, ok := obj.(*discoveryv1.EndpointSlice)
		if !ok || slice.Namespace != c.namespace {
			continue
		}
		if slice.Labels["kubernetes.io/service-name"] != c.service {
			continue
		}
		for _, ep := range slice.Endpoints {
			if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
				continue
			}
			name := c.service
			if ep.Hostname != nil {
				name = *ep.Hostname
			}
			for _, addr := range ep.Addresses {
				peers[name] = fmt.Sprintf("%s:%d", addr, c.raftPort)
			}
		}
	}
	c.onPeers(peers)
}
