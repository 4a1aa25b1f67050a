package k8sseed

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"go.uber.org/zap"
)

// TLSMaterial is one Secret's cert/key pair.
type TLSMaterial struct {
	Cert []byte
	Key  []byte
}

// SecretController watches TLS-typed Secrets in a namespace and keeps
// the current cluster mTLS material available for the gRPC transport and
// Raft's TCP transport to pick up on reload.
type SecretController struct {
	log       *zap.SugaredLogger
	client    *kubernetes.Clientset
	namespace string
	name      string

	factory  informers.SharedInformerFactory
	informer cache.SharedIndexInformer

	mu   sync.RWMutex
	cert TLSMaterial
}

func NewSecretController(log *zap.SugaredLogger, client *kubernetes.Clientset, namespace, name string) *SecretController {
	factory := informers.NewSharedInformerFactory(client, 30*time.Second)
	informer := factory.Core().V1().Secrets().Informer()

	c := &SecretController{log: log, client: client, namespace: namespace, name: name, factory: factory, informer: informer}
	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    c.process,
		UpdateFunc: func(_, new interface{}) { c.process(new) },
		DeleteFunc: func(interface{}) { c.clear() },
	})
	return c
}

func (c *SecretController) Run(ctx context.Context) error {
	c.factory.Start(ctx.Done())
	cache.WaitForCacheSync(ctx.Done(), c.informer.HasSynced)
	c.log.Infow("k8s secret controller synced", "namespace", c.namespace, "secret", c.name)
	<-ctx.Done()
	return nil
}

func (c *SecretController) process(obj interface{}) {
	s, ok := obj.(*corev1.Secret)
	if !ok || s.Namespace != c.namespace || s.Name != c.name || s.Type != corev1.SecretTypeTLS {
		return
	}
	cert, key := s.Data["tls.crt"], s.Data["tls.key"]
	if len(cert) == 0 || len(key) == 0 {
		return
	}
	c.mu.Lock()
	c.cert = TLSMaterial{Cert: cert, Key: key}
	c.mu.Unlock()
}

func (c *SecretController) clear() {
	c.mu.Lock()
	c.cert = TLSMaterial{}
	c.mu.Unlock()
}

// Current returns the most recently observed cert/key pair, or a zero
// value if no TLS Secret has synced yet.
func (c *SecretController) Current() TLSMaterial {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cert
}
