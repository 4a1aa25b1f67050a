// Package k8sseed is the optional Kubernetes-backed peer/seed provider
// for the cluster membership manager: when batata runs on k8s, peers are
// discovered from a headless Service's EndpointSlice rather than a flat
// seed file, and cluster mTLS material is sourced from a Secret.
package k8sseed

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// NewClient returns a Kubernetes clientset, preferring KUBECONFIG, then
// ~/.kube/config, then in-cluster config.
func NewClient() (*kubernetes.Clientset, *rest.Config, error) {
	config, err := restConfig()
	if err != nil {
		return nil, nil, err
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, fmt.Errorf("create k8s client: %w", err)
	}
	return clientset, config, nil
}

func restConfig() (*rest.Config, error) {
	if kubeConfigPath := os.Getenv("KUBECONFIG"); kubeConfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	}
	if home := homedir.HomeDir(); home != "" {
		configPath := filepath.Join(home, ".kube", "config")
		if _, err := os.Stat(configPath); err == nil {
			return clientcmd.BuildConfigFromFlags("", configPath)
		}
	}
	return rest.InClusterConfig()
}
