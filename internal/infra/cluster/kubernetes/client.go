package kubernetes

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// newClient builds the clientset used for lease-based leader election.
// In-cluster configuration wins when the node runs inside Kubernetes;
// otherwise the kubeconfig and context named in cfg are loaded, falling back
// to the default kubeconfig location.
func newClient(cfg *K8sConfig) (kubernetes.Interface, error) {
	if restCfg, err := rest.InClusterConfig(); err == nil {
		return kubernetes.NewForConfig(restCfg)
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.KubeConfig != "" {
		rules.ExplicitPath = cfg.KubeConfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}
