package kubernetes

// K8sConfig carries the settings needed for lease-based leader election.
type K8sConfig struct {
	Name         string            `json:"name"` // Name of this coordinator instance
	Tags         map[string]string `json:"tags"`
	Namespace    string            `json:"namespace"`
	LeaderLockID string            `json:"leaderLockId"`
	Identity     string            `json:"identity"`
	KubeConfig   string            `json:"kubeConfig,omitempty"`
	Context      string            `json:"context,omitempty"`
}
