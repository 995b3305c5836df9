// Package config defines the coordinator daemon's configuration surface and
// its loader. Values come from an optional YAML file overlaid with
// environment variables.
package config

import "time"

// Config is the root configuration for a coordinator node.
type Config struct {
	Node      NodeConfig      `mapstructure:"node" yaml:"node"`
	Postgres  PostgresConfig  `mapstructure:"postgres" yaml:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Cluster   ClusterConfig   `mapstructure:"cluster" yaml:"cluster"`
	Jobs      JobsConfig      `mapstructure:"jobs" yaml:"jobs"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// NodeConfig identifies this process within the cluster.
type NodeConfig struct {
	// Name is the stable node identifier used for job assignment. Defaults
	// to a generated id when empty.
	Name string `mapstructure:"name" yaml:"name"`
	// Tags are free-form labels used to match jobs to capable nodes.
	Tags []string `mapstructure:"tags" yaml:"tags"`
}

// PostgresConfig holds the document store connection settings.
type PostgresConfig struct {
	// DSN takes precedence over the individual fields when set.
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// KafkaConfig holds the event bus settings.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers" yaml:"brokers" validate:"required,min=1,dive,hostname_port"`
	JobLifecycleTopic string   `mapstructure:"job_lifecycle_topic" yaml:"job_lifecycle_topic" validate:"required"`
	JobProgressTopic  string   `mapstructure:"job_progress_topic" yaml:"job_progress_topic" validate:"required"`
	GroupID           string   `mapstructure:"group_id" yaml:"group_id" validate:"required"`
	ClientID          string   `mapstructure:"client_id" yaml:"client_id"`
}

// ClusterConfig holds leader election settings.
type ClusterConfig struct {
	// Namespace is the Kubernetes namespace holding the leader lease.
	Namespace string `mapstructure:"namespace" yaml:"namespace" validate:"required"`
	// LeaderLockName is the lease object name shared by all nodes.
	LeaderLockName string `mapstructure:"leader_lock_name" yaml:"leader_lock_name" validate:"required"`
	// KubeConfig optionally points at a kubeconfig file for out-of-cluster use.
	KubeConfig string `mapstructure:"kubeconfig" yaml:"kubeconfig"`
	// Context selects a kubeconfig context when KubeConfig is set.
	Context string `mapstructure:"context" yaml:"context"`
}

// JobsConfig tunes the job supervisor.
type JobsConfig struct {
	// PollInterval is how often the node looks for newly assigned jobs.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	// StaleAfter is how long a started job may go without activity before
	// the leader reassigns it.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after" validate:"gt=0"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name" yaml:"service_name"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint" yaml:"exporter_endpoint"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio" yaml:"sampling_ratio" validate:"gte=0,lte=1"`
}
