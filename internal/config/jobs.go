package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "24h" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// JobSpec describes a job definition seeded from configuration. Recurring
// specs are registered with the scheduler at startup; one-shot specs are
// submitted once.
type JobSpec struct {
	// Name uniquely identifies the spec within the file.
	Name string `yaml:"name"`
	// Type selects the executor for the job.
	Type string `yaml:"type"`
	// Interval makes the job recurring when non-zero.
	Interval Duration `yaml:"interval"`
	// Params is the executor-specific job configuration.
	Params map[string]any `yaml:"params"`
	// Options are coordinator options, like result retention.
	Options map[string]string `yaml:"options"`
}

// JobSpecFile is the on-disk shape of a job seed file.
type JobSpecFile struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// LoadJobSpecs reads and parses a YAML job seed file. Duplicate spec names
// and specs without a type are rejected.
func LoadJobSpecs(path string) ([]JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec file: %w", err)
	}

	var file JobSpecFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse job spec file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Jobs))
	for _, spec := range file.Jobs {
		if spec.Name == "" {
			return nil, fmt.Errorf("job spec missing name")
		}
		if spec.Type == "" {
			return nil, fmt.Errorf("job spec %q missing type", spec.Name)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate job spec name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}

	return file.Jobs, nil
}
