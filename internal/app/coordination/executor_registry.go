package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
)

var _ domain.ExecutorFactory = (*ExecutorRegistry)(nil)

// ExecutorBuilder constructs an executor for one job from its parameters.
type ExecutorBuilder func(ctx context.Context, jobID domain.JobID, params json.RawMessage) (domain.JobExecutor, error)

// ExecutorRegistry maps job types to executor builders. Job parameters carry
// their type in a top-level "type" field; everything else in the params blob
// is opaque to the registry and interpreted by the executor.
type ExecutorRegistry struct {
	mu       sync.RWMutex
	builders map[string]ExecutorBuilder
}

// NewExecutorRegistry creates an empty executor registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{builders: make(map[string]ExecutorBuilder)}
}

// Register installs a builder for the given job type. Registering the same
// type twice is a programming error.
func (r *ExecutorRegistry) Register(jobType string, builder ExecutorBuilder) error {
	if jobType == "" {
		return fmt.Errorf("job type cannot be empty")
	}
	if builder == nil {
		return fmt.Errorf("builder for job type %q cannot be nil", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[jobType]; exists {
		return fmt.Errorf("executor for job type %q already registered", jobType)
	}
	r.builders[jobType] = builder
	return nil
}

// CreateExecutor builds the executor for the job by dispatching on the
// params' "type" field.
func (r *ExecutorRegistry) CreateExecutor(
	ctx context.Context,
	jobID domain.JobID,
	params json.RawMessage,
) (domain.JobExecutor, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse params for job %s: %w", jobID, err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("params for job %s carry no type", jobID)
	}

	r.mu.RLock()
	builder, ok := r.builders[envelope.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for job type %q", envelope.Type)
	}

	return builder(ctx, jobID, params)
}
