package coordination

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
)

func TestExecutorRegistryDispatchesOnType(t *testing.T) {
	reg := NewExecutorRegistry()

	want := &fakeExecutor{}
	require.NoError(t, reg.Register("reindex", func(_ context.Context, jobID domain.JobID, params json.RawMessage) (domain.JobExecutor, error) {
		assert.Equal(t, domain.JobID("job-1"), jobID)
		return want, nil
	}))

	got, err := reg.CreateExecutor(context.Background(), "job-1", json.RawMessage(`{"type":"reindex","source":"a"}`))
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestExecutorRegistryUnknownType(t *testing.T) {
	reg := NewExecutorRegistry()

	_, err := reg.CreateExecutor(context.Background(), "job-1", json.RawMessage(`{"type":"unknown"}`))
	assert.ErrorContains(t, err, "no executor registered")
}

func TestExecutorRegistryMissingType(t *testing.T) {
	reg := NewExecutorRegistry()

	_, err := reg.CreateExecutor(context.Background(), "job-1", json.RawMessage(`{"source":"a"}`))
	assert.ErrorContains(t, err, "carry no type")
}

func TestExecutorRegistryRejectsDuplicateType(t *testing.T) {
	reg := NewExecutorRegistry()
	builder := func(context.Context, domain.JobID, json.RawMessage) (domain.JobExecutor, error) {
		return &fakeExecutor{}, nil
	}

	require.NoError(t, reg.Register("reindex", builder))
	assert.ErrorContains(t, reg.Register("reindex", builder), "already registered")
}

func TestExecutorRegistryRejectsEmptyRegistrations(t *testing.T) {
	reg := NewExecutorRegistry()

	assert.Error(t, reg.Register("", func(context.Context, domain.JobID, json.RawMessage) (domain.JobExecutor, error) {
		return nil, nil
	}))
	assert.Error(t, reg.Register("reindex", nil))
}
