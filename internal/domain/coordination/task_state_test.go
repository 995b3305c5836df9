package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskState
		to      TaskState
		wantErr bool
	}{
		{name: "pending to started", from: TaskStatePending, to: TaskStateStarted, wantErr: false},
		{name: "pending to assignment failed", from: TaskStatePending, to: TaskStateAssignmentFailed, wantErr: false},
		{name: "pending to read fault", from: TaskStatePending, to: TaskStateFailedToReadFromStore, wantErr: false},
		{name: "pending to write fault", from: TaskStatePending, to: TaskStateFailedToWriteToStore, wantErr: false},
		{name: "pending to done skips started", from: TaskStatePending, to: TaskStateDone, wantErr: true},
		{name: "started to done", from: TaskStateStarted, to: TaskStateDone, wantErr: false},
		{name: "started to failed", from: TaskStateStarted, to: TaskStateFailed, wantErr: false},
		{name: "started to persist failure", from: TaskStateStarted, to: TaskStateFailedToPersistResult, wantErr: false},
		{name: "started back to pending", from: TaskStateStarted, to: TaskStatePending, wantErr: true},
		{name: "done is terminal", from: TaskStateDone, to: TaskStateStarted, wantErr: true},
		{name: "failed is terminal", from: TaskStateFailed, to: TaskStateDone, wantErr: true},
		{name: "assignment failed is terminal", from: TaskStateAssignmentFailed, to: TaskStateStarted, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.validateTransition(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTaskStateIsTerminal(t *testing.T) {
	assert.False(t, TaskStatePending.IsTerminal())
	assert.False(t, TaskStateStarted.IsTerminal())

	for _, s := range []TaskState{
		TaskStateDone,
		TaskStateFailed,
		TaskStateAssignmentFailed,
		TaskStateFailedToReadFromStore,
		TaskStateFailedToWriteToStore,
		TaskStateFailedToPersistResult,
	} {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}
}

func TestParseTaskState(t *testing.T) {
	assert.Equal(t, TaskStateStarted, ParseTaskState("STARTED"))
	assert.Equal(t, TaskStateDone, ParseTaskState("DONE"))
	assert.Equal(t, TaskStateUnspecified, ParseTaskState("nonsense"))
}

func TestRegistryEntryReassign(t *testing.T) {
	entry := NewRegistryEntry("job-1", "node-a", 1, nil)
	require.NoError(t, entry.UpdateState(TaskStateStarted, ""))

	// Reassignment requires a strictly larger allocation id.
	require.ErrorIs(t, entry.Reassign("node-b", 1), ErrStaleAllocation)
	require.NoError(t, entry.Reassign("node-b", 2))

	assert.Equal(t, "node-b", entry.Node())
	assert.Equal(t, AllocationID(2), entry.AllocationID())
	assert.Equal(t, TaskStatePending, entry.State())
}

func TestRegistryEntryUpdateStateValidatesTransition(t *testing.T) {
	entry := NewRegistryEntry("job-1", "node-a", 1, nil)

	require.Error(t, entry.UpdateState(TaskStateDone, ""))
	require.NoError(t, entry.UpdateState(TaskStateStarted, ""))
	require.NoError(t, entry.UpdateState(TaskStateDone, ""))
	require.Error(t, entry.UpdateState(TaskStateFailed, "too late"))
}
