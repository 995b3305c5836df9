package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/taskward/internal/domain/coordination"
)

func TestRegistryCreateAssignsRoundRobin(t *testing.T) {
	registry := NewTaskRegistry("node-a", "node-b")
	ctx := context.Background()

	first, err := registry.Create(ctx, "job-1", nil)
	require.NoError(t, err)
	second, err := registry.Create(ctx, "job-2", nil)
	require.NoError(t, err)
	third, err := registry.Create(ctx, "job-3", nil)
	require.NoError(t, err)

	assert.Equal(t, "node-a", first.Node())
	assert.Equal(t, "node-b", second.Node())
	assert.Equal(t, "node-a", third.Node())
	assert.Equal(t, coordination.TaskStatePending, first.State())

	_, err = registry.Create(ctx, "job-1", nil)
	require.ErrorIs(t, err, coordination.ErrEntryExists)
}

func TestRegistryCreateWithoutNodes(t *testing.T) {
	registry := NewTaskRegistry()
	_, err := registry.Create(context.Background(), "job-1", nil)
	require.ErrorIs(t, err, coordination.ErrNoLiveNodes)

	registry.RegisterNode("node-a")
	entry, err := registry.Create(context.Background(), "job-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "node-a", entry.Node())
}

func TestRegistryAllocationsStrictlyIncrease(t *testing.T) {
	registry := NewTaskRegistry("node-a", "node-b")
	ctx := context.Background()

	entry, err := registry.Create(ctx, "job-1", nil)
	require.NoError(t, err)
	firstAlloc := entry.AllocationID()

	require.NoError(t, registry.UpdateState(ctx, entry.Handle(), coordination.TaskStateStarted, ""))

	reassigned, err := registry.Reassign(ctx, "job-1")
	require.NoError(t, err)
	assert.Greater(t, reassigned.AllocationID(), firstAlloc)
	assert.Equal(t, coordination.TaskStatePending, reassigned.State())

	again, err := registry.Reassign(ctx, "job-1")
	require.NoError(t, err)
	assert.Greater(t, again.AllocationID(), reassigned.AllocationID())
}

func TestRegistryStaleHandleRejected(t *testing.T) {
	registry := NewTaskRegistry("node-a", "node-b")
	ctx := context.Background()

	entry, err := registry.Create(ctx, "job-1", nil)
	require.NoError(t, err)
	oldHandle := entry.Handle()

	require.NoError(t, registry.UpdateState(ctx, oldHandle, coordination.TaskStateStarted, ""))
	_, err = registry.Reassign(ctx, "job-1")
	require.NoError(t, err)

	// The superseded allocation can no longer move the entry.
	err = registry.UpdateState(ctx, oldHandle, coordination.TaskStateDone, "")
	require.ErrorIs(t, err, coordination.ErrStaleAllocation)
	require.ErrorIs(t, registry.Touch(ctx, oldHandle), coordination.ErrStaleAllocation)
	require.ErrorIs(t, registry.Remove(ctx, oldHandle), coordination.ErrStaleAllocation)
}

func TestRegistryFindByNodeAndState(t *testing.T) {
	registry := NewTaskRegistry("node-a", "node-b")
	ctx := context.Background()

	a, err := registry.Create(ctx, "job-1", nil)
	require.NoError(t, err)
	_, err = registry.Create(ctx, "job-2", nil)
	require.NoError(t, err)

	require.NoError(t, registry.UpdateState(ctx, a.Handle(), coordination.TaskStateStarted, ""))

	pendingOnB, err := registry.FindByNode(ctx, "node-b", coordination.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, pendingOnB, 1)
	assert.Equal(t, coordination.JobID("job-2"), pendingOnB[0].JobID())

	started, err := registry.FindByState(ctx, coordination.TaskStateStarted)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, coordination.JobID("job-1"), started[0].JobID())

	all, err := registry.FindByNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegistryTouchRefreshesActivity(t *testing.T) {
	registry := NewTaskRegistry("node-a")
	ctx := context.Background()

	entry, err := registry.Create(ctx, "job-1", nil)
	require.NoError(t, err)
	before := entry.UpdatedAt()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, registry.Touch(ctx, entry.Handle()))

	refreshed, err := registry.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, refreshed.UpdatedAt().After(before))
}

func TestRegistryWaitForCondition(t *testing.T) {
	registry := NewTaskRegistry("node-a")
	ctx := context.Background()

	entry, err := registry.Create(ctx, "job-1", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := registry.WaitForCondition(ctx, "job-1", func(e *coordination.RegistryEntry) bool {
			return e != nil && e.State() == coordination.TaskStateStarted
		})
		assert.NoError(t, err)
		assert.Equal(t, coordination.TaskStateStarted, got.State())
	}()

	// Give the watcher a chance to park before mutating.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, registry.UpdateState(ctx, entry.Handle(), coordination.TaskStateStarted, ""))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by the state change")
	}
}

func TestRegistryWaitForRemoval(t *testing.T) {
	registry := NewTaskRegistry("node-a")
	ctx := context.Background()

	entry, err := registry.Create(ctx, "job-1", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := registry.WaitForCondition(ctx, "job-1", func(e *coordination.RegistryEntry) bool {
			return e == nil
		})
		assert.NoError(t, err)
		assert.Nil(t, got)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, registry.Remove(ctx, entry.Handle()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by removal")
	}
}

func TestRegistryWaitForConditionContextCanceled(t *testing.T) {
	registry := NewTaskRegistry("node-a")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := registry.WaitForCondition(ctx, "job-1", func(e *coordination.RegistryEntry) bool {
		return e != nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
