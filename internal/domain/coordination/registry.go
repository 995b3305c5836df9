package coordination

import (
	"time"
)

// TaskHandle identifies one allocation of a job: the logical job, the node it
// was assigned to, and the allocation id minted by the registry for this
// (re)assignment. Handles are immutable; a reassignment produces a new one.
type TaskHandle struct {
	jobID        JobID
	node         string
	allocationID AllocationID
}

// NewTaskHandle creates a handle for the given job, node, and allocation.
func NewTaskHandle(jobID JobID, node string, allocationID AllocationID) TaskHandle {
	return TaskHandle{jobID: jobID, node: node, allocationID: allocationID}
}

// JobID returns the logical job this handle refers to.
func (h TaskHandle) JobID() JobID { return h.jobID }

// Node returns the node the allocation was assigned to.
func (h TaskHandle) Node() string { return h.node }

// AllocationID returns the allocation id minted for this assignment.
func (h TaskHandle) AllocationID() AllocationID { return h.allocationID }

// RegistryEntry is the ephemeral cluster-state record for an active job. It
// tracks which node owns which allocation and the entry's lifecycle state.
type RegistryEntry struct {
	jobID        JobID
	node         string
	allocationID AllocationID
	params       []byte
	state        TaskState
	reason       string
	updatedAt    time.Time
}

// NewRegistryEntry creates a pending entry for a freshly submitted job.
func NewRegistryEntry(jobID JobID, node string, allocationID AllocationID, params []byte) *RegistryEntry {
	return &RegistryEntry{
		jobID:        jobID,
		node:         node,
		allocationID: allocationID,
		params:       params,
		state:        TaskStatePending,
		updatedAt:    time.Now(),
	}
}

// ReconstructRegistryEntry creates a RegistryEntry from persisted data.
// This should only be used by registries when hydrating state.
func ReconstructRegistryEntry(
	jobID JobID,
	node string,
	allocationID AllocationID,
	params []byte,
	state TaskState,
	reason string,
	updatedAt time.Time,
) *RegistryEntry {
	return &RegistryEntry{
		jobID:        jobID,
		node:         node,
		allocationID: allocationID,
		params:       params,
		state:        state,
		reason:       reason,
		updatedAt:    updatedAt,
	}
}

// JobID returns the logical job this entry tracks.
func (e *RegistryEntry) JobID() JobID { return e.jobID }

// Node returns the node currently assigned to run the job.
func (e *RegistryEntry) Node() string { return e.node }

// AllocationID returns the allocation id of the current assignment.
func (e *RegistryEntry) AllocationID() AllocationID { return e.allocationID }

// Params returns the opaque job parameters captured at submission.
func (e *RegistryEntry) Params() []byte { return e.params }

// State returns the entry's lifecycle state.
func (e *RegistryEntry) State() TaskState { return e.state }

// Reason returns the human-readable cause recorded with a failure state.
func (e *RegistryEntry) Reason() string { return e.reason }

// UpdatedAt returns when the entry last changed.
func (e *RegistryEntry) UpdatedAt() time.Time { return e.updatedAt }

// Handle returns the task handle for the entry's current assignment.
func (e *RegistryEntry) Handle() TaskHandle {
	return NewTaskHandle(e.jobID, e.node, e.allocationID)
}

// UpdateState changes the entry's state after validating the transition.
func (e *RegistryEntry) UpdateState(state TaskState, reason string) error {
	if err := e.state.validateTransition(state); err != nil {
		return err
	}
	e.state = state
	e.reason = reason
	e.updatedAt = time.Now()
	return nil
}

// Touch refreshes the entry's last-activity timestamp. Stale detection keys
// off this, so running coordinators call it as progress arrives.
func (e *RegistryEntry) Touch() { e.updatedAt = time.Now() }

// Reassign moves the entry to a new node under a strictly larger allocation
// id and resets it to pending. The registry owns allocation monotonicity;
// this method only enforces it.
func (e *RegistryEntry) Reassign(node string, allocationID AllocationID) error {
	if allocationID <= e.allocationID {
		return ErrStaleAllocation
	}
	e.node = node
	e.allocationID = allocationID
	e.state = TaskStatePending
	e.reason = ""
	e.updatedAt = time.Now()
	return nil
}
