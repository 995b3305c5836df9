// Package memory provides an in-memory implementation of the cluster task
// registry for testing, development, and single-node deployments.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/taskward/internal/domain/coordination"
)

var _ coordination.TaskRegistry = (*TaskRegistry)(nil)

// TaskRegistry tracks job-to-node assignments in process memory. It mints a
// strictly increasing allocation id across all (re)assignments, places jobs
// on registered nodes round-robin, and wakes WaitForCondition watchers on
// every mutation.
type TaskRegistry struct {
	mu             sync.Mutex
	entries        map[coordination.JobID]*coordination.RegistryEntry
	nodes          []string
	nextNode       int
	nextAllocation coordination.AllocationID

	// watchers are per-job broadcast channels closed on any entry mutation.
	watchers map[coordination.JobID][]chan struct{}
}

// NewTaskRegistry creates a registry placing work across the given nodes.
func NewTaskRegistry(nodes ...string) *TaskRegistry {
	return &TaskRegistry{
		entries:  make(map[coordination.JobID]*coordination.RegistryEntry),
		nodes:    nodes,
		watchers: make(map[coordination.JobID][]chan struct{}),
	}
}

// RegisterNode adds a node to the placement rotation.
func (r *TaskRegistry) RegisterNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n == node {
			return
		}
	}
	r.nodes = append(r.nodes, node)
}

// pickNode returns the next node round-robin. Caller holds r.mu.
func (r *TaskRegistry) pickNode() (string, error) {
	if len(r.nodes) == 0 {
		return "", coordination.ErrNoLiveNodes
	}
	node := r.nodes[r.nextNode%len(r.nodes)]
	r.nextNode++
	return node, nil
}

// mintAllocation returns the next allocation id. Caller holds r.mu.
func (r *TaskRegistry) mintAllocation() coordination.AllocationID {
	r.nextAllocation++
	return r.nextAllocation
}

// notifyLocked wakes all watchers for the job. Caller holds r.mu.
func (r *TaskRegistry) notifyLocked(jobID coordination.JobID) {
	for _, ch := range r.watchers[jobID] {
		close(ch)
	}
	delete(r.watchers, jobID)
}

// snapshot returns a detached copy so callers never share the registry's
// mutable entry. Caller holds r.mu.
func snapshot(e *coordination.RegistryEntry) *coordination.RegistryEntry {
	return coordination.ReconstructRegistryEntry(
		e.JobID(), e.Node(), e.AllocationID(), e.Params(), e.State(), e.Reason(), e.UpdatedAt())
}

// Create registers a submitted job on the next node with a fresh allocation.
func (r *TaskRegistry) Create(ctx context.Context, jobID coordination.JobID, params []byte) (*coordination.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[jobID]; ok {
		return nil, coordination.ErrEntryExists
	}
	node, err := r.pickNode()
	if err != nil {
		return nil, err
	}

	entry := coordination.NewRegistryEntry(jobID, node, r.mintAllocation(), params)
	r.entries[jobID] = entry
	r.notifyLocked(jobID)
	return snapshot(entry), nil
}

// Get returns the entry for the job.
func (r *TaskRegistry) Get(ctx context.Context, jobID coordination.JobID) (*coordination.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[jobID]
	if !ok {
		return nil, coordination.ErrEntryNotFound
	}
	return snapshot(entry), nil
}

// UpdateState transitions the entry's lifecycle state if the handle's
// allocation is still current.
func (r *TaskRegistry) UpdateState(ctx context.Context, handle coordination.TaskHandle, state coordination.TaskState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[handle.JobID()]
	if !ok {
		return coordination.ErrEntryNotFound
	}
	if entry.AllocationID() != handle.AllocationID() {
		return coordination.ErrStaleAllocation
	}
	if err := entry.UpdateState(state, reason); err != nil {
		return err
	}
	r.notifyLocked(handle.JobID())
	return nil
}

// Touch refreshes the entry's last-activity timestamp.
func (r *TaskRegistry) Touch(ctx context.Context, handle coordination.TaskHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[handle.JobID()]
	if !ok {
		return coordination.ErrEntryNotFound
	}
	if entry.AllocationID() != handle.AllocationID() {
		return coordination.ErrStaleAllocation
	}
	entry.Touch()
	return nil
}

// Remove deletes the entry. Watchers are woken so waits on a removed job
// fail fast instead of hanging.
func (r *TaskRegistry) Remove(ctx context.Context, handle coordination.TaskHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[handle.JobID()]
	if !ok {
		return coordination.ErrEntryNotFound
	}
	if entry.AllocationID() != handle.AllocationID() {
		return coordination.ErrStaleAllocation
	}
	delete(r.entries, handle.JobID())
	r.notifyLocked(handle.JobID())
	return nil
}

// FindByNode returns entries assigned to the node in any of the given states.
func (r *TaskRegistry) FindByNode(ctx context.Context, node string, states ...coordination.TaskState) ([]*coordination.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*coordination.RegistryEntry
	for _, entry := range r.entries {
		if entry.Node() != node {
			continue
		}
		if matchesState(entry, states) {
			out = append(out, snapshot(entry))
		}
	}
	return out, nil
}

// FindByState returns entries in any of the given states across all nodes.
func (r *TaskRegistry) FindByState(ctx context.Context, states ...coordination.TaskState) ([]*coordination.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*coordination.RegistryEntry
	for _, entry := range r.entries {
		if matchesState(entry, states) {
			out = append(out, snapshot(entry))
		}
	}
	return out, nil
}

func matchesState(entry *coordination.RegistryEntry, states []coordination.TaskState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if entry.State() == s {
			return true
		}
	}
	return false
}

// Reassign hands the job to the next node under a strictly larger
// allocation, resetting it to pending.
func (r *TaskRegistry) Reassign(ctx context.Context, jobID coordination.JobID) (*coordination.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[jobID]
	if !ok {
		return nil, coordination.ErrEntryNotFound
	}
	node, err := r.pickNode()
	if err != nil {
		return nil, err
	}
	if err := entry.Reassign(node, r.mintAllocation()); err != nil {
		return nil, err
	}
	r.notifyLocked(jobID)
	return snapshot(entry), nil
}

// WaitForCondition blocks until a mutation makes the predicate hold for the
// job's entry, the entry is removed, or the context is done.
func (r *TaskRegistry) WaitForCondition(
	ctx context.Context,
	jobID coordination.JobID,
	predicate func(*coordination.RegistryEntry) bool,
) (*coordination.RegistryEntry, error) {
	for {
		r.mu.Lock()
		entry, ok := r.entries[jobID]
		var snap *coordination.RegistryEntry
		if ok {
			snap = snapshot(entry)
		}
		// The predicate sees nil for a missing entry, so callers can wait
		// for creation or removal alike.
		if predicate(snap) {
			r.mu.Unlock()
			return snap, nil
		}
		wake := make(chan struct{})
		r.watchers[jobID] = append(r.watchers[jobID], wake)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}
