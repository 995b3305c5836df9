// Package coordination provides domain types and interfaces for running
// long-lived, resumable jobs across a cluster. It defines the abstractions
// needed to assign a job to exactly one live node, track its state through a
// durable versioned document, and report terminal outcomes exactly once
// despite concurrent reassignment.
package coordination

import (
	"context"
	"encoding/json"
	"time"
)

// DocumentStore is the durable key-value collaborator that owns JobDocument
// persistence. Every read returns the document together with its CAS token;
// every write must present the token from the most recent read and fails
// with ErrVersionConflict when it has moved.
type DocumentStore interface {
	// Get retrieves the document for the given job. The returned document
	// carries the Version of this read. Returns ErrDocumentNotFound when the
	// job has never been submitted.
	Get(ctx context.Context, jobID JobID) (*JobDocument, error)

	// Create persists the initial document for a submitted job and returns
	// the store-assigned Version. Returns ErrDocumentExists when a document
	// is already present.
	Create(ctx context.Context, doc *JobDocument) (Version, error)

	// Update performs a compare-and-swap write: the document is persisted
	// only if expected matches the current stored Version. On success the
	// new Version is returned; on a lost race ErrVersionConflict is
	// returned.
	Update(ctx context.Context, doc *JobDocument, expected Version) (Version, error)
}

// TaskRegistry is the cluster-wide metadata collaborator tracking which
// logical jobs have an active task, on which node, under which allocation.
// It mints a strictly increasing allocation id per (re)assignment.
type TaskRegistry interface {
	// Create registers a submitted job and assigns it to a live node under a
	// fresh allocation id.
	Create(ctx context.Context, jobID JobID, params []byte) (*RegistryEntry, error)

	// Get returns the entry for the given job, or ErrEntryNotFound.
	Get(ctx context.Context, jobID JobID) (*RegistryEntry, error)

	// UpdateState transitions the entry's lifecycle state. The handle's
	// allocation id must still be current or ErrStaleAllocation is returned.
	UpdateState(ctx context.Context, handle TaskHandle, state TaskState, reason string) error

	// Remove deletes the entry once the job is terminal and all
	// result-persistence side effects are complete.
	Remove(ctx context.Context, handle TaskHandle) error

	// FindByNode returns entries currently assigned to the given node in any
	// of the given states (all states when none are given).
	FindByNode(ctx context.Context, node string, states ...TaskState) ([]*RegistryEntry, error)

	// FindByState returns entries in any of the given states regardless of
	// node. Used by the leader's stale sweep.
	FindByState(ctx context.Context, states ...TaskState) ([]*RegistryEntry, error)

	// Touch refreshes the entry's last-activity timestamp without changing
	// state. The handle's allocation id must still be current or
	// ErrStaleAllocation is returned.
	Touch(ctx context.Context, handle TaskHandle) error

	// Reassign moves a job to a new allocation, picking a live node and
	// bumping the allocation id. Used when a started job goes stale.
	Reassign(ctx context.Context, jobID JobID) (*RegistryEntry, error)

	// WaitForCondition blocks until a registry mutation makes the predicate
	// hold for the job's entry, or the context is done. The predicate is
	// invoked with nil when no entry exists, so callers can wait for
	// creation or removal alike. The snapshot that satisfied the predicate
	// is returned (nil when the satisfying state is absence).
	WaitForCondition(ctx context.Context, jobID JobID, predicate func(*RegistryEntry) bool) (*RegistryEntry, error)
}

// ResultStore persists terminal outcomes beyond the task's lifetime. It is
// only consulted for jobs configured with OptionRetainResult.
type ResultStore interface {
	// StoreResult records the terminal result or failure for the given
	// allocation.
	StoreResult(ctx context.Context, handle TaskHandle, result json.RawMessage, failure *Failure) error
}

// ProgressReport is an incremental update emitted by a running executor: a
// resume checkpoint plus a domain status snapshot.
type ProgressReport struct {
	Checkpoint *Checkpoint
	Status     json.RawMessage
}

// TerminalReport is the final outcome of an execution. Exactly one of Result
// or Failure is set.
type TerminalReport struct {
	Result  json.RawMessage
	Failure *Failure
}

// ExecutionEvent is a single item on an executor's event stream: either a
// progress report or the terminal outcome. The stream ends after the
// terminal event.
type ExecutionEvent struct {
	Progress *ProgressReport
	Terminal *TerminalReport
}

// JobExecutor wraps the domain-specific unit of work behind a uniform
// start/stop contract. Implementations are injected; the core schedules and
// supervises them but never inlines domain logic.
//
// Executors classify their own errors: an error affecting a single work item
// is absorbed and execution continues, while a fatal error ends the stream
// with a failure TerminalReport. An executor that cannot resume from a
// checkpoint must re-run from the beginning rather than corrupt state.
type JobExecutor interface {
	// Start begins (or resumes) execution. When resume is non-nil the
	// executor continues from that checkpoint. The returned channel carries
	// progress and terminal events and is closed by the executor when
	// execution ends.
	Start(ctx context.Context, params json.RawMessage, resume *Checkpoint) (<-chan ExecutionEvent, error)

	// Stop requests prompt termination of a running execution. The event
	// stream returned by Start must end shortly after.
	Stop(ctx context.Context, reason string) error
}

// ExecutorFactory builds the executor for a job from its parameters. The
// supervisor uses it to keep domain logic out of the coordination core.
type ExecutorFactory interface {
	// CreateExecutor returns the executor responsible for running the job.
	CreateExecutor(ctx context.Context, jobID JobID, params json.RawMessage) (JobExecutor, error)
}

// TimeProvider abstracts clock access for deterministic tests.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}
