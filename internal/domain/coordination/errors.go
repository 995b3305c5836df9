package coordination

import (
	"errors"
	"fmt"
)

// Store-level sentinel errors. Version conflicts are an expected,
// non-exceptional outcome of optimistic concurrency; every writer must be
// prepared to see one.
var (
	// ErrVersionConflict indicates a compare-and-swap write lost to a
	// concurrent writer.
	ErrVersionConflict = errors.New("document version conflict")

	// ErrDocumentNotFound indicates no document exists for the job.
	ErrDocumentNotFound = errors.New("job document not found")

	// ErrDocumentExists indicates a create collided with an existing document.
	ErrDocumentExists = errors.New("job document already exists")

	// ErrDocumentTerminal indicates a mutation was attempted on a document
	// whose result or failure is already set.
	ErrDocumentTerminal = errors.New("job document is terminal")
)

// Registry-level sentinel errors.
var (
	// ErrEntryNotFound indicates no registry entry exists for the job.
	ErrEntryNotFound = errors.New("registry entry not found")

	// ErrEntryExists indicates a registry entry was already created for the
	// job.
	ErrEntryExists = errors.New("registry entry already exists")

	// ErrNoLiveNodes indicates no node is available to take an assignment.
	ErrNoLiveNodes = errors.New("no live nodes available for assignment")

	// ErrStaleAllocation indicates an operation presented an allocation id
	// that has been superseded by a newer one.
	ErrStaleAllocation = errors.New("allocation id is stale")
)

// Tracker-level sentinel errors.
var (
	// ErrAlreadyFinalized indicates the tracker has already performed a
	// successful terminal write; the terminal fields are never overwritten.
	ErrAlreadyFinalized = errors.New("job already finalized")

	// ErrNoClaimedDocument indicates finalize was invoked before a
	// successful claim established a valid CAS token.
	ErrNoClaimedDocument = errors.New("no claimed document to finalize")
)

// AssignmentFailureKind classifies why a claim failed so callers can decide
// whether to retry, reassign, or give up.
type AssignmentFailureKind string

const (
	// AssignmentSuperseded means a newer allocation already owns the
	// document. Never retried: an old allocation must not resurrect after a
	// newer one has taken over.
	AssignmentSuperseded AssignmentFailureKind = "SUPERSEDED"

	// AssignmentRetriesExhausted means the bounded read-compare-write cycle
	// ran out of attempts against concurrent writers.
	AssignmentRetriesExhausted AssignmentFailureKind = "RETRIES_EXHAUSTED"

	// AssignmentFailedToRead means the document could not be read from the
	// store.
	AssignmentFailedToRead AssignmentFailureKind = "FAILED_TO_READ"

	// AssignmentFailedToWrite means the claim write failed for a reason
	// other than a version conflict.
	AssignmentFailedToWrite AssignmentFailureKind = "FAILED_TO_WRITE"
)

// TaskState maps the failure kind to the registry state that should record it.
func (k AssignmentFailureKind) TaskState() TaskState {
	switch k {
	case AssignmentFailedToRead:
		return TaskStateFailedToReadFromStore
	case AssignmentFailedToWrite:
		return TaskStateFailedToWriteToStore
	default:
		return TaskStateAssignmentFailed
	}
}

// AssignmentError reports a failed claim along with its classification.
type AssignmentError struct {
	JobID        JobID
	AllocationID AllocationID
	Kind         AssignmentFailureKind
	Err          error
}

// NewAssignmentError creates an AssignmentError for the given claim.
func NewAssignmentError(jobID JobID, allocationID AllocationID, kind AssignmentFailureKind, err error) *AssignmentError {
	return &AssignmentError{JobID: jobID, AllocationID: allocationID, Kind: kind, Err: err}
}

// Error returns a string representation of the error.
func (e *AssignmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assignment of job %s (allocation %d) failed: %s: %v",
			e.JobID, e.AllocationID, e.Kind, e.Err)
	}
	return fmt.Sprintf("assignment of job %s (allocation %d) failed: %s",
		e.JobID, e.AllocationID, e.Kind)
}

// Unwrap exposes the underlying store fault, if any.
func (e *AssignmentError) Unwrap() error { return e.Err }

// FinalizeError reports that the terminal document write itself failed. The
// domain outcome being recorded is preserved as a suppressed error so neither
// the write fault nor the original failure is lost.
type FinalizeError struct {
	JobID      JobID
	Err        error
	Suppressed error
}

// NewFinalizeError creates a FinalizeError wrapping the write fault and
// attaching the domain outcome that could not be recorded.
func NewFinalizeError(jobID JobID, err, suppressed error) *FinalizeError {
	return &FinalizeError{JobID: jobID, Err: err, Suppressed: suppressed}
}

// Error returns a string representation of the error.
func (e *FinalizeError) Error() string {
	if e.Suppressed != nil {
		return fmt.Sprintf("finalize write for job %s failed: %v (suppressed: %v)",
			e.JobID, e.Err, e.Suppressed)
	}
	return fmt.Sprintf("finalize write for job %s failed: %v", e.JobID, e.Err)
}

// Unwrap exposes the write fault.
func (e *FinalizeError) Unwrap() error { return e.Err }
