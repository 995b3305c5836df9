package coordination

import (
	"errors"
	"fmt"
)

// TaskState represents the lifecycle state of a registry entry. It enables
// operators and supervising layers to distinguish "lost a race" from
// "storage unhealthy" from a genuine domain failure.
type TaskState string

// ErrTaskStateUnknown is returned when a task state string is unknown.
var ErrTaskStateUnknown = errors.New("task state unknown")

const (
	// TaskStatePending indicates the entry was created but no node has
	// started the job yet.
	TaskStatePending TaskState = "PENDING"

	// TaskStateStarted indicates the owning node has begun (or is about to
	// begin) executing the job. A node observing STARTED may assume work has
	// actually started.
	TaskStateStarted TaskState = "STARTED"

	// TaskStateDone indicates the job reached a terminal outcome that was
	// durably recorded in the job document, whether success or domain
	// failure.
	TaskStateDone TaskState = "DONE"

	// TaskStateFailed indicates the coordinator failed before the job's
	// outcome could be recorded durably.
	TaskStateFailed TaskState = "FAILED"

	// TaskStateAssignmentFailed indicates the claim was superseded by a newer
	// allocation or exhausted its retry budget.
	TaskStateAssignmentFailed TaskState = "ASSIGNMENT_FAILED"

	// TaskStateFailedToReadFromStore indicates the claim could not read the
	// job document.
	TaskStateFailedToReadFromStore TaskState = "FAILED_TO_READ_FROM_STORE"

	// TaskStateFailedToWriteToStore indicates a document write failed for a
	// reason other than a version conflict.
	TaskStateFailedToWriteToStore TaskState = "FAILED_TO_WRITE_TO_STORE"

	// TaskStateFailedToPersistResult indicates the terminal document write
	// itself failed; the original domain outcome is preserved as a
	// suppressed error.
	TaskStateFailedToPersistResult TaskState = "FAILED_TO_PERSIST_RESULT"

	// TaskStateUnspecified is used when a task state is unknown.
	TaskStateUnspecified TaskState = "UNSPECIFIED"
)

// String returns the string representation of the TaskState.
func (s TaskState) String() string { return string(s) }

// IsTerminal reports whether the state ends the registry entry's lifecycle.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateDone, TaskStateFailed, TaskStateAssignmentFailed,
		TaskStateFailedToReadFromStore, TaskStateFailedToWriteToStore,
		TaskStateFailedToPersistResult:
		return true
	default:
		return false
	}
}

// ParseTaskState converts a string to a TaskState.
func ParseTaskState(s string) TaskState {
	switch TaskState(s) {
	case TaskStatePending, TaskStateStarted, TaskStateDone, TaskStateFailed,
		TaskStateAssignmentFailed, TaskStateFailedToReadFromStore,
		TaskStateFailedToWriteToStore, TaskStateFailedToPersistResult:
		return TaskState(s)
	default:
		return TaskStateUnspecified
	}
}

// validateTransition checks if a state transition is valid and returns an
// error if not.
func (s TaskState) validateTransition(target TaskState) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task state transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the registry entry lifecycle: pending entries
// may start or fail assignment, started entries may reach any terminal
// state, and terminal states admit no further transitions.
func (s TaskState) isValidTransition(target TaskState) bool {
	switch s {
	case TaskStatePending:
		return target == TaskStateStarted ||
			target == TaskStateFailed ||
			target == TaskStateAssignmentFailed ||
			target == TaskStateFailedToReadFromStore ||
			target == TaskStateFailedToWriteToStore
	case TaskStateStarted:
		return target.IsTerminal()
	default:
		return false
	}
}
