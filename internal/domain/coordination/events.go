package coordination

import (
	"encoding/json"
	"time"

	"github.com/ahrav/taskward/internal/domain/events"
)

// Event types emitted over the notification channel as a job moves through
// its lifecycle.
const (
	EventTypeJobAssigned   events.EventType = "JobAssigned"
	EventTypeJobStarted    events.EventType = "JobStarted"
	EventTypeJobProgressed events.EventType = "JobProgressed"
	EventTypeJobCompleted  events.EventType = "JobCompleted"
	EventTypeJobFailed     events.EventType = "JobFailed"
	EventTypeJobStale      events.EventType = "JobStale"
)

// JobAssignedEvent indicates a claim succeeded and the allocation now owns
// the job document.
type JobAssignedEvent struct {
	occurredAt   time.Time
	JobID        JobID
	Node         string
	AllocationID AllocationID
}

func NewJobAssignedEvent(jobID JobID, node string, allocationID AllocationID) JobAssignedEvent {
	return JobAssignedEvent{
		occurredAt:   time.Now(),
		JobID:        jobID,
		Node:         node,
		AllocationID: allocationID,
	}
}

func (e JobAssignedEvent) EventType() events.EventType { return EventTypeJobAssigned }
func (e JobAssignedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobStartedEvent indicates the executor began (or resumed) running the job.
type JobStartedEvent struct {
	occurredAt   time.Time
	JobID        JobID
	AllocationID AllocationID
	Resumed      bool
}

func NewJobStartedEvent(jobID JobID, allocationID AllocationID, resumed bool) JobStartedEvent {
	return JobStartedEvent{
		occurredAt:   time.Now(),
		JobID:        jobID,
		AllocationID: allocationID,
		Resumed:      resumed,
	}
}

func (e JobStartedEvent) EventType() events.EventType { return EventTypeJobStarted }
func (e JobStartedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobProgressedEvent signals a new checkpoint was reported by the executor.
// These are high-churn and may be throttled or dropped by publishers.
type JobProgressedEvent struct {
	occurredAt   time.Time
	JobID        JobID
	AllocationID AllocationID
	Status       json.RawMessage
}

func NewJobProgressedEvent(jobID JobID, allocationID AllocationID, status json.RawMessage) JobProgressedEvent {
	return JobProgressedEvent{
		occurredAt:   time.Now(),
		JobID:        jobID,
		AllocationID: allocationID,
		Status:       status,
	}
}

func (e JobProgressedEvent) EventType() events.EventType { return EventTypeJobProgressed }
func (e JobProgressedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCompletedEvent indicates the job reached a successful terminal state.
type JobCompletedEvent struct {
	occurredAt time.Time
	JobID      JobID
	Result     json.RawMessage
}

func NewJobCompletedEvent(jobID JobID, result json.RawMessage) JobCompletedEvent {
	return JobCompletedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Result:     result,
	}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobFailedEvent indicates the job reached a failed terminal state.
type JobFailedEvent struct {
	occurredAt time.Time
	JobID      JobID
	State      TaskState
	Reason     string
}

func NewJobFailedEvent(jobID JobID, state TaskState, reason string) JobFailedEvent {
	return JobFailedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		State:      state,
		Reason:     reason,
	}
}

func (e JobFailedEvent) EventType() events.EventType { return EventTypeJobFailed }
func (e JobFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobStaleEvent means a started job stopped reporting progress and may need
// reassignment.
type JobStaleEvent struct {
	occurredAt   time.Time
	JobID        JobID
	AllocationID AllocationID
	StalledSince time.Time
}

func NewJobStaleEvent(jobID JobID, allocationID AllocationID, since time.Time) JobStaleEvent {
	return JobStaleEvent{
		occurredAt:   time.Now(),
		JobID:        jobID,
		AllocationID: allocationID,
		StalledSince: since,
	}
}

func (e JobStaleEvent) EventType() events.EventType { return EventTypeJobStale }
func (e JobStaleEvent) OccurredAt() time.Time       { return e.occurredAt }
