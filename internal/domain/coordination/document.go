package coordination

import (
	"encoding/json"
	"fmt"
)

// JobID uniquely names a logical job across the cluster. It is stable across
// retries and node failures; every allocation of the same job shares it.
type JobID string

// String returns the string representation of the JobID.
func (id JobID) String() string { return string(id) }

// AllocationID identifies a specific (node, attempt) pairing for a job. The
// task registry assigns a strictly larger value each time the job is
// (re)allocated, so a higher AllocationID always supersedes a lower one.
type AllocationID int64

// Version is the compare-and-swap token returned by the document store on
// every read and successful write. A write succeeds only when the submitted
// Version matches the document's current one.
type Version struct {
	SeqNo       int64
	PrimaryTerm int64
}

// IsZero reports whether the version has never been assigned by the store.
func (v Version) IsZero() bool { return v.SeqNo == 0 && v.PrimaryTerm == 0 }

// String returns the string representation of the Version.
func (v Version) String() string { return fmt.Sprintf("%d/%d", v.SeqNo, v.PrimaryTerm) }

// OptionRetainResult marks a job whose terminal result should be persisted
// through the result store before its registry entry is removed.
const OptionRetainResult = "retain_result"

// JobDocument is the durable record for a job. It carries the job parameters,
// the allocation that currently owns the job, the latest resume checkpoint,
// and the terminal result or failure once execution finishes. The document is
// the only cross-node shared mutable state; it is never written without
// presenting the Version obtained from the most recent read.
type JobDocument struct {
	jobID        JobID
	params       json.RawMessage
	allocationID *AllocationID
	checkpoint   *Checkpoint
	result       json.RawMessage
	failure      *Failure
	suppressed   []Failure
	options      map[string]string

	version Version
}

// NewJobDocument creates the initial document for a submitted job. The
// version is assigned by the store on first write.
func NewJobDocument(jobID JobID, params json.RawMessage, options map[string]string) *JobDocument {
	return &JobDocument{
		jobID:   jobID,
		params:  params,
		options: options,
	}
}

// ReconstructJobDocument creates a JobDocument from persisted data. This
// should only be used by stores when hydrating from storage.
func ReconstructJobDocument(
	jobID JobID,
	params json.RawMessage,
	allocationID *AllocationID,
	checkpoint *Checkpoint,
	result json.RawMessage,
	failure *Failure,
	suppressed []Failure,
	options map[string]string,
	version Version,
) *JobDocument {
	return &JobDocument{
		jobID:        jobID,
		params:       params,
		allocationID: allocationID,
		checkpoint:   checkpoint,
		result:       result,
		failure:      failure,
		suppressed:   suppressed,
		options:      options,
		version:      version,
	}
}

// JobID returns the logical job this document belongs to.
func (d *JobDocument) JobID() JobID { return d.jobID }

// Params returns the opaque job parameters supplied at submission.
func (d *JobDocument) Params() json.RawMessage { return d.params }

// AllocationID returns the allocation currently recorded as the job's owner,
// or nil if the job has never been claimed.
func (d *JobDocument) AllocationID() *AllocationID { return d.allocationID }

// Checkpoint returns the most recent resume checkpoint, or nil.
func (d *JobDocument) Checkpoint() *Checkpoint { return d.checkpoint }

// Result returns the opaque success payload, or nil if the job has not
// completed successfully.
func (d *JobDocument) Result() json.RawMessage { return d.result }

// Failure returns the recorded terminal failure, or nil.
func (d *JobDocument) Failure() *Failure { return d.failure }

// Suppressed returns secondary failures appended after the document became
// terminal.
func (d *JobDocument) Suppressed() []Failure { return d.suppressed }

// Options returns the job's option map.
func (d *JobDocument) Options() map[string]string { return d.options }

// Version returns the CAS token from the read that produced this document.
func (d *JobDocument) Version() Version { return d.version }

// SetVersion records the CAS token returned by the store after a successful
// write. Stores and trackers own this; domain logic never invents versions.
func (d *JobDocument) SetVersion(v Version) { d.version = v }

// RetainsResult reports whether the job is configured to persist its terminal
// outcome through the result store.
func (d *JobDocument) RetainsResult() bool {
	return d.options[OptionRetainResult] == "true"
}

// IsTerminal reports whether a result or failure has been recorded. A
// terminal document must not be further checkpointed; only suppressed
// secondary failures may still be appended.
func (d *JobDocument) IsTerminal() bool {
	return d.result != nil || d.failure != nil
}

// Assign records the given allocation as the document's owner. It enforces
// the supersession invariant: an allocation can only be recorded if it is
// strictly greater than the one already present.
func (d *JobDocument) Assign(allocation AllocationID) error {
	if d.allocationID != nil && *d.allocationID >= allocation {
		return fmt.Errorf("allocation %d cannot supersede existing allocation %d for job %s",
			allocation, *d.allocationID, d.jobID)
	}
	a := allocation
	d.allocationID = &a
	return nil
}

// ApplyCheckpoint records a new resume checkpoint. It is rejected once the
// document is terminal.
func (d *JobDocument) ApplyCheckpoint(cp *Checkpoint) error {
	if d.IsTerminal() {
		return ErrDocumentTerminal
	}
	d.checkpoint = cp
	return nil
}

// Complete records the terminal success payload. Recording a second terminal
// outcome is rejected.
func (d *JobDocument) Complete(result json.RawMessage) error {
	if d.IsTerminal() {
		return ErrDocumentTerminal
	}
	d.result = result
	return nil
}

// Fail records the terminal failure. Recording a second terminal outcome is
// rejected.
func (d *JobDocument) Fail(failure Failure) error {
	if d.IsTerminal() {
		return ErrDocumentTerminal
	}
	f := failure
	d.failure = &f
	return nil
}

// AppendSuppressed attaches a secondary failure to an already-terminal
// document. This is the one mutation permitted after the terminal write.
func (d *JobDocument) AppendSuppressed(failure Failure) {
	d.suppressed = append(d.suppressed, failure)
}

// jobDocumentDTO mirrors JobDocument for JSON (de)serialization. The version
// travels out of band as the store's CAS token and is not part of the payload.
type jobDocumentDTO struct {
	JobID        string            `json:"job_id"`
	Params       json.RawMessage   `json:"params,omitempty"`
	AllocationID *AllocationID     `json:"allocation_id,omitempty"`
	Checkpoint   *Checkpoint       `json:"checkpoint,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Failure      *Failure          `json:"failure,omitempty"`
	Suppressed   []Failure         `json:"suppressed,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
}

// MarshalJSON serializes the JobDocument into its durable JSON form.
func (d *JobDocument) MarshalJSON() ([]byte, error) {
	dto := jobDocumentDTO{
		JobID:        string(d.jobID),
		Params:       d.params,
		AllocationID: d.allocationID,
		Checkpoint:   d.checkpoint,
		Result:       d.result,
		Failure:      d.failure,
		Suppressed:   d.suppressed,
		Options:      d.options,
	}
	return json.Marshal(&dto)
}

// UnmarshalJSON deserializes the durable JSON form into the JobDocument.
func (d *JobDocument) UnmarshalJSON(data []byte) error {
	if d == nil {
		return fmt.Errorf("cannot unmarshal JSON into nil JobDocument")
	}

	var dto jobDocumentDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	d.jobID = JobID(dto.JobID)
	d.params = dto.Params
	d.allocationID = dto.AllocationID
	d.checkpoint = dto.Checkpoint
	d.result = dto.Result
	d.failure = dto.Failure
	d.suppressed = dto.Suppressed
	d.options = dto.Options

	return nil
}
