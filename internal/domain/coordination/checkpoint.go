package coordination

import (
	"encoding/json"
	"time"
)

// Checkpoint contains the state needed to resume a job after interruption:
// a domain-opaque resume token (e.g. a scroll or pull cursor) and a status
// snapshot. The core never inspects either beyond presence.
type Checkpoint struct {
	resumeToken []byte
	status      json.RawMessage
	timestamp   time.Time
}

// NewCheckpoint creates a new Checkpoint for the given resume token and
// status snapshot.
func NewCheckpoint(resumeToken []byte, status json.RawMessage) *Checkpoint {
	return &Checkpoint{
		resumeToken: resumeToken,
		status:      status,
		timestamp:   time.Now(),
	}
}

// ReconstructCheckpoint creates a Checkpoint from persisted data. This should
// only be used by stores when hydrating from storage.
func ReconstructCheckpoint(resumeToken []byte, status json.RawMessage, timestamp time.Time) *Checkpoint {
	return &Checkpoint{
		resumeToken: resumeToken,
		status:      status,
		timestamp:   timestamp,
	}
}

// ResumeToken returns the opaque token used to resume execution.
func (c *Checkpoint) ResumeToken() []byte { return c.resumeToken }

// Status returns the domain status snapshot captured with the checkpoint.
func (c *Checkpoint) Status() json.RawMessage { return c.status }

// Timestamp returns when the checkpoint was taken.
func (c *Checkpoint) Timestamp() time.Time { return c.timestamp }

type checkpointDTO struct {
	ResumeToken []byte          `json:"resume_token,omitempty"`
	Status      json.RawMessage `json:"status,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// MarshalJSON serializes the Checkpoint into its durable JSON form.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	dto := checkpointDTO{
		ResumeToken: c.resumeToken,
		Status:      c.status,
		Timestamp:   c.timestamp,
	}
	return json.Marshal(&dto)
}

// UnmarshalJSON deserializes JSON data into the Checkpoint.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var dto checkpointDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	c.resumeToken = dto.ResumeToken
	c.status = dto.Status
	c.timestamp = dto.Timestamp
	return nil
}
