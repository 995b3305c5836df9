package coordination

import (
	"encoding/json"
	"fmt"
	"time"
)

// Failure is the uniform shape every execution error is wrapped into before
// being persisted or forwarded: an opaque error payload paired with a status
// code. The core records and propagates failures but never interprets the
// payload.
type Failure struct {
	Message    string          `json:"message"`
	StatusCode int             `json:"status_code"`
	Details    json.RawMessage `json:"details,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewFailure creates a Failure with the given message and status code.
func NewFailure(message string, statusCode int, details json.RawMessage) Failure {
	return Failure{
		Message:    message,
		StatusCode: statusCode,
		Details:    details,
		OccurredAt: time.Now(),
	}
}

// FailureFromError wraps an arbitrary execution error into the uniform
// Failure shape, regardless of its original type.
func FailureFromError(err error, statusCode int) Failure {
	return NewFailure(err.Error(), statusCode, nil)
}

// Error makes Failure usable where an error is expected.
func (f Failure) Error() string {
	return fmt.Sprintf("job execution failed (status %d): %s", f.StatusCode, f.Message)
}
