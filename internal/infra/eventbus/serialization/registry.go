// Package serialization converts domain events to and from their wire form.
// Documents and event payloads are opaque JSON blobs, so the wire format is a
// JSON envelope carrying the event type alongside the serialized payload.
package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/internal/domain/events"
)

// wireEnvelope is the on-the-wire shape of an event.
type wireEnvelope struct {
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload"`
}

// payloadFactory produces the concrete payload type for an event type so
// consumers get typed events back, not raw maps.
type payloadFactory func() any

var payloadFactories = map[events.EventType]payloadFactory{
	coordination.EventTypeJobAssigned:   func() any { return new(coordination.JobAssignedEvent) },
	coordination.EventTypeJobStarted:    func() any { return new(coordination.JobStartedEvent) },
	coordination.EventTypeJobProgressed: func() any { return new(coordination.JobProgressedEvent) },
	coordination.EventTypeJobCompleted:  func() any { return new(coordination.JobCompletedEvent) },
	coordination.EventTypeJobFailed:     func() any { return new(coordination.JobFailedEvent) },
	coordination.EventTypeJobStale:      func() any { return new(coordination.JobStaleEvent) },
}

// RegisterPayloadType installs a factory for an event type. Intended for
// executor-specific event extensions.
func RegisterPayloadType(t events.EventType, factory func() any) {
	payloadFactories[t] = factory
}

// SerializeEventEnvelope produces the wire form for the given event payload.
func SerializeEventEnvelope(t events.EventType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for event %s: %w", t, err)
	}
	return json.Marshal(wireEnvelope{Type: t, Timestamp: time.Now(), Payload: body})
}

// UnmarshalEnvelope splits a wire message into its event type and raw
// payload bytes.
func UnmarshalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("event envelope missing type")
	}
	return env.Type, env.Payload, nil
}

// DeserializePayload hydrates the concrete payload for a known event type.
func DeserializePayload(t events.EventType, data []byte) (any, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("no payload type registered for event %s", t)
	}
	payload := factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for event %s: %w", t, err)
	}
	return payload, nil
}
