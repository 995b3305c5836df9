package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/taskward/internal/domain/events"
)

func TestEventBusDeliversToSubscribedType(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	var received []events.EventEnvelope
	err := bus.Subscribe(ctx, []events.EventType{"job.started"}, func(_ context.Context, evt events.EventEnvelope) error {
		received = append(received, evt)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: "job.started", Payload: "a"}))
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: "job.completed", Payload: "b"}))

	require.Len(t, received, 1)
	assert.Equal(t, "a", received[0].Payload)
}

func TestEventBusAppliesPublishOptions(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	var got events.EventEnvelope
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{"job.progressed"}, func(_ context.Context, evt events.EventEnvelope) error {
		got = evt
		return nil
	}))

	err := bus.Publish(ctx, events.EventEnvelope{Type: "job.progressed"},
		events.WithKey("job-42"),
		events.WithHeaders(map[string]string{"origin": "node-a"}),
	)
	require.NoError(t, err)

	assert.Equal(t, "job-42", got.Key)
	assert.Equal(t, "node-a", got.Headers["origin"])
}

func TestEventBusStopsAtFirstHandlerError(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	handlerErr := errors.New("handler exploded")
	var secondCalled bool
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{"job.failed"}, func(context.Context, events.EventEnvelope) error {
		return handlerErr
	}))
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{"job.failed"}, func(context.Context, events.EventEnvelope) error {
		secondCalled = true
		return nil
	}))

	err := bus.Publish(ctx, events.EventEnvelope{Type: "job.failed"})
	assert.ErrorIs(t, err, handlerErr)
	assert.False(t, secondCalled)
}

func TestEventBusRejectsNilHandler(t *testing.T) {
	bus := NewEventBus()
	assert.Error(t, bus.Subscribe(context.Background(), []events.EventType{"job.started"}, nil))
}

func TestEventBusClosedRejectsPublishAndSubscribe(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(ctx, events.EventEnvelope{Type: "job.started"}))
	assert.Error(t, bus.Subscribe(ctx, []events.EventType{"job.started"}, func(context.Context, events.EventEnvelope) error {
		return nil
	}))
}

func TestEventBusConcurrentPublish(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{"job.progressed"}, func(context.Context, events.EventEnvelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: "job.progressed"}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
}
