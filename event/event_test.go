package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(TypeMessageReceived, "hello")

	select {
	case ev := <-events:
		assert.Equal(t, TypeMessageReceived, ev.Type)
		assert.Equal(t, "hello", ev.Payload)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBusFullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Second publish must not block even though nobody drains the channel.
	done := make(chan struct{})
	go func() {
		bus.Publish(TypeNodeSeen, 1)
		bus.Publish(TypeNodeSeen, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusCancelIdempotent(t *testing.T) {
	bus := NewBus()
	events, cancel := bus.Subscribe(1)

	require.Equal(t, 1, bus.SubscriberCount())
	cancel()
	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-events
	assert.False(t, open, "channel should be closed after cancel")
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(2)
	b, cancelB := bus.Subscribe(2)
	defer cancelA()
	defer cancelB()

	bus.Publish(TypeQueueFull, nil)

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeQueueFull, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}
