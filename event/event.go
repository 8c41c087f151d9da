// Package event implements the notification bus for the meshnet core.
//
// The core never calls into a UI or notification layer directly. Instead it
// publishes typed events on a Bus and consumers subscribe with buffered
// channels. Slow consumers lose events rather than block the protocol engine.
//
// Example:
//
//	bus := event.NewBus()
//	events, cancel := bus.Subscribe(16)
//	defer cancel()
//	for ev := range events {
//	    fmt.Println(ev.Type)
//	}
package event

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	// TypeConnectionState fires on every connection state transition.
	TypeConnectionState Type = "connection_state"
	// TypeMessageReceived fires for every inbound broadcast message.
	TypeMessageReceived Type = "message_received"
	// TypeMessageStatus fires when a delivery record changes status.
	TypeMessageStatus Type = "message_status"
	// TypeQueueFull fires when the outbound queue rejects a message.
	TypeQueueFull Type = "queue_full"
	// TypeKeyReceived fires when a peer's public key arrives.
	TypeKeyReceived Type = "key_received"
	// TypeKeyRequestTimeout fires when a public key request goes unanswered.
	TypeKeyRequestTimeout Type = "key_request_timeout"
	// TypeDirectMessage fires for every decrypted inbound direct message.
	TypeDirectMessage Type = "direct_message"
	// TypeReadReceipt fires when a peer confirms reading a direct message.
	TypeReadReceipt Type = "read_receipt"
	// TypeUndecryptable fires when an inbound direct message cannot be
	// decrypted. The original ciphertext is preserved in the payload.
	TypeUndecryptable Type = "undecryptable"
	// TypeTracerouteDone fires when a traceroute completes or times out.
	TypeTracerouteDone Type = "traceroute_done"
	// TypeNodeSeen fires when a mesh node is heard from.
	TypeNodeSeen Type = "node_seen"
	// TypeEmergency fires for inbound SOS traffic.
	TypeEmergency Type = "emergency"
)

// Event is a single notification published by the core.
type Event struct {
	Type    Type
	Payload interface{}
	Time    time.Time
}

// Bus is a channel-based publish/subscribe fan-out.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer with the given channel buffer size and
// returns the receive channel plus a cancel function. Cancel is idempotent
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. Subscribers whose buffer is
// full are skipped so a stalled consumer cannot block the protocol engine.
func (b *Bus) Publish(t Type, payload interface{}) {
	ev := Event{Type: t, Payload: payload, Time: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"function":   "Publish",
				"event_type": t,
				"subscriber": id,
			}).Warn("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
