// Package events provides an in-process publish/subscribe bus for
// broadcast messages destined for connected web clients. The hub
// subscribes once per websocket connection and forwards each message
// to clients whose machine access allows it.
package events

import "sync"

// subscriberBufferSize is the per-subscriber channel capacity. A
// subscriber that falls this far behind starts losing messages.
const subscriberBufferSize = 64

// Message is a single broadcast unit. Type matches the frame type
// written to web clients. MachineID scopes the message to a machine
// for access filtering; empty means visible to every client.
type Message struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Bus fans out messages to all current subscribers. Publishing never
// blocks: slow subscribers have messages dropped rather than stalling
// the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Message
	next uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Message)}
}

// Subscribe registers a new subscriber and returns its channel along
// with a cancel function. The channel is closed on cancel. Calling
// cancel more than once is safe.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Message, subscriberBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber whose buffer has room.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			// Subscriber buffer full, drop for this subscriber.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
