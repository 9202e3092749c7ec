package obniz

import (
	"fmt"
	"sync"
)

// Event identifies a client lifecycle moment observable through
// Subscribe. Hooks in Options cover the same moments for callers that
// prefer callbacks.
type Event uint8

const (
	EventInvalid Event = iota
	EventConnect
	EventClose
	EventNotify

	// eventClosedAck fires after a connect attempt has fully wound
	// down: candidates stopped, queue discarded, state back to closed.
	// The reconnect worker keys its next attempt off this.
	eventClosedAck
)

func (e Event) String() string {
	switch e {
	case EventInvalid:
		return "invalid"
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventNotify:
		return "notify"
	case eventClosedAck:
		return "closed-ack"
	}
	return fmt.Sprintf("unknown(%d)", uint8(e))
}

// EventMessage is delivered to subscribed channels. Notification is
// set only for EventNotify.
type EventMessage struct {
	Event        Event
	Notification *Notification
}

// eventBus is a minimal fanout. Slow subscribers lose messages rather
// than stall the session goroutines.
type eventBus struct {
	mu   sync.Mutex
	subs map[Event][]chan EventMessage
}

func (b *eventBus) subscribe(e Event, buf int) (<-chan EventMessage, func()) {
	ch := make(chan EventMessage, buf)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[Event][]chan EventMessage)
	}
	b.subs[e] = append(b.subs[e], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[e]
		for i, c := range list {
			if c == ch {
				b.subs[e] = append(list[:i:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (b *eventBus) publish(m EventMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[m.Event] {
		select {
		case ch <- m:
		default:
		}
	}
}

// Subscribe returns a channel receiving messages for event e and a
// cancel function releasing the subscription. The channel is closed by
// cancel, never by the client.
func (c *Client) Subscribe(e Event, buf int) (<-chan EventMessage, func()) {
	return c.events.subscribe(e, buf)
}
