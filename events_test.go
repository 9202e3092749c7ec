package obniz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	t.Parallel()
	var b eventBus

	ch1, cancel1 := b.subscribe(EventNotify, 1)
	ch2, cancel2 := b.subscribe(EventNotify, 1)
	defer cancel2()

	b.publish(EventMessage{Event: EventConnect}) // no subscribers, no harm
	b.publish(EventMessage{Event: EventNotify})
	// full buffers drop instead of stalling the publisher
	b.publish(EventMessage{Event: EventNotify})

	m, ok := <-ch1
	require.True(t, ok)
	assert.Equal(t, EventNotify, m.Event)

	cancel1()
	_, ok = <-ch1
	assert.False(t, ok, "cancel closes the channel")
	cancel1() // second cancel is a no-op

	b.publish(EventMessage{Event: EventNotify})
	assert.Len(t, ch2, 1)
}

func TestEventString(t *testing.T) {
	t.Parallel()
	cases := map[Event]string{
		EventInvalid:   "invalid",
		EventConnect:   "connect",
		EventClose:     "close",
		EventNotify:    "notify",
		eventClosedAck: "closed-ack",
		Event(200):     "unknown(200)",
	}
	for e, expect := range cases {
		assert.Equal(t, expect, e.String())
	}
}
