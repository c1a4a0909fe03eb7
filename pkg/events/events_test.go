package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hutch/pkg/types"
)

func TestBrokerDeliversToAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe()
	sub2 := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	ev := &types.Event{ID: 7, Type: types.EventServiceDeployed}
	broker.Publish(ev)

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case got := <-sub:
			assert.Equal(t, uint64(7), got.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Unsubscribing twice must not panic.
	broker.Unsubscribe(sub)
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	// Overrun the per-subscriber buffer; the broker must keep going.
	for i := 0; i < 200; i++ {
		broker.Publish(&types.Event{ID: uint64(i + 1)})
	}

	// Give the distribution loop time to drain its input.
	deadline := time.After(time.Second)
	received := 0
	for received < 50 {
		select {
		case <-sub:
			received++
		case <-deadline:
			t.Fatalf("received only %d events before deadline", received)
		}
	}
	assert.Equal(t, 50, received)
}

func TestBrokerPublishAfterStop(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()

	// Must not block or panic.
	done := make(chan struct{})
	go func() {
		broker.Publish(&types.Event{ID: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}

	broker.Stop() // idempotent
}
