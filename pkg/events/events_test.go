package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: "transfer", Module: "bank", Height: 3})

	select {
	case ev := <-sub:
		assert.Equal(t, "transfer", ev.Type)
		assert.Equal(t, "bank", ev.Module)
		assert.NotEmpty(t, ev.ID, "publish must assign an ID")
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockBroker(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: "tick"})
	}
	// The subscriber buffer is smaller than 200; the broker must have
	// dropped the overflow instead of deadlocking.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(sub), 64)
}
