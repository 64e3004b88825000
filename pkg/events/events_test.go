package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(string(WorkerSelected), map[string]any{"worker_id": "w1"})

	select {
	case ev := <-sub:
		assert.Equal(t, WorkerSelected, ev.Kind)
		assert.Equal(t, "w1", ev.Fields["worker_id"])
	case <-time.After(time.Second):
		t.Fatal("event was never delivered")
	}
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "subscriber channel should be closed")
}

func TestBroker_SlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe() // never drained

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(string(BuildCompleted), map[string]any{"i": i})
	}
	// Publish must not block regardless of subscriber backlog; reaching
	// here at all is the assertion.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.DroppedFor(sub) > 0)
}

func TestBroker_StopClosesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Stop()

	_, ok1 := <-sub1
	_, ok2 := <-sub2
	assert.False(t, ok1)
	assert.False(t, ok2)
}
