package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := New(4)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Close()
	defer b.Close()

	bus.Publish(Update{TopicID: 1, MaxSeq: 5})

	select {
	case u := <-a.Updates():
		assert.Equal(t, uint64(5), u.MaxSeq)
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received update")
	}
	select {
	case u := <-b.Updates():
		assert.Equal(t, uint64(5), u.MaxSeq)
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received update")
	}
}

func TestSlowSubscriberGetsLaggedNotBlocked(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe()
	defer sub.Close()

	// Fill the buffer past capacity without draining it; Publish must
	// never block regardless of how far behind the subscriber is.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Update{TopicID: 1, MaxSeq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	select {
	case <-sub.Lagged():
	default:
		t.Fatal("expected lagged signal after buffer overflow")
	}
}

func TestCloseUnregisters(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())
	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	// publishing after close must not panic or deliver anywhere
	bus.Publish(Update{TopicID: 1, MaxSeq: 1})
}
