package events

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	a := bus.Subscribe("a", 8)
	b := bus.Subscribe("b", 8)

	bus.Publish(Event{Kind: KindCallState, CallID: "c1", State: "offering"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, "c1", ev.CallID)
			assert.Equal(t, KindCallState, ev.Kind)
			assert.False(t, ev.Timestamp.IsZero(), "bus stamps events on publish")
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	sub := bus.Subscribe("slow", 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: KindDigit, CallID: "c1", Digit: "1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Equal(t, uint64(8), sub.Dropped())

	received := 0
	for {
		select {
		case <-sub.Events():
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, received)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	sub := bus.Subscribe("x", 4)
	sub.Close()

	// Publishing after a subscriber left must not panic or deliver
	bus.Publish(Event{Kind: KindMediaLost, CallID: "c1"})

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(testLogger())
	sub := bus.Subscribe("x", 4)

	bus.Close()

	select {
	case _, open := <-sub.Events():
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}
}
