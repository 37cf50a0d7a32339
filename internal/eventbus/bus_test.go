package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/internal/eventbus"
)

func TestPublishOrderAndFiltering(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	defer bus.Shutdown()

	var seen []eventbus.Kind
	bus.SubscribeFunc(func(evt eventbus.Event) {
		seen = append(seen, evt.Kind())
	})

	var taskOnly []string
	bus.SubscribeFunc(func(evt eventbus.Event) {
		taskOnly = append(taskOnly, evt.(eventbus.TaskCompleted).TaskID)
	}, eventbus.KindTaskCompleted)

	bus.Publish(eventbus.TaskStarted{TaskID: "t1", At: time.Now()})
	bus.Publish(eventbus.TaskCompleted{TaskID: "t1", At: time.Now()})
	bus.Publish(eventbus.DeviceStatusChanged{DeviceID: "d1", From: "idle", To: "busy", At: time.Now()})
	bus.Publish(eventbus.TaskCompleted{TaskID: "t2", At: time.Now()})

	assert.Equal(t, []eventbus.Kind{
		eventbus.KindTaskStarted,
		eventbus.KindTaskCompleted,
		eventbus.KindDeviceStatusChanged,
		eventbus.KindTaskCompleted,
	}, seen)
	assert.Equal(t, []string{"t1", "t2"}, taskOnly)
}

func TestObserverPanicDoesNotAbortPublisher(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	defer bus.Shutdown()

	bus.SubscribeFunc(func(eventbus.Event) {
		panic("observer bug")
	})

	delivered := 0
	bus.SubscribeFunc(func(eventbus.Event) {
		delivered++
	})

	require.NotPanics(t, func() {
		bus.Publish(eventbus.TaskStarted{TaskID: "t1", At: time.Now()})
		bus.Publish(eventbus.TaskStarted{TaskID: "t2", At: time.Now()})
	})
	assert.Equal(t, 2, delivered, "later observers still receive events")
}

func TestChannelSubscription(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	defer bus.Shutdown()

	sub, ch := bus.Subscribe(context.Background(), 2, eventbus.KindConstellationMutated)

	bus.Publish(eventbus.ConstellationMutated{ConstellationID: "c1", Summary: "add star", At: time.Now()})
	bus.Publish(eventbus.TaskStarted{TaskID: "t1", At: time.Now()}) // filtered out

	select {
	case evt := <-ch:
		mutated, ok := evt.(eventbus.ConstellationMutated)
		require.True(t, ok)
		assert.Equal(t, "c1", mutated.ConstellationID)
	default:
		t.Fatal("expected a buffered event")
	}
	assert.False(t, sub.Missed())
}

func TestChannelOverflowSetsMissed(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	defer bus.Shutdown()

	sub, ch := bus.Subscribe(context.Background(), 1)

	bus.Publish(eventbus.TaskStarted{TaskID: "t1", At: time.Now()})
	bus.Publish(eventbus.TaskStarted{TaskID: "t2", At: time.Now()}) // dropped

	assert.True(t, sub.Missed(), "overflow records a missed delivery")
	assert.False(t, sub.Missed(), "flag resets after read")

	evt := <-ch
	assert.Equal(t, eventbus.KindTaskStarted, evt.Kind())
}

func TestCancelDetaches(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	defer bus.Shutdown()

	count := 0
	sub := bus.SubscribeFunc(func(eventbus.Event) { count++ })

	bus.Publish(eventbus.TaskStarted{TaskID: "t1", At: time.Now()})
	sub.Cancel()
	bus.Publish(eventbus.TaskStarted{TaskID: "t2", At: time.Now()})

	assert.Equal(t, 1, count)
	assert.Zero(t, bus.SubscriberCount())
}

func TestContextCancelDetachesAndClosesChannel(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch := bus.Subscribe(ctx, 1)

	cancel()
	bus.Publish(eventbus.TaskStarted{TaskID: "t1", At: time.Now()})

	_, open := <-ch
	assert.False(t, open, "channel closes once the context is done")
	assert.Zero(t, bus.SubscriberCount())
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()

	_, ch := bus.Subscribe(context.Background(), 1)
	delivered := 0
	bus.SubscribeFunc(func(eventbus.Event) { delivered++ })

	bus.Shutdown()
	bus.Publish(eventbus.TaskStarted{TaskID: "t1", At: time.Now()})

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, delivered)

	// Subscribing after shutdown yields an already-closed channel.
	_, late := bus.Subscribe(context.Background(), 1)
	_, open = <-late
	assert.False(t, open)
}
