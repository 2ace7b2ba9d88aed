package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(4)
	defer sub.Close()

	bus.Publish(Event{Kind: KindLogLine, LogLine: &LogLinePayload{Level: LevelInfo, Text: "hi"}})

	e := <-sub.Events()
	assert.Equal(t, KindLogLine, e.Kind)
	assert.NotEqual(t, "", e.ID.String())
}

func TestPublishFanOutToMultipleSubscribers(t *testing.T) {
	bus := New()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	defer a.Close()
	defer b.Close()

	bus.Publish(Event{Kind: KindLogLine, LogLine: &LogLinePayload{Text: "x"}})

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
}

func TestSlowSubscriberDropsOldestNeverBlocks(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(2)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Kind: KindLogLine, LogLine: &LogLinePayload{Text: "line"}})
	}

	assert.Greater(t, sub.Dropped(), int64(0))
	assert.LessOrEqual(t, len(sub.Events()), 2)
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(4)
	sub.Close()

	bus.Publish(Event{Kind: KindLogLine})
	_, ok := <-sub.Events()
	assert.False(t, ok)
}
