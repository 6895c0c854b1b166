package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierPublishDeliversToSubscribers(t *testing.T) {
	n := NewNotifier()

	var got []Event
	cancel := n.Subscribe(func(e Event) { got = append(got, e) })
	defer cancel()

	n.Publish(EventSyncStarted, map[string]interface{}{"trigger": "manual"})

	require.Len(t, got, 1)
	assert.Equal(t, EventSyncStarted, got[0].Type)
	assert.Equal(t, "manual", got[0].Data["trigger"])
	assert.NotZero(t, got[0].Timestamp)
}

func TestNotifierCancelStopsDelivery(t *testing.T) {
	n := NewNotifier()

	var calls int
	cancel := n.Subscribe(func(Event) { calls++ })

	n.QueueChanged(1)
	cancel()
	n.QueueChanged(2)

	assert.Equal(t, 1, calls)
}

func TestNotifierMultipleSubscribers(t *testing.T) {
	n := NewNotifier()

	var a, b int
	defer n.Subscribe(func(Event) { a++ })()
	defer n.Subscribe(func(Event) { b++ })()

	n.QueueChanged(3)

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestQueueChangedCarriesDepth(t *testing.T) {
	n := NewNotifier()

	var got Event
	defer n.Subscribe(func(e Event) { got = e })()

	n.QueueChanged(7)

	assert.Equal(t, EventQueueChanged, got.Type)
	assert.Equal(t, 7, got.Data["pending"])
}

func TestPublishWithNoSubscribersIsSafe(t *testing.T) {
	n := NewNotifier()
	n.Publish(EventSyncFailed, nil)
}
