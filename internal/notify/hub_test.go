package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upgrader only allows localhost origins.
		r.Host = "localhost"
		HandleWebSocket(hub)(w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Wait for registration before broadcasting.
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestHubBroadcastsNotifierEvents(t *testing.T) {
	hub := NewWSHub()
	defer hub.Stop()

	n := NewNotifier()
	defer hub.Bind(n)()

	conn := dialTestHub(t, hub)

	n.QueueChanged(4)

	event := readEvent(t, conn)
	assert.Equal(t, EventQueueChanged, event.Type)
	assert.EqualValues(t, 4, event.Data["pending"])
}

func TestHubSubscriptionFiltering(t *testing.T) {
	hub := NewWSHub()
	defer hub.Stop()

	n := NewNotifier()
	defer hub.Bind(n)()

	conn := dialTestHub(t, hub)

	// Subscribe to sync.completed only.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventSyncCompleted},
	}))

	// First frame back is the subscription ack.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, ack, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(ack), "subscribe_ack")

	n.Publish(EventQueueChanged, nil)
	n.Publish(EventSyncCompleted, map[string]interface{}{"attempted": 1})

	event := readEvent(t, conn)
	assert.Equal(t, EventSyncCompleted, event.Type,
		"filtered-out queue.changed must not be delivered first")
}

func TestHubPingPong(t *testing.T) {
	hub := NewWSHub()
	defer hub.Stop()

	conn := dialTestHub(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "pong")
}
