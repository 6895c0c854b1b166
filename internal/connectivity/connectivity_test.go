package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualInitialState(t *testing.T) {
	assert.True(t, NewManual(true).Online())
	assert.False(t, NewManual(false).Online())
}

func TestManualNotifiesOnTransition(t *testing.T) {
	m := NewManual(true)

	var transitions []bool
	cancel := m.Subscribe(func(online bool) {
		transitions = append(transitions, online)
	})
	defer cancel()

	m.SetOnline(false)
	m.SetOnline(false) // no transition, no callback
	m.SetOnline(true)

	assert.Equal(t, []bool{false, true}, transitions)
	assert.True(t, m.Online())
}

func TestManualCancelStopsNotifications(t *testing.T) {
	m := NewManual(true)

	var calls int
	cancel := m.Subscribe(func(bool) { calls++ })

	m.SetOnline(false)
	cancel()
	m.SetOnline(true)

	assert.Equal(t, 1, calls)
}

func TestMonitorDetectsOfflineAndRecovery(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			// Hijack and drop the connection to simulate an unreachable origin.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(srv.Client(), srv.URL+"/api/health", 10*time.Millisecond)
	defer m.Stop()

	offlineSeen := make(chan struct{}, 1)
	onlineSeen := make(chan struct{}, 1)
	cancel := m.Subscribe(func(online bool) {
		if online {
			select {
			case onlineSeen <- struct{}{}:
			default:
			}
		} else {
			select {
			case offlineSeen <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()
	m.Start(ctx)

	healthy.Store(false)
	select {
	case <-offlineSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never reported offline")
	}
	assert.False(t, m.Online())

	healthy.Store(true)
	select {
	case <-onlineSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never reported recovery")
	}
	assert.True(t, m.Online())
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	m := NewMonitor(nil, "http://127.0.0.1:0/health", time.Hour)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}
