package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/notify"
	syncpkg "github.com/fieldsync/fieldsync/internal/sync"
)

func TestMain(m *testing.M) {
	logging.Init(io.Discard, logging.LevelError)
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T, baseURL string, online bool) (*syncpkg.Engine, *connectivity.Manual) {
	t.Helper()

	database, store, err := db.OpenActionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		database.Close()
	})

	conn := connectivity.NewManual(online)
	engine := syncpkg.NewEngine(store, conn, notify.NewNotifier(), &http.Client{Timeout: 5 * time.Second}, syncpkg.Config{
		BaseURL:     baseURL,
		GracePeriod: time.Hour,
	})
	t.Cleanup(engine.Close)
	return engine, conn
}

func enqueueOne(t *testing.T, engine *syncpkg.Engine) {
	t.Helper()
	_, err := engine.Enqueue(context.Background(), "reports", models.OperationCreate,
		json.RawMessage(`{"name":"test"}`), "/api/reports", http.MethodPost, "")
	require.NoError(t, err)
}

func drained(engine *syncpkg.Engine) func() bool {
	return func() bool {
		count, err := engine.PendingCount(context.Background())
		return err == nil && count == 0
	}
}

func TestStartRunsPassWhenAlreadyOnline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, conn := newTestEngine(t, server.URL, true)
	enqueueOne(t, engine)

	s := NewScheduler(engine, conn, time.Hour)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, drained(engine), 2*time.Second, 10*time.Millisecond)
}

func TestOfflineToOnlineTransitionTriggersPass(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, conn := newTestEngine(t, server.URL, false)
	enqueueOne(t, engine)

	s := NewScheduler(engine, conn, time.Hour)
	s.Start(context.Background())
	defer s.Stop()

	// Offline: nothing replays.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), hits.Load())

	conn.SetOnline(true)
	require.Eventually(t, drained(engine), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())
}

func TestPeriodicSweepDrainsQueue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, conn := newTestEngine(t, server.URL, true)

	s := NewScheduler(engine, conn, 20*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	// Enqueued after startup, drained only by the sweep.
	enqueueOne(t, engine)
	require.Eventually(t, drained(engine), 2*time.Second, 10*time.Millisecond)
}

func TestSweepSkippedWhileOffline(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	engine, conn := newTestEngine(t, server.URL, false)
	enqueueOne(t, engine)

	s := NewScheduler(engine, conn, 10*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), hits.Load())

	count, err := engine.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncNowAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, conn := newTestEngine(t, server.URL, true)
	s := NewScheduler(engine, conn, time.Hour)

	st := s.Status()
	assert.False(t, st.Running)
	assert.True(t, st.Online)
	assert.True(t, st.LastSyncTime.IsZero())

	s.Start(context.Background())
	require.NoError(t, s.SyncNow(context.Background()))

	st = s.Status()
	assert.True(t, st.Running)
	assert.False(t, st.LastSyncTime.IsZero())
	assert.Empty(t, st.LastSyncErr)

	s.Stop()
	assert.False(t, s.Status().Running)
}

func TestStopIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	engine, conn := newTestEngine(t, server.URL, true)
	s := NewScheduler(engine, conn, time.Hour)
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
