package db

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/uuid"
)

func openTestStore(t *testing.T) *ActionStore {
	t.Helper()
	_, store, err := OpenActionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestAction(entity string, ts int64) *models.PendingAction {
	return &models.PendingAction{
		ID:        models.UUID(uuid.New()),
		Timestamp: ts,
		Entity:    entity,
		Operation: models.OperationCreate,
		Data:      json.RawMessage(`{"name":"Test"}`),
		Endpoint:  "/api/tasks",
		Method:    "POST",
	}
}

func TestPutAndGetRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := newTestAction("task", 1000)
	a.EntityID = "task-42"
	a.Operation = models.OperationUpdate
	require.NoError(t, store.Put(ctx, a))

	got, err := store.Get(ctx, string(a.ID))
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, int64(1000), got.Timestamp)
	assert.Equal(t, "task", got.Entity)
	assert.Equal(t, models.OperationUpdate, got.Operation)
	assert.Equal(t, "task-42", got.EntityID)
	assert.JSONEq(t, `{"name":"Test"}`, string(got.Data))
	assert.Equal(t, "/api/tasks", got.Endpoint)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, 0, got.RetryCount)
	assert.False(t, got.Resolved)
}

func TestPutReplacesByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := newTestAction("task", 1000)
	require.NoError(t, store.Put(ctx, a))

	a.RetryCount = 2
	a.Resolved = true
	require.NoError(t, store.Put(ctx, a))

	got, err := store.Get(ctx, string(a.ID))
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, got.Resolved)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "replace must not create a second record")
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrActionNotFound))
}

func TestGetAllPendingFiltersResolved(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pending := newTestAction("task", 1000)
	resolved := newTestAction("article", 2000)
	resolved.Resolved = true

	require.NoError(t, store.Put(ctx, pending))
	require.NoError(t, store.Put(ctx, resolved))

	got, err := store.GetAllPending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetAllPendingOrdersByTimestamp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Inserted out of order on purpose.
	for _, ts := range []int64{3000, 1000, 2000} {
		require.NoError(t, store.Put(ctx, newTestAction("task", ts)))
	}

	got, err := store.GetAllPending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1000), got[0].Timestamp)
	assert.Equal(t, int64(2000), got[1].Timestamp)
	assert.Equal(t, int64(3000), got[2].Timestamp)
}

func TestDeleteIsNoOpWhenAbsent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, uuid.New()))

	a := newTestAction("task", 1000)
	require.NoError(t, store.Put(ctx, a))
	require.NoError(t, store.Delete(ctx, string(a.ID)))

	_, err := store.Get(ctx, string(a.ID))
	assert.True(t, apperrors.Is(err, apperrors.ErrActionNotFound))
}

// Durability: enqueued records survive a simulated process restart.
func TestPendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	database, store, err := OpenActionStore(dir)
	require.NoError(t, err)

	a := newTestAction("task", 1000)
	require.NoError(t, store.Put(ctx, a))
	require.NoError(t, store.Close())
	require.NoError(t, database.Close())

	database2, store2, err := OpenActionStore(dir)
	require.NoError(t, err)
	defer database2.Close()
	defer store2.Close()

	got, err := store2.GetAllPending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
	assert.JSONEq(t, string(a.Data), string(got[0].Data))
}

func TestPurgeResolvedRemovesOnlyResolved(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pending := newTestAction("task", 1000)
	require.NoError(t, store.Put(ctx, pending))

	done := newTestAction("task", 2000)
	done.Resolved = true
	require.NoError(t, store.Put(ctx, done))

	purged, err := store.PurgeResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.Get(ctx, string(done.ID))
	assert.True(t, apperrors.Is(err, apperrors.ErrActionNotFound))

	got, err := store.Get(ctx, string(pending.ID))
	require.NoError(t, err)
	assert.Equal(t, pending.ID, got.ID)
}
