// Package sync implements the offline action queue and its replay
// engine. Mutations performed while the remote API is unreachable are
// captured as pending actions in local storage and replayed, oldest
// first, once connectivity returns.
package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/db"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/notify"
	"github.com/fieldsync/fieldsync/internal/uuid"
)

const (
	// DefaultMaxAttempts is the total number of delivery attempts an
	// action receives before it is abandoned.
	DefaultMaxAttempts = 3

	// DefaultGracePeriod is how long a resolved action is retained
	// before it is removed from storage.
	DefaultGracePeriod = 60 * time.Second

	cleanupOpTimeout = 10 * time.Second
)

// Config holds the tunable knobs of the replay engine.
type Config struct {
	// BaseURL is the remote API origin pending actions are replayed
	// against. Action endpoints are joined onto it.
	BaseURL string

	// MaxAttempts caps the total delivery attempts per action.
	MaxAttempts int

	// GracePeriod is the retention window for resolved actions.
	GracePeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
}

// Engine owns the pending action queue: it persists new actions,
// replays them against the remote API, and retires them after a grace
// period. A single Engine is shared by the HTTP handlers and the
// scheduler.
type Engine struct {
	store    *db.ActionStore
	client   *http.Client
	conn     connectivity.Observer
	notifier *notify.Notifier
	config   Config
	logger   *logging.Logger

	// passMu serializes synchronization passes. Acquired with TryLock
	// so overlapping triggers coalesce instead of queueing up.
	passMu sync.Mutex

	cleanupMu sync.Mutex
	cleanups  map[models.UUID]*time.Timer
	closed    bool
}

// NewEngine wires the replay engine to its storage, connectivity
// source and event notifier. A nil client falls back to
// http.DefaultClient.
func NewEngine(store *db.ActionStore, conn connectivity.Observer, notifier *notify.Notifier, client *http.Client, cfg Config) *Engine {
	cfg.applyDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		store:    store,
		client:   client,
		conn:     conn,
		notifier: notifier,
		config:   cfg,
		logger:   logging.Get(),
		cleanups: make(map[models.UUID]*time.Timer),
	}
}

// Enqueue validates and persists a new pending action. It does not
// attempt delivery; callers that want an immediate replay follow up
// with Kick. The returned action carries the generated id and
// timestamp.
func (e *Engine) Enqueue(ctx context.Context, entity string, op models.Operation, data json.RawMessage, endpoint, method, entityID string) (*models.PendingAction, error) {
	if entity == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity is required")
	}
	if endpoint == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "endpoint is required")
	}
	if method == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "method is required")
	}
	switch op {
	case models.OperationCreate, models.OperationUpdate, models.OperationDelete:
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown operation: "+string(op))
	}

	action := &models.PendingAction{
		ID:        models.UUID(uuid.New()),
		Timestamp: time.Now().UnixMilli(),
		Entity:    entity,
		Operation: op,
		EntityID:  entityID,
		Data:      data,
		Endpoint:  endpoint,
		Method:    strings.ToUpper(method),
	}
	if err := e.store.Put(ctx, action); err != nil {
		return nil, err
	}

	metrics.ActionsEnqueued.WithLabelValues(entity).Inc()
	e.logger.Info("action enqueued", map[string]interface{}{
		"action_id": string(action.ID),
		"entity":    entity,
		"operation": string(op),
		"endpoint":  endpoint,
	})
	e.notifyQueueChanged(ctx)
	return action, nil
}

// Kick starts a synchronization pass in the background if the device
// is currently online. It never blocks the caller.
func (e *Engine) Kick() {
	if !e.conn.Online() {
		return
	}
	go func() {
		if err := e.SyncPending(context.Background()); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			e.logger.Error("background synchronization failed", err, nil)
		}
	}()
}

// ListPending returns the unresolved actions in replay order.
func (e *Engine) ListPending(ctx context.Context) ([]*models.PendingAction, error) {
	return e.store.GetAllPending(ctx)
}

// PendingCount returns the number of unresolved actions.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.CountPending(ctx)
}

// Close cancels the scheduled grace-period cleanups. Resolved actions
// whose timers were cancelled stay in storage until the next process
// start purges them.
func (e *Engine) Close() {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, timer := range e.cleanups {
		timer.Stop()
		delete(e.cleanups, id)
	}
}

// scheduleCleanup arranges deletion of a resolved action after the
// configured grace period.
func (e *Engine) scheduleCleanup(id models.UUID) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()
	if e.closed {
		return
	}
	if old, ok := e.cleanups[id]; ok {
		old.Stop()
	}
	e.cleanups[id] = time.AfterFunc(e.config.GracePeriod, func() {
		e.cleanupMu.Lock()
		delete(e.cleanups, id)
		closed := e.closed
		e.cleanupMu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), cleanupOpTimeout)
		defer cancel()
		if err := e.store.Delete(ctx, string(id)); err != nil {
			e.logger.Error("failed to remove resolved action", err, map[string]interface{}{
				"action_id": string(id),
			})
			return
		}
		e.notifyQueueChanged(ctx)
	})
}

// notifyQueueChanged publishes the current pending count to event
// subscribers and refreshes the pending gauge. Failures here are
// logged and swallowed: notification is best effort.
func (e *Engine) notifyQueueChanged(ctx context.Context) {
	count, err := e.store.CountPending(ctx)
	if err != nil {
		e.logger.Error("failed to count pending actions", err, nil)
		return
	}
	metrics.PendingActions.Set(float64(count))
	if e.notifier != nil {
		e.notifier.QueueChanged(count)
	}
}
