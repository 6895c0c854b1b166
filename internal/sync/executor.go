package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/notify"
)

// PassResult summarizes one synchronization pass.
type PassResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Exhausted int `json:"exhausted"`
	Retrying  int `json:"retrying"`
}

// SyncPending replays every unresolved action in ascending timestamp
// order. Actions are attempted one at a time; a failed action is left
// in the queue for a later pass and does not stop the actions behind
// it. If a pass is already running the call returns ErrSyncInProgress
// immediately.
func (e *Engine) SyncPending(ctx context.Context) error {
	if !e.passMu.TryLock() {
		return apperrors.New(apperrors.ErrSyncInProgress, "synchronization pass already running")
	}
	defer e.passMu.Unlock()

	start := time.Now()
	if e.notifier != nil {
		e.notifier.Publish(notify.EventSyncStarted, nil)
	}

	pending, err := e.store.GetAllPending(ctx)
	if err != nil {
		e.publishFailed(err)
		return err
	}

	var result PassResult
	for _, action := range pending {
		if err := ctx.Err(); err != nil {
			e.publishFailed(err)
			return err
		}

		result.Attempted++
		switch err := e.executeAction(ctx, action); {
		case err == nil:
			result.Succeeded++
		case apperrors.Is(err, apperrors.ErrReplayExhausted):
			result.Exhausted++
		case apperrors.Is(err, apperrors.ErrReplayFailed):
			result.Retrying++
		default:
			// Storage failure mid-pass: the remaining actions would
			// hit the same store, so abort the pass.
			e.publishFailed(err)
			return err
		}
	}

	metrics.SyncPassDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("synchronization pass completed", map[string]interface{}{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"exhausted": result.Exhausted,
		"retrying":  result.Retrying,
		"duration":  time.Since(start).String(),
	})
	if e.notifier != nil {
		e.notifier.Publish(notify.EventSyncCompleted, map[string]interface{}{
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"exhausted": result.Exhausted,
			"retrying":  result.Retrying,
		})
	}
	return nil
}

func (e *Engine) publishFailed(err error) {
	e.logger.Error("synchronization pass failed", err, nil)
	if e.notifier != nil {
		e.notifier.Publish(notify.EventSyncFailed, map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// executeAction makes one delivery attempt for a pending action. The
// retry counter is incremented and persisted before the request goes
// out, so a crash mid-request still counts the attempt. On success,
// or once the attempt budget is spent, the action is marked resolved
// and queued for grace-period removal.
func (e *Engine) executeAction(ctx context.Context, action *models.PendingAction) error {
	action.RetryCount++
	if err := e.store.Put(ctx, action); err != nil {
		action.RetryCount--
		return err
	}

	metrics.ReplayAttempts.Inc()
	replayErr := e.replay(ctx, action)
	if replayErr == nil {
		if err := e.resolve(ctx, action); err != nil {
			return err
		}
		metrics.ReplayResults.WithLabelValues(metrics.ResultSuccess).Inc()
		e.logger.Info("action replayed", map[string]interface{}{
			"action_id": string(action.ID),
			"entity":    action.Entity,
			"endpoint":  action.Endpoint,
			"attempt":   action.RetryCount,
		})
		e.notifyQueueChanged(ctx)
		return nil
	}

	if action.RetryCount >= e.config.MaxAttempts {
		if err := e.resolve(ctx, action); err != nil {
			return err
		}
		metrics.ReplayResults.WithLabelValues(metrics.ResultExhausted).Inc()
		e.logger.ErrorWithCode("action abandoned after final attempt", string(apperrors.ErrReplayExhausted), replayErr, map[string]interface{}{
			"action_id": string(action.ID),
			"entity":    action.Entity,
			"endpoint":  action.Endpoint,
			"attempts":  action.RetryCount,
		})
		if e.notifier != nil {
			e.notifier.Publish(notify.EventActionExhausted, map[string]interface{}{
				"action_id": string(action.ID),
				"entity":    action.Entity,
				"endpoint":  action.Endpoint,
				"attempts":  action.RetryCount,
			})
		}
		e.notifyQueueChanged(ctx)
		return apperrors.Wrap(apperrors.ErrReplayExhausted, "action abandoned", replayErr)
	}

	metrics.ReplayResults.WithLabelValues(metrics.ResultRetry).Inc()
	e.logger.Warn("action replay failed, will retry", map[string]interface{}{
		"action_id": string(action.ID),
		"endpoint":  action.Endpoint,
		"attempt":   action.RetryCount,
		"error":     replayErr.Error(),
	})
	return apperrors.Wrap(apperrors.ErrReplayFailed, "action replay failed", replayErr)
}

// resolve marks the action resolved, persists it, and schedules the
// grace-period removal.
func (e *Engine) resolve(ctx context.Context, action *models.PendingAction) error {
	action.Resolved = true
	if err := e.store.Put(ctx, action); err != nil {
		action.Resolved = false
		return err
	}
	e.scheduleCleanup(action.ID)
	return nil
}

// replay performs the HTTP request an action captured. Any transport
// error or non-2xx status counts as a failed attempt.
func (e *Engine) replay(ctx context.Context, action *models.PendingAction) error {
	var body io.Reader
	if len(action.Data) > 0 {
		body = bytes.NewReader(action.Data)
	}
	req, err := http.NewRequestWithContext(ctx, action.Method, e.actionURL(action.Endpoint), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *Engine) actionURL(endpoint string) string {
	base := strings.TrimRight(e.config.BaseURL, "/")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}
