// Package handlers provides the REST API of the companion daemon.
// Applications talk to the daemon on localhost; the daemon owns the
// pending action queue and relays mutations to the remote API.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/sync/scheduler"
)

// ActionHandler serves the queue endpoints.
type ActionHandler struct {
	engine    *sync.Engine
	scheduler *scheduler.Scheduler
}

// NewActionHandler creates an ActionHandler.
func NewActionHandler(engine *sync.Engine, scheduler *scheduler.Scheduler) *ActionHandler {
	return &ActionHandler{engine: engine, scheduler: scheduler}
}

type enqueueRequest struct {
	Entity   string          `json:"entity"`
	EntityID string          `json:"entityId,omitempty"`
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Enqueue handles POST /api/actions. The action is persisted first;
// if the device is online a background synchronization pass starts
// immediately after.
func (h *ActionHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	op := models.DeriveOperation(req.Method, req.EntityID)
	action, err := h.engine.Enqueue(r.Context(), req.Entity, op, req.Data, req.Endpoint, req.Method, req.EntityID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.engine.Kick()

	writeJSON(w, http.StatusCreated, action)
}

// Fetch handles POST /api/fetch: the request goes straight to the
// remote when possible and into the queue when not. The response is
// either the remote's own, or a synthetic 202 acknowledging the
// queued action.
func (h *ActionHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	var req sync.FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.engine.FetchWithOfflineSupport(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPending handles GET /api/actions/pending.
func (h *ActionHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.ListPending(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if pending == nil {
		pending = []*models.PendingAction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": pending,
		"count":   len(pending),
	})
}

// Count handles GET /api/actions/count.
func (h *ActionHandler) Count(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.PendingCount(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": count})
}

// SyncNow handles POST /api/sync. A pass already in progress is
// reported as 409 rather than queueing a second one.
func (h *ActionHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.SyncNow(r.Context()); err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, "synchronization already in progress")
			return
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "completed"})
}

// Status handles GET /api/status.
func (h *ActionHandler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.PendingCount(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}

	st := h.scheduler.Status()
	body := map[string]interface{}{
		"running":      st.Running,
		"online":       st.Online,
		"pending":      count,
		"lastSyncTime": st.LastSyncTime,
	}
	if st.LastSyncErr != "" {
		body["lastSyncError"] = st.LastSyncErr
	}
	writeJSON(w, http.StatusOK, body)
}

// Health handles GET /api/health.
func (h *ActionHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "fieldsyncd",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("failed to encode response", err, nil)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}

// writeAppError maps an engine error to an HTTP status by its code.
func writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrActionNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrStorageUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
