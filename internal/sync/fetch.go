package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/fieldsync/fieldsync/internal/models"
)

// FetchRequest describes a mutation destined for the remote API.
type FetchRequest struct {
	Entity   string          `json:"entity"`
	EntityID string          `json:"entityId,omitempty"`
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// FetchResponse is the outcome of FetchWithOfflineSupport. When
// Queued is true the remote was never reached and StatusCode is a
// synthetic 202 standing in for eventual delivery.
type FetchResponse struct {
	StatusCode int             `json:"status"`
	Body       json.RawMessage `json:"body,omitempty"`
	Queued     bool            `json:"queued"`
	ActionID   models.UUID     `json:"actionId,omitempty"`
}

// FetchWithOfflineSupport sends the mutation to the remote API when
// the device is online, and falls back to the pending queue when the
// device is offline or the request fails at the transport level. A
// response from the remote is returned as-is, success or not; only
// the inability to reach the remote at all diverts the mutation into
// the queue.
func (e *Engine) FetchWithOfflineSupport(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if e.conn.Online() {
		resp, err := e.send(ctx, req)
		if err == nil {
			return resp, nil
		}
		e.logger.Warn("remote request failed, queueing for replay", map[string]interface{}{
			"entity":   req.Entity,
			"endpoint": req.Endpoint,
			"error":    err.Error(),
		})
	}

	op := models.DeriveOperation(req.Method, req.EntityID)
	action, err := e.Enqueue(ctx, req.Entity, op, req.Data, req.Endpoint, req.Method, req.EntityID)
	if err != nil {
		return nil, err
	}
	e.Kick()

	body, _ := json.Marshal(map[string]interface{}{
		"queued":   true,
		"actionId": action.ID,
	})
	return &FetchResponse{
		StatusCode: http.StatusAccepted,
		Body:       body,
		Queued:     true,
		ActionID:   action.ID,
	}, nil
}

// send performs the request directly against the remote API.
func (e *Engine) send(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	var body io.Reader
	if len(req.Data) > 0 {
		body = bytes.NewReader(req.Data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, e.actionURL(req.Endpoint), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &FetchResponse{
		StatusCode: resp.StatusCode,
		Body:       respBody,
	}, nil
}
