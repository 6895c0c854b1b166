// Package models provides data model definitions for the offline action queue.
package models

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// UUID is a string-typed UUID used as a primary key.
type UUID string

// Operation classifies the write a pending action replays.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// DeriveOperation derives the operation from the HTTP method and the
// presence of an entity id, matching how actions are classified at
// enqueue time.
func DeriveOperation(method, entityID string) Operation {
	switch strings.ToUpper(method) {
	case http.MethodDelete:
		return OperationDelete
	default:
		if entityID != "" {
			return OperationUpdate
		}
		return OperationCreate
	}
}

// PendingAction is a queued, not-yet-confirmed write operation awaiting
// replay against the remote API. All fields except RetryCount and Resolved
// are immutable after enqueue.
type PendingAction struct {
	ID         UUID            `db:"id" json:"id"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"` // unix millis, ordering key
	Entity     string          `db:"entity" json:"entity"`
	Operation  Operation       `db:"operation" json:"operation"`
	EntityID   string          `db:"entity_id" json:"entity_id,omitempty"`
	Data       json.RawMessage `db:"data" json:"data,omitempty"`
	Endpoint   string          `db:"endpoint" json:"endpoint"`
	Method     string          `db:"method" json:"method"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Resolved   bool            `db:"resolved" json:"resolved"`
}

// TableName returns the table name for PendingAction.
func (PendingAction) TableName() string {
	return "pending_actions"
}

// Time returns the creation Timestamp as time.Time.
func (a *PendingAction) Time() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// Pending reports whether the action is still visible to the scheduler.
func (a *PendingAction) Pending() bool {
	return !a.Resolved
}
