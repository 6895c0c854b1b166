// Package db provides the pending action store used by the sync engine.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/models"
)

// ActionStore persists PendingAction records. The engine exclusively owns
// the lifecycle of these records; application code only reads them.
type ActionStore struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewActionStore creates an ActionStore over an open database.
func NewActionStore(db *DB) *ActionStore {
	return &ActionStore{db: db.DB}
}

// OpenActionStore opens the store under dataDir and idempotently applies
// the schema. This is the composition-root entry point for the engine.
func OpenActionStore(dataDir string) (*DB, *ActionStore, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, nil, err
	}
	if err := NewMigrator(database.DB).Up(); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, NewActionStore(database), nil
}

// prepareStmt gets or creates a prepared statement from the cache.
func (s *ActionStore) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate.
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *ActionStore) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

const actionColumns = `id, timestamp, entity, operation, entity_id, data, endpoint, method, retry_count, resolved`

// Put inserts or replaces a record by id.
func (s *ActionStore) Put(ctx context.Context, a *models.PendingAction) error {
	query := `
	INSERT OR REPLACE INTO pending_actions (` + actionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var entityID sql.NullString
	if a.EntityID != "" {
		entityID = sql.NullString{String: a.EntityID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Timestamp, a.Entity, a.Operation, entityID,
		[]byte(a.Data), a.Endpoint, a.Method, a.RetryCount, a.Resolved)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to persist pending action", err)
	}
	return nil
}

// Get retrieves an action by id. Returns an ACTION_NOT_FOUND error when
// the record does not exist.
func (s *ActionStore) Get(ctx context.Context, id string) (*models.PendingAction, error) {
	query := `SELECT ` + actionColumns + ` FROM pending_actions WHERE id = ?`

	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	a, err := scanAction(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrActionNotFound, fmt.Sprintf("action %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read pending action", err)
	}
	return a, nil
}

// GetAllPending returns every record with resolved = false, in ascending
// timestamp order (ties broken by id for a stable pass order).
func (s *ActionStore) GetAllPending(ctx context.Context) ([]*models.PendingAction, error) {
	query := `
	SELECT ` + actionColumns + ` FROM pending_actions
	WHERE resolved = 0
	ORDER BY timestamp ASC, id ASC
	`
	return s.queryActions(ctx, query)
}

// All returns every record in the store regardless of resolution state.
func (s *ActionStore) All(ctx context.Context) ([]*models.PendingAction, error) {
	query := `SELECT ` + actionColumns + ` FROM pending_actions ORDER BY timestamp ASC, id ASC`
	return s.queryActions(ctx, query)
}

// CountPending returns the number of unresolved actions.
func (s *ActionStore) CountPending(ctx context.Context) (int, error) {
	stmt, err := s.prepareStmt(`SELECT COUNT(*) FROM pending_actions WHERE resolved = 0`)
	if err != nil {
		return 0, err
	}

	var count int
	if err := stmt.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending actions", err)
	}
	return count, nil
}

// Delete removes a record. Deleting an absent record is a no-op, not an
// error, so cleanup can race with manual removal safely.
func (s *ActionStore) Delete(ctx context.Context, id string) error {
	stmt, err := s.prepareStmt(`DELETE FROM pending_actions WHERE id = ?`)
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete pending action", err)
	}
	return nil
}

// PurgeResolved removes every resolved record and returns how many
// were deleted. Resolved records normally age out individually after
// their grace period; this handles records orphaned by a shutdown
// before the timer fired.
func (s *ActionStore) PurgeResolved(ctx context.Context) (int, error) {
	stmt, err := s.prepareStmt(`DELETE FROM pending_actions WHERE resolved = 1`)
	if err != nil {
		return 0, err
	}

	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge resolved actions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *ActionStore) queryActions(ctx context.Context, query string) ([]*models.PendingAction, error) {
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query pending actions", err)
	}
	defer rows.Close()

	var actions []*models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan pending action", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate pending actions", err)
	}
	return actions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*models.PendingAction, error) {
	var a models.PendingAction
	var entityID sql.NullString
	var data []byte

	err := row.Scan(&a.ID, &a.Timestamp, &a.Entity, &a.Operation, &entityID,
		&data, &a.Endpoint, &a.Method, &a.RetryCount, &a.Resolved)
	if err != nil {
		return nil, err
	}

	if entityID.Valid {
		a.EntityID = entityID.String
	}
	if len(data) > 0 {
		a.Data = data
	}
	return &a, nil
}
