package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(dir)
	require.NoError(t, err)
	defer database.Close()

	assert.FileExists(t, filepath.Join(dir, DBFileName))
	require.NoError(t, database.Ping())
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, NewMigrator(first.DB).Up())
	require.NoError(t, first.Close())

	second, err := Open(dir)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, NewMigrator(second.DB).Up())
}

func TestMigratorUp(t *testing.T) {
	database := openTestDB(t)
	m := NewMigrator(database.DB)

	require.NoError(t, m.Up())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	// Schema exists
	var name string
	err = database.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='pending_actions'").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "pending_actions", name)
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	m := NewMigrator(database.DB)

	require.NoError(t, m.Up())
	require.NoError(t, m.Up())

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	assert.Len(t, applied, 1)
	assert.Equal(t, "pending_actions", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)
}

func TestMigratorCreatesIndexes(t *testing.T) {
	database := openTestDB(t)
	require.NoError(t, NewMigrator(database.DB).Up())

	rows, err := database.Query(
		"SELECT name FROM sqlite_master WHERE type='index' AND tbl_name='pending_actions'")
	require.NoError(t, err)
	defer rows.Close()

	indexes := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes[name] = true
	}

	assert.True(t, indexes["idx_pending_actions_timestamp"])
	assert.True(t, indexes["idx_pending_actions_entity"])
	assert.True(t, indexes["idx_pending_actions_resolved"])
}

func TestMigratorDown(t *testing.T) {
	database := openTestDB(t)
	m := NewMigrator(database.DB)

	require.NoError(t, m.Up())
	require.NoError(t, m.Down())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	// Rolling back with nothing applied is an error
	assert.Error(t, m.Down())
}
