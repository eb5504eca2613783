package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/shiftly/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database successfully", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if db != nil {
			db.Close()
		}
		require.Error(t, err)
		assert.NotNil(t, errors.GetStack(err), "error should carry a stack trace")
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})
}

func TestOpen_WithLogger(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()
}

func TestDSN(t *testing.T) {
	dsn := DSN("/tmp/x.db")
	assert.Contains(t, dsn, "file:/tmp/x.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_foreign_keys=on")
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "closed.db"), nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.True(t, IsDatabaseClosed(ErrDatabaseClosed))
	assert.False(t, IsDatabaseClosed(nil))
}
