package db

import (
	"database/sql"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/shiftly/errors"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database.
const SQLiteBusyTimeoutMS = 5000

// DSN builds the go-sqlite3 data source name for path.
// Every pooled connection gets WAL, foreign keys and the busy timeout, and
// transactions begin IMMEDIATE so writers serialize at BEGIN instead of
// failing on lock upgrade mid-transaction.
func DSN(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}

	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// sql.Open is lazy; surface bad paths and pragma failures now
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database at %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
			"txlock", "immediate",
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies all pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", path)
	}

	return db, nil
}
