package db

import (
	"strings"

	"github.com/teranos/shiftly/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically during graceful shutdown while timers or waves are still draining.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers raw driver errors that never pass through this package.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "database is closed") ||
		strings.Contains(errMsg, "sql: database is closed")
}

// IsBusy reports whether err is SQLite lock contention that outlasted the busy timeout.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "database is locked") ||
		strings.Contains(errMsg, "database table is locked")
}
