package commands

import (
	"database/sql"

	"github.com/teranos/shiftly/am"
	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/logger"
)

// openDatabase opens and migrates the database at dbPath, or at the
// configured path when dbPath is empty.
func openDatabase(dbPath string) (*sql.DB, string, error) {
	if dbPath == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to load config")
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, dbPath, nil
}
