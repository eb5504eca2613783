package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/shiftly/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file. Version is the numeric prefix of
// its file name ("001" for 001_create_escrows.sql).
type Migration struct {
	Version string
	Name    string
}

// Migrations lists the embedded migrations in apply order.
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var list []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		list = append(list, Migration{Version: version, Name: name})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list, nil
}

// Pending returns the migrations not yet recorded in schema_migrations.
// On a fresh database every migration is pending.
func Pending(db *sql.DB) ([]Migration, error) {
	all, err := Migrations()
	if err != nil {
		return nil, err
	}

	var tracked int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&tracked); err != nil {
		return nil, errors.Wrap(err, "inspect schema")
	}
	if tracked == 0 {
		return all, nil
	}

	applied, err := AppliedVersions(db)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	var pending []Migration
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate applies every pending migration, each in its own transaction.
// logger may be nil.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	pending, err := Pending(db)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if logger != nil {
			logger.Infow("Applying migration", "migration", m.Name, "version", m.Version)
		}
		if err := apply(db, m); err != nil {
			return err
		}
	}

	if logger != nil && len(pending) > 0 {
		logger.Infow("Migrations complete", "applied", len(pending))
	}
	return nil
}

// apply runs one migration and records it. 000 creates schema_migrations
// and then records itself like any other.
func apply(db *sql.DB, m Migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.Name))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.Name)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.Name)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.Name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.Name)
}

// AppliedVersions lists the recorded migration versions in order.
func AppliedVersions(db *sql.DB) ([]string, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(err, "query schema_migrations")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan version")
		}
		versions = append(versions, v)
	}
	return versions, errors.Wrap(rows.Err(), "iterate versions")
}
