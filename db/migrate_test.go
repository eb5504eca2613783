package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "escrows", "instant_jobs", "instant_job_waves", "instant_job_rejections"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"000", "001", "002", "003", "004"}, versions)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Len(t, versions, 5)
}

func TestWaveHistoryIsImmutable(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO escrows (id, job_id, employer_id, amount, fee_percent, platform_fee, held_amount, status, created_at)
		VALUES ('esc-1', 'job-1', 'emp-1', 100, 10, 10, 90, 'held', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO instant_jobs (id, employer_id, job_type, job_title, location_address, location_latitude, location_longitude,
		pay, duration, duration_unit, status, expires_at, escrow_id, created_at, updated_at)
		VALUES ('job-1', 'emp-1', 'moving', 'Help', 'Main St', 0, 0, 100, 1, 'hours', 'dispatching', CURRENT_TIMESTAMP, 'esc-1', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO instant_job_waves (job_id, wave_number, candidates, broadcast_at) VALUES ('job-1', 1, '["s1"]', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE instant_job_waves SET candidates = '[]' WHERE job_id = 'job-1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestInstantJobRequiresEscrow(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO instant_jobs (id, employer_id, job_type, job_title, location_address, location_latitude, location_longitude,
		pay, duration, duration_unit, status, expires_at, escrow_id, created_at, updated_at)
		VALUES ('job-1', 'emp-1', 'moving', 'Help', 'Main St', 0, 0, 100, 1, 'hours', 'pending', CURRENT_TIMESTAMP, 'missing', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.Error(t, err, "foreign key to escrows must be enforced")
}

func TestPendingOnFreshAndMigratedDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	pending, err := Pending(db)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	assert.Equal(t, "000", pending[0].Version)
	assert.Equal(t, "003_create_instant_job_waves.sql", pending[3].Name)
	assert.Equal(t, "004_create_instant_job_rejections.sql", pending[4].Name)

	require.NoError(t, Migrate(db, nil))

	pending, err = Pending(db)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
