package instant

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/escrow"
	shiftlytest "github.com/teranos/shiftly/internal/testing"
)

var storeNow = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)

func insertJob(t *testing.T, database *sql.DB, s *Store, mutate func(*Job)) *Job {
	t.Helper()
	ctx := context.Background()

	job := &Job{
		ID:         uuid.NewString(),
		EmployerID: "emp-1",
		Posting: Posting{
			JobType:        "moving",
			JobTitle:       "Help carry boxes",
			Location:       Location{Address: "Harbour 4", Latitude: 53.55, Longitude: 9.99},
			Pay:            120,
			Duration:       3,
			DurationUnit:   "hours",
			SkillsRequired: []string{"lifting", "driving"},
			Radius:         5,
		},
		Status:    StatusPending,
		ExpiresAt: storeNow.Add(30 * time.Minute),
		Version:   1,
		CreatedAt: storeNow,
		UpdatedAt: storeNow,
	}
	if mutate != nil {
		mutate(job)
	}

	ledger := escrow.NewLedger(nil, nil)
	require.NoError(t, db.WithTx(ctx, database, func(tx *sql.Tx) error {
		held, err := ledger.Hold(ctx, tx, job.ID, job.EmployerID, job.Pay, 10)
		if err != nil {
			return err
		}
		job.EscrowID = held.ID
		return s.Insert(ctx, tx, job)
	}))
	return job
}

func TestStoreRoundTrip(t *testing.T) {
	database := shiftlytest.CreateTestDB(t)
	s := NewStore()
	job := insertJob(t, database, s, nil)

	got, err := s.Get(context.Background(), database, job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Posting, got.Posting)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, job.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, job.EscrowID, got.EscrowID)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.LockedAt)
	assert.Empty(t, got.LockedBy)
	assert.False(t, got.Views.ViewedByEmployer)
	assert.Nil(t, got.Views.EmployerViewedAt)
}

func TestStoreGetMissing(t *testing.T) {
	database := shiftlytest.CreateTestDB(t)
	_, err := NewStore().Get(context.Background(), database, "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreUpdatePersistsEveryField(t *testing.T) {
	database := shiftlytest.CreateTestDB(t)
	s := NewStore()
	job := insertJob(t, database, s, nil)
	ctx := context.Background()

	at := storeNow.Add(5 * time.Minute)
	lockExp := at.Add(2 * time.Minute)
	job.Status = StatusInProgress
	job.CurrentWave = 2
	job.LockedBy = "stu-1"
	job.LockedAt = &at
	job.LockExpiresAt = &lockExp
	job.WasLocked = true
	job.AcceptedBy = "stu-1"
	job.AcceptedAt = &at
	job.ArrivalStatus = ArrivalArrived
	job.ArrivalConfirmedAt = &at
	job.ArrivalConfirmedBy = RoleEmployer
	job.StartTime = &at
	job.CompletionRequestedAt = &at
	job.Views = ConfirmationViews{ViewedByStudent: true, StudentViewedAt: &at}
	job.Reason = "note"

	require.NoError(t, s.Update(ctx, database, job, at))
	assert.Equal(t, int64(2), job.Version)
	assert.True(t, at.Equal(job.UpdatedAt))

	got, err := s.Get(ctx, database, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 2, got.CurrentWave)
	assert.Equal(t, "stu-1", got.LockedBy)
	assert.True(t, lockExp.Equal(*got.LockExpiresAt))
	assert.True(t, got.WasLocked)
	assert.Equal(t, ArrivalArrived, got.ArrivalStatus)
	assert.Equal(t, RoleEmployer, got.ArrivalConfirmedBy)
	assert.True(t, at.Equal(*got.StartTime))
	assert.True(t, got.Views.ViewedByStudent)
	assert.True(t, at.Equal(*got.Views.StudentViewedAt))
	assert.Nil(t, got.Views.EmployerViewedAt)
	assert.Equal(t, "note", got.Reason)
	assert.Equal(t, int64(2), got.Version)
}

func TestStoreUpdateRejectsStaleVersion(t *testing.T) {
	database := shiftlytest.CreateTestDB(t)
	s := NewStore()
	job := insertJob(t, database, s, nil)
	ctx := context.Background()

	stale := *job
	job.Status = StatusDispatching
	require.NoError(t, s.Update(ctx, database, job, storeNow))

	stale.Status = StatusCancelled
	err := s.Update(ctx, database, &stale, storeNow)
	require.Error(t, err)
	status, ok := errors.ConflictStatus(err)
	require.True(t, ok)
	assert.Equal(t, "dispatching", status)
	assert.Equal(t, int64(1), stale.Version, "failed update leaves the version alone")
}

func TestStoreWaves(t *testing.T) {
	database := shiftlytest.CreateTestDB(t)
	s := NewStore()
	job := insertJob(t, database, s, nil)
	ctx := context.Background()

	waves, err := s.Waves(ctx, database, job.ID)
	require.NoError(t, err)
	assert.Empty(t, waves)

	require.NoError(t, s.AppendWave(ctx, database, Wave{JobID: job.ID, Number: 1, Candidates: []string{"a", "b"}, BroadcastAt: storeNow}))
	require.NoError(t, s.AppendWave(ctx, database, Wave{JobID: job.ID, Number: 2, BroadcastAt: storeNow.Add(time.Minute)}))

	err = s.AppendWave(ctx, database, Wave{JobID: job.ID, Number: 1, BroadcastAt: storeNow})
	assert.Error(t, err, "wave numbers are unique per job")

	waves, err = s.Waves(ctx, database, job.ID)
	require.NoError(t, err)
	require.Len(t, waves, 2)
	assert.Equal(t, []string{"a", "b"}, waves[0].Candidates)
	assert.Equal(t, []string{}, waves[1].Candidates)
}

func TestStoreCurrentAndHistory(t *testing.T) {
	database := shiftlytest.CreateTestDB(t)
	s := NewStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		offset := time.Duration(i) * time.Hour
		insertJob(t, database, s, func(j *Job) {
			j.Status = StatusCompleted
			j.CreatedAt = storeNow.Add(offset)
		})
	}
	// Insert does not write assignment columns, so set them with Update
	done, err := s.ListByStatus(ctx, database, []Status{StatusCompleted}, 0)
	require.NoError(t, err)
	for _, j := range done {
		j.AcceptedBy = "stu-1"
		require.NoError(t, s.Update(ctx, database, j, storeNow))
	}

	active := insertJob(t, database, s, func(j *Job) {
		j.CreatedAt = storeNow.Add(5 * time.Hour)
	})
	active.Status = StatusLocked
	active.LockedBy = "stu-1"
	require.NoError(t, s.Update(ctx, database, active, storeNow))

	insertJob(t, database, s, func(j *Job) { j.EmployerID = "emp-2" })

	cur, err := s.CurrentForStudent(ctx, database, "stu-1")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, active.ID, cur.ID)

	cur, err = s.CurrentForStudent(ctx, database, "stu-9")
	require.NoError(t, err)
	assert.Nil(t, cur)

	cur, err = s.CurrentForEmployer(ctx, database, "emp-1")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, active.ID, cur.ID)

	jobs, total, err := s.History(ctx, database, "stu-1", 0, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt), "newest first")

	jobs, total, err = s.History(ctx, database, "stu-1", 0, 10, true)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, active.ID, jobs[0].ID)
}

func TestJobHelpers(t *testing.T) {
	now := storeNow
	later := now.Add(time.Minute)

	j := &Job{Status: StatusLocked, LockedBy: "a", LockExpiresAt: &later, ExpiresAt: now}
	assert.True(t, j.LockLive(now))
	assert.False(t, j.LockLive(later))
	assert.Equal(t, "a", j.CurrentStudent())
	assert.False(t, j.PastDeadline(later), "locked jobs do not expire")
	assert.True(t, j.EverAssigned())

	j.AcceptedBy = "b"
	assert.Equal(t, "b", j.CurrentStudent())

	j.ClearLock()
	assert.Empty(t, j.CurrentStudent())
	assert.Nil(t, j.LockExpiresAt)

	p := &Job{Status: StatusDispatching, ExpiresAt: now}
	assert.True(t, p.PastDeadline(now))
	assert.False(t, p.EverAssigned())
	p.WasLocked = true
	assert.True(t, p.EverAssigned())

	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusExpired, StatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusLocked.IsTerminal())
	assert.False(t, Status("bogus").IsValid())

	_, ok := ParseRole("admin")
	assert.False(t, ok)
}
