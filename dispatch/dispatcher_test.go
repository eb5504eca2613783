package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/directory"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/escrow"
	"github.com/teranos/shiftly/instant"
	shiftlytest "github.com/teranos/shiftly/internal/testing"
	"github.com/teranos/shiftly/notify"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db    *sql.DB
	store *instant.Store
	dir   *directory.Registry
	hub   *notify.Hub
	clock *fakeClock
	d     *Dispatcher
}

func newFixture(t *testing.T, tuning Tuning, students int) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	f := &fixture{
		db:    shiftlytest.CreateTestDB(t),
		store: instant.NewStore(),
		dir:   directory.NewRegistry(),
		hub:   notify.NewHub(log),
		clock: newFakeClock(),
	}
	require.NoError(t, f.dir.Put(instant.Party{ID: "emp-1", Role: instant.RoleEmployer}))
	for i := 0; i < students; i++ {
		require.NoError(t, f.dir.Put(instant.Party{ID: fmt.Sprintf("stu-%02d", i), Role: instant.RoleStudent}))
	}

	d, err := New(f.db, f.store, f.dir, tuning, log, WithClock(f.clock.Now), WithPublisher(f.hub))
	require.NoError(t, err)
	f.d = d
	t.Cleanup(func() {
		d.Close()
		f.hub.Close()
	})
	return f
}

// seedJob inserts a job with a held escrow in the given state.
func (f *fixture) seedJob(t *testing.T, status instant.Status, wave int) *instant.Job {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()

	job := &instant.Job{
		ID:         uuid.NewString(),
		EmployerID: "emp-1",
		Posting: instant.Posting{
			JobType:      "barista",
			JobTitle:     "Morning shift",
			Location:     instant.Location{Address: "1 Main St", Latitude: 52.5, Longitude: 13.4},
			Pay:          500,
			Duration:     2,
			DurationUnit: "hours",
		},
		Status:      status,
		CurrentWave: wave,
		ExpiresAt:   now.Add(30 * time.Minute),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ledger := escrow.NewLedger(f.clock.Now, nil)
	require.NoError(t, db.WithTx(ctx, f.db, func(tx *sql.Tx) error {
		held, err := ledger.Hold(ctx, tx, job.ID, job.EmployerID, job.Pay, 10)
		if err != nil {
			return err
		}
		job.EscrowID = held.ID
		return f.store.Insert(ctx, tx, job)
	}))
	return job
}

func (f *fixture) get(t *testing.T, id string) *instant.Job {
	t.Helper()
	job, err := f.store.Get(context.Background(), f.db, id)
	require.NoError(t, err)
	return job
}

func slowTuning() Tuning {
	return Tuning{WaveInterval: time.Hour, WaveSize: 3, MaxWaves: 5, LockDuration: 2 * time.Minute}
}

func TestStartDispatchBroadcastsWaves(t *testing.T) {
	f := newFixture(t, Tuning{WaveInterval: 20 * time.Millisecond, WaveSize: 2, MaxWaves: 3, LockDuration: time.Minute}, 5)
	job := f.seedJob(t, instant.StatusPending, 0)

	offers, err := f.hub.Subscribe(notify.StudentTopic("stu-00"))
	require.NoError(t, err)

	require.NoError(t, f.d.StartDispatch(context.Background(), job.ID))

	require.Eventually(t, func() bool { return f.get(t, job.ID).CurrentWave == 3 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.d.Active() == 0 }, 3*time.Second, 10*time.Millisecond, "loop exits after max waves")

	waves, err := f.store.Waves(context.Background(), f.db, job.ID)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"stu-00", "stu-01"}, waves[0].Candidates)
	assert.Equal(t, []string{"stu-02", "stu-03"}, waves[1].Candidates)
	assert.Equal(t, []string{"stu-04"}, waves[2].Candidates)

	got := f.get(t, job.ID)
	assert.Equal(t, instant.StatusDispatching, got.Status)

	select {
	case ev := <-offers.C:
		assert.Equal(t, notify.EventJobOffer, ev.Type)
		assert.Equal(t, job.ID, ev.JobID)
		assert.Equal(t, 1, ev.Data["wave"])
	case <-time.After(time.Second):
		t.Fatal("candidate never received an offer")
	}
}

func TestStartDispatchRequiresPending(t *testing.T) {
	f := newFixture(t, slowTuning(), 1)
	job := f.seedJob(t, instant.StatusCancelled, 0)

	err := f.d.StartDispatch(context.Background(), job.ID)
	require.Error(t, err)
	status, ok := errors.ConflictStatus(err)
	require.True(t, ok)
	assert.Equal(t, "cancelled", status)

	err = f.d.StartDispatch(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStartDispatchIsRestartable(t *testing.T) {
	f := newFixture(t, slowTuning(), 3)
	job := f.seedJob(t, instant.StatusPending, 0)

	require.NoError(t, f.d.StartDispatch(context.Background(), job.ID))
	require.NoError(t, f.d.StartDispatch(context.Background(), job.ID))
	assert.LessOrEqual(t, f.d.Active(), 1)

	require.Eventually(t, func() bool { return f.get(t, job.ID).CurrentWave == 1 }, 2*time.Second, 10*time.Millisecond)

	f.d.StopDispatch(job.ID)
	f.d.StopDispatch(job.ID)
	assert.Equal(t, 0, f.d.Active())
}

func TestSingleWinnerUnderConcurrentAccept(t *testing.T) {
	const students = 12
	f := newFixture(t, slowTuning(), students)
	job := f.seedJob(t, instant.StatusDispatching, 1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < students; i++ {
		id := fmt.Sprintf("stu-%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.d.HandleStudentAccept(context.Background(), job.ID, id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, id)
				return
			}
			if errors.IsStateConflict(err) {
				losers++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, students-1, losers)

	got := f.get(t, job.ID)
	assert.Equal(t, instant.StatusLocked, got.Status)
	assert.Equal(t, winners[0], got.LockedBy)
	assert.True(t, got.WasLocked)
	assert.Equal(t, 0, f.d.jobLocks.len())
}

func TestAcceptConflictMessageAndReentry(t *testing.T) {
	f := newFixture(t, slowTuning(), 2)
	job := f.seedJob(t, instant.StatusDispatching, 1)
	ctx := context.Background()

	deadline, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Add(2*time.Minute).Equal(deadline))

	_, err = f.d.HandleStudentAccept(ctx, job.ID, "stu-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another student")

	f.clock.Advance(30 * time.Second)
	again, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)
	assert.True(t, deadline.Equal(again), "re-entrant accept keeps the original deadline")
}

func TestReentryRenewsExpiredLock(t *testing.T) {
	f := newFixture(t, slowTuning(), 2)
	job := f.seedJob(t, instant.StatusDispatching, 1)
	ctx := context.Background()

	first, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)
	renewed, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)
	assert.True(t, renewed.After(first))
	assert.True(t, f.clock.Now().Add(2*time.Minute).Equal(renewed))

	got := f.get(t, job.ID)
	assert.Equal(t, "stu-00", got.LockedBy)
	require.NotNil(t, got.LockExpiresAt)
	assert.True(t, renewed.Equal(*got.LockExpiresAt))
	assert.True(t, f.clock.Now().Equal(*got.LockedAt))

	_, err = f.d.HandleStudentAccept(ctx, job.ID, "stu-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another student")
}

func TestRejectedStudentCannotRelock(t *testing.T) {
	f := newFixture(t, slowTuning(), 2)
	job := f.seedJob(t, instant.StatusDispatching, 1)
	ctx := context.Background()

	_, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)
	out, err := f.d.HandleEmployerConfirm(ctx, job.ID, "emp-1", false)
	require.NoError(t, err)
	require.True(t, out.Resumed)

	_, err = f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.Error(t, err)
	assert.True(t, errors.IsStateConflict(err))
	assert.Contains(t, err.Error(), "rejected by employer")

	got := f.get(t, job.ID)
	assert.Equal(t, instant.StatusDispatching, got.Status)
	assert.Empty(t, got.LockedBy)

	_, err = f.d.HandleStudentAccept(ctx, job.ID, "stu-01")
	require.NoError(t, err)
	assert.Equal(t, "stu-01", f.get(t, job.ID).LockedBy)
}

func TestExpiredLockCanBeTakenOver(t *testing.T) {
	f := newFixture(t, slowTuning(), 3)
	job := f.seedJob(t, instant.StatusDispatching, 1)
	ctx := context.Background()

	_, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)
	_, err = f.d.HandleStudentAccept(ctx, job.ID, "stu-01")
	require.NoError(t, err)
	assert.Equal(t, "stu-01", f.get(t, job.ID).LockedBy)

	// Once the employer confirms, an expired lock is no longer up for grabs
	_, err = f.d.HandleEmployerConfirm(ctx, job.ID, "emp-1", true)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Minute)
	_, err = f.d.HandleStudentAccept(ctx, job.ID, "stu-02")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assigned to another student")
}

func TestAcceptRejectsClosedJobs(t *testing.T) {
	f := newFixture(t, slowTuning(), 1)
	ctx := context.Background()

	pending := f.seedJob(t, instant.StatusPending, 0)
	_, err := f.d.HandleStudentAccept(ctx, pending.ID, "stu-00")
	assert.True(t, errors.IsStateConflict(err))

	expiring := f.seedJob(t, instant.StatusDispatching, 1)
	f.clock.Advance(31 * time.Minute)
	_, err = f.d.HandleStudentAccept(ctx, expiring.ID, "stu-00")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestEmployerConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t, slowTuning(), 1)
	job := f.seedJob(t, instant.StatusDispatching, 1)
	ctx := context.Background()

	_, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)

	out, err := f.d.HandleEmployerConfirm(ctx, job.ID, "emp-1", true)
	require.NoError(t, err)
	assert.Equal(t, instant.DispatchOutcome{}, out)

	first := f.get(t, job.ID)
	assert.Equal(t, "stu-00", first.AcceptedBy)
	assert.Equal(t, instant.StatusLocked, first.Status)
	require.NotNil(t, first.AcceptedAt)

	f.clock.Advance(time.Minute)
	_, err = f.d.HandleEmployerConfirm(ctx, job.ID, "emp-1", true)
	require.NoError(t, err)
	second := f.get(t, job.ID)
	assert.True(t, first.AcceptedAt.Equal(*second.AcceptedAt))
	assert.Equal(t, first.Version, second.Version)
}

func TestEmployerConfirmAuthorization(t *testing.T) {
	f := newFixture(t, slowTuning(), 1)
	job := f.seedJob(t, instant.StatusDispatching, 1)
	ctx := context.Background()

	_, err := f.d.HandleEmployerConfirm(ctx, job.ID, "emp-1", true)
	assert.True(t, errors.IsStateConflict(err), "nothing to confirm while dispatching")

	_, err = f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)
	_, err = f.d.HandleEmployerConfirm(ctx, job.ID, "emp-2", true)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
}

func TestRejectResumesDispatch(t *testing.T) {
	f := newFixture(t, slowTuning(), 4)
	job := f.seedJob(t, instant.StatusDispatching, 1)
	ctx := context.Background()

	_, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)

	released, err := f.hub.Subscribe(notify.StudentTopic("stu-00"))
	require.NoError(t, err)

	out, err := f.d.HandleEmployerConfirm(ctx, job.ID, "emp-1", false)
	require.NoError(t, err)
	assert.True(t, out.Resumed)
	assert.False(t, out.Exhausted)

	got := f.get(t, job.ID)
	assert.Equal(t, instant.StatusDispatching, got.Status)
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockExpiresAt)
	assert.True(t, got.WasLocked)

	require.Eventually(t, func() bool { return f.get(t, job.ID).CurrentWave == 2 }, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-released.C:
		assert.Equal(t, notify.EventJobRejected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("rejected student was not notified")
	}
}

func TestRejectWithNoWavesLeftReportsExhausted(t *testing.T) {
	f := newFixture(t, slowTuning(), 1)
	job := f.seedJob(t, instant.StatusDispatching, 5)
	ctx := context.Background()

	_, err := f.d.HandleStudentAccept(ctx, job.ID, "stu-00")
	require.NoError(t, err)
	before := f.get(t, job.ID)

	out, err := f.d.HandleEmployerConfirm(ctx, job.ID, "emp-1", false)
	require.NoError(t, err)
	assert.True(t, out.Exhausted)
	assert.False(t, out.Resumed)

	after := f.get(t, job.ID)
	assert.Equal(t, instant.StatusLocked, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 0, f.d.Active())
}

func TestSetTuning(t *testing.T) {
	f := newFixture(t, slowTuning(), 0)

	err := f.d.SetTuning(Tuning{WaveInterval: 0, WaveSize: 1, MaxWaves: 1, LockDuration: time.Second})
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, slowTuning(), f.d.Tuning())

	next := Tuning{WaveInterval: time.Second, WaveSize: 7, MaxWaves: 2, LockDuration: 90 * time.Second}
	require.NoError(t, f.d.SetTuning(next))
	assert.Equal(t, next, f.d.Tuning())
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(nil, instant.NewStore(), directory.NewRegistry(), DefaultTuning(), nil)
	assert.Error(t, err)

	database := shiftlytest.CreateTestDB(t)
	_, err = New(database, instant.NewStore(), directory.NewRegistry(), Tuning{}, nil)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
