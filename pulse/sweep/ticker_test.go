package sweep

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/shiftly/directory"
	"github.com/teranos/shiftly/dispatch"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/escrow"
	"github.com/teranos/shiftly/instant"
	shiftlytest "github.com/teranos/shiftly/internal/testing"
	"github.com/teranos/shiftly/pulse/timer"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

// stalledDispatcher never starts dispatch, leaving created jobs pending.
type stalledDispatcher struct {
	*dispatch.Dispatcher
}

func (stalledDispatcher) StartDispatch(context.Context, string) error {
	return errors.WrapTransient(errors.New("dispatch unavailable"), "start dispatch")
}

type fixture struct {
	db     *sql.DB
	store  *instant.Store
	ledger *escrow.Ledger
	disp   *dispatch.Dispatcher
	engine *instant.Engine
	ticker *Ticker
	clock  *fakeClock
}

func newFixture(t *testing.T, stalled bool) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	f := &fixture{
		db:    shiftlytest.CreateTestDB(t),
		store: instant.NewStore(),
		clock: &fakeClock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.ledger = escrow.NewLedger(f.clock.Now, log)

	dir := directory.NewRegistry()
	require.NoError(t, dir.Put(instant.Party{ID: "emp-1", Role: instant.RoleEmployer}))
	require.NoError(t, dir.Put(instant.Party{ID: "stu-1", Role: instant.RoleStudent}))

	var err error
	f.disp, err = dispatch.New(f.db, f.store, dir,
		dispatch.Tuning{WaveInterval: time.Hour, WaveSize: 5, MaxWaves: 3, LockDuration: 2 * time.Minute},
		log, dispatch.WithClock(f.clock.Now))
	require.NoError(t, err)

	var engineDispatcher instant.Dispatcher = f.disp
	if stalled {
		engineDispatcher = stalledDispatcher{f.disp}
	}

	timers := timer.NewScheduler(log)
	f.engine, err = instant.NewEngine(f.db, instant.Deps{
		Store:      f.store,
		Ledger:     f.ledger,
		Dispatcher: engineDispatcher,
		Timers:     timers,
		Users:      dir,
		Locations:  dir,
		Clock:      f.clock.Now,
	}, instant.DefaultConfig(), log)
	require.NoError(t, err)

	f.ticker = NewTicker(f.db, f.store, f.engine, f.disp, Config{Interval: 10 * time.Millisecond, PendingGrace: time.Minute}, f.clock.Now, log)

	t.Cleanup(func() {
		f.engine.Close()
		timers.Stop()
		f.disp.Close()
	})
	return f
}

func (f *fixture) create(t *testing.T) *instant.Job {
	t.Helper()
	job, err := f.engine.Create(context.Background(), "emp-1", instant.Posting{
		JobType:  "kitchen",
		JobTitle: "Dishwasher tonight",
		Location: instant.Location{Address: "3 Harbour Rd"},
		Pay:      200,
		Duration: 3,
	})
	require.NoError(t, err)
	f.engine.Close()
	return job
}

func (f *fixture) status(t *testing.T, id string) instant.Status {
	t.Helper()
	job, err := f.store.Get(context.Background(), f.db, id)
	require.NoError(t, err)
	return job.Status
}

func TestSweepExpiresOverdueJobs(t *testing.T) {
	f := newFixture(t, true)
	job := f.create(t)

	res := f.ticker.Sweep(context.Background())
	assert.Zero(t, res.Expired)
	assert.Equal(t, instant.StatusPending, f.status(t, job.ID))

	f.clock.Advance(30 * time.Minute)
	res = f.ticker.Sweep(context.Background())
	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Errors)
	assert.Equal(t, instant.StatusExpired, f.status(t, job.ID))

	held, err := f.ledger.Get(context.Background(), f.db, job.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, held.Status)

	res = f.ticker.Sweep(context.Background())
	assert.Zero(t, res.Expired, "expired jobs are not revisited")
}

func TestSweepStartsStuckPendingJobs(t *testing.T) {
	f := newFixture(t, true)
	job := f.create(t)
	require.Equal(t, instant.StatusPending, f.status(t, job.ID))

	res := f.ticker.Sweep(context.Background())
	assert.Zero(t, res.Dispatched, "still within the grace period")

	f.clock.Advance(61 * time.Second)
	res = f.ticker.Sweep(context.Background())
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, instant.StatusDispatching, f.status(t, job.ID))

	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), f.db, job.ID)
		return err == nil && got.CurrentWave == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSweepAutoCompletesOverdueRequests(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	job := f.create(t)
	require.Equal(t, instant.StatusDispatching, f.status(t, job.ID))

	_, err := f.engine.Accept(ctx, job.ID, "stu-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.ConfirmOrReject(ctx, job.ID, "emp-1", true))
	_, err = f.engine.ConfirmArrival(ctx, job.ID, "emp-1", instant.RoleEmployer)
	require.NoError(t, err)
	_, err = f.engine.RequestCompletion(ctx, job.ID, "stu-1")
	require.NoError(t, err)

	res := f.ticker.Sweep(ctx)
	assert.Zero(t, res.AutoCompleted)

	f.clock.Advance(10 * time.Minute)
	res = f.ticker.Sweep(ctx)
	assert.Equal(t, 1, res.AutoCompleted)

	got, err := f.store.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, instant.StatusCompleted, got.Status)
	assert.True(t, got.CompletionAutoCompleted)
}

func TestTickerRunsUntilStopped(t *testing.T) {
	f := newFixture(t, true)

	f.ticker.Start()
	require.Eventually(t, func() bool {
		return f.ticker.Stats().Ticks >= 2
	}, 2*time.Second, 5*time.Millisecond)
	f.ticker.Stop()

	ticks := f.ticker.Stats().Ticks
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticks, f.ticker.Stats().Ticks)
	assert.False(t, f.ticker.Stats().LastTickAt.IsZero())
}

func TestNewTickerDefaults(t *testing.T) {
	tk := NewTicker(nil, nil, nil, nil, Config{}, nil, nil)
	assert.Equal(t, DefaultConfig(), tk.cfg)
	assert.False(t, tk.now().IsZero())
}
