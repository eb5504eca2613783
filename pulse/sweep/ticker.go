// Package sweep runs the supervisory pass over instant jobs. Timers and
// dispatch loops live in memory; the sweep is what makes the lifecycle
// converge after a crash, a restart or a lost timer.
package sweep

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/shiftly/instant"
	"github.com/teranos/shiftly/logger"
)

// Lifecycle is the part of the engine the sweep drives.
type Lifecycle interface {
	Expire(ctx context.Context, jobID string) (bool, error)
	AutoComplete(ctx context.Context, jobID string) error
	AutoCompleteDue(job *instant.Job, now time.Time) bool
}

// DispatchStarter restarts dispatch for a job.
type DispatchStarter interface {
	StartDispatch(ctx context.Context, jobID string) error
}

// Config contains the sweep timing.
type Config struct {
	Interval time.Duration // How often to sweep (default: 30 seconds)
	// PendingGrace is how long a job may stay pending before the sweep
	// starts its dispatch.
	PendingGrace time.Duration
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		PendingGrace: time.Minute,
	}
}

// Result counts what one sweep did.
type Result struct {
	Expired       int
	Dispatched    int
	AutoCompleted int
	Errors        int
}

// Stats describes the ticker's progress.
type Stats struct {
	Ticks      int64     `json:"ticks"`
	LastTickAt time.Time `json:"last_tick_at"`
	LastResult Result    `json:"last_result"`
}

// Ticker sweeps on a fixed interval.
type Ticker struct {
	db         *sql.DB
	store      *instant.Store
	lifecycle  Lifecycle
	dispatcher DispatchStarter
	cfg        Config
	now        func() time.Time
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewTicker creates a sweep ticker. now may be nil for wall-clock UTC.
func NewTicker(database *sql.DB, store *instant.Store, lifecycle Lifecycle, dispatcher DispatchStarter, cfg Config, now func() time.Time, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), database, store, lifecycle, dispatcher, cfg, now, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, database *sql.DB, store *instant.Store, lifecycle Lifecycle, dispatcher DispatchStarter, cfg Config, now func() time.Time, log *zap.SugaredLogger) *Ticker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = def.PendingGrace
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		db:         database,
		store:      store,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        now,
		logger:     logger.OrNop(log).Named("sweep"),
		ctx:        tickerCtx,
		cancel:     cancel,
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Sweep ticker started", "interval", t.cfg.Interval, "pending_grace", t.cfg.PendingGrace)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Sweep ticker stopped")
}

// Stats returns a snapshot of the ticker's progress.
func (t *Ticker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			res := t.Sweep(t.ctx)

			t.mu.Lock()
			t.stats.Ticks++
			t.stats.LastTickAt = tickTime.UTC()
			t.stats.LastResult = res
			ticks := t.stats.Ticks
			t.mu.Unlock()

			if res.Expired+res.Dispatched+res.AutoCompleted+res.Errors > 0 {
				t.logger.Infow("Sweep completed",
					"expired", res.Expired,
					"dispatched", res.Dispatched,
					"auto_completed", res.AutoCompleted,
					"errors", res.Errors,
					"tick", ticks,
				)
			}
		}
	}
}

// Sweep runs one supervisory pass. Each job is handled on its own, so one
// failing job does not block the rest.
func (t *Ticker) Sweep(ctx context.Context) Result {
	var res Result
	now := t.now()

	open, err := t.store.ListByStatus(ctx, t.db, []instant.Status{instant.StatusPending, instant.StatusDispatching}, 0)
	if err != nil {
		t.logger.Warnw("Failed to list open jobs", logger.FieldError, err.Error())
		res.Errors++
	}
	for _, job := range open {
		if ctx.Err() != nil {
			return res
		}
		if job.PastDeadline(now) {
			expired, err := t.lifecycle.Expire(ctx, job.ID)
			if err != nil {
				t.logger.Warnw("Expire failed", logger.FieldJobID, job.ID, logger.FieldError, err.Error())
				res.Errors++
				continue
			}
			if expired {
				res.Expired++
			}
			continue
		}

		// Dispatching jobs are restarted too: after a restart their wave
		// loop is gone. A running loop makes this a no-op.
		if job.Status == instant.StatusPending && now.Sub(job.CreatedAt) < t.cfg.PendingGrace {
			continue
		}
		if err := t.dispatcher.StartDispatch(ctx, job.ID); err != nil {
			t.logger.Warnw("Dispatch restart failed", logger.FieldJobID, job.ID, logger.FieldError, err.Error())
			res.Errors++
			continue
		}
		if job.Status == instant.StatusPending {
			res.Dispatched++
		}
	}

	working, err := t.store.ListByStatus(ctx, t.db, []instant.Status{instant.StatusInProgress}, 0)
	if err != nil {
		t.logger.Warnw("Failed to list in-progress jobs", logger.FieldError, err.Error())
		res.Errors++
	}
	for _, job := range working {
		if ctx.Err() != nil {
			return res
		}
		if !t.lifecycle.AutoCompleteDue(job, now) {
			continue
		}
		if err := t.lifecycle.AutoComplete(ctx, job.ID); err != nil {
			t.logger.Warnw("Auto-complete failed", logger.FieldJobID, job.ID, logger.FieldError, err.Error())
			res.Errors++
			continue
		}
		res.AutoCompleted++
	}

	return res
}
