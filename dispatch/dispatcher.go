// Package dispatch broadcasts instant jobs to candidate students in waves
// and arbitrates the accept / confirm / reject handshake.
//
// Lock arbitration is serialized twice: a per-job in-process mutex orders
// concurrent accepts, and each decision re-reads the job inside an
// immediate sqlite transaction with a version check, so the first writer
// wins even across processes sharing the database.
package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/instant"
	"github.com/teranos/shiftly/logger"
	"github.com/teranos/shiftly/notify"
)

// CandidateSelector decides who is offered a job in the next wave. It must
// return at most limit student ids, none of them in exclude.
type CandidateSelector interface {
	SelectCandidates(ctx context.Context, job *instant.Job, exclude map[string]bool, limit int) ([]string, error)
}

// Tuning holds the hot-reloadable dispatch parameters.
type Tuning struct {
	WaveInterval time.Duration
	WaveSize     int
	MaxWaves     int
	LockDuration time.Duration
}

// DefaultTuning returns the production parameters.
func DefaultTuning() Tuning {
	return Tuning{
		WaveInterval: 30 * time.Second,
		WaveSize:     10,
		MaxWaves:     5,
		LockDuration: 2 * time.Minute,
	}
}

// Validate checks that every parameter is usable.
func (t Tuning) Validate() error {
	switch {
	case t.WaveInterval <= 0:
		return errors.NewValidationError("wave interval must be positive, got %s", t.WaveInterval)
	case t.WaveSize <= 0:
		return errors.NewValidationError("wave size must be positive, got %d", t.WaveSize)
	case t.MaxWaves <= 0:
		return errors.NewValidationError("max waves must be positive, got %d", t.MaxWaves)
	case t.LockDuration <= 0:
		return errors.NewValidationError("lock duration must be positive, got %s", t.LockDuration)
	}
	return nil
}

type waveLoop struct {
	cancel context.CancelFunc
}

// Dispatcher implements instant.Dispatcher.
type Dispatcher struct {
	db        *sql.DB
	store     *instant.Store
	selector  CandidateSelector
	publisher notify.Publisher
	now       func() time.Time
	logger    *zap.SugaredLogger

	jobLocks *keyedMutex

	mu     sync.Mutex
	tuning Tuning
	loops  map[string]*waveLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ instant.Dispatcher = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithPublisher sets where offers and handshake events go.
func WithPublisher(p notify.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// New creates a dispatcher.
func New(database *sql.DB, store *instant.Store, selector CandidateSelector, tuning Tuning, log *zap.SugaredLogger, opts ...Option) (*Dispatcher, error) {
	if database == nil || store == nil || selector == nil {
		return nil, errors.New("dispatcher requires a database, store and candidate selector")
	}
	if err := tuning.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		db:        database,
		store:     store,
		selector:  selector,
		publisher: notify.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.OrNop(log).Named("dispatch"),
		jobLocks:  newKeyedMutex(),
		tuning:    tuning,
		loops:     make(map[string]*waveLoop),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Tuning returns the current parameters.
func (d *Dispatcher) Tuning() Tuning {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tuning
}

// SetTuning replaces the parameters. Running wave loops pick them up at
// their next wave.
func (d *Dispatcher) SetTuning(t Tuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.tuning = t
	d.mu.Unlock()

	d.logger.Infow("Dispatch tuning updated",
		"wave_interval", t.WaveInterval,
		"wave_size", t.WaveSize,
		"max_waves", t.MaxWaves,
		"lock_duration", t.LockDuration,
	)
	return nil
}

// Active returns the number of running wave loops.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.loops)
}

// Close stops every wave loop and waits for them to exit.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// StartDispatch moves a pending job to dispatching and starts its wave
// loop. Calling it for a job already dispatching restarts a missing loop.
func (d *Dispatcher) StartDispatch(ctx context.Context, jobID string) error {
	var (
		job     *instant.Job
		changed bool
	)
	err := db.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		var err error
		if job, err = d.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		switch job.Status {
		case instant.StatusPending:
			job.Status = instant.StatusDispatching
			changed = true
			return d.store.Update(ctx, tx, job, d.now())
		case instant.StatusDispatching:
			return nil
		}
		return errors.NewStateConflict("start dispatch", jobID, string(job.Status), "job is not pending")
	})
	if err != nil {
		return errors.Wrap(err, "start dispatch")
	}

	if changed {
		d.logger.Infow("Dispatch started", logger.FieldJobID, jobID)
		d.publish(instant.JobEvent(job, notify.EventJobDispatching, nil))
	}
	d.startLoop(jobID)
	return nil
}

// StopDispatch halts the job's wave loop. Idempotent.
func (d *Dispatcher) StopDispatch(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.loops[jobID]; ok {
		l.cancel()
		delete(d.loops, jobID)
		d.logger.Debugw("Dispatch stopped", logger.FieldJobID, jobID)
	}
}

// HandleStudentAccept locks the job for studentID. First writer wins: a
// live lock held by another student is a conflict, an expired unconfirmed
// one is taken over, and the same student accepting again keeps a live
// lock's deadline or renews an expired one. Students the employer already
// rejected for this job are turned away.
func (d *Dispatcher) HandleStudentAccept(ctx context.Context, jobID, studentID string) (time.Time, error) {
	unlock := d.jobLocks.Lock(jobID)
	defer unlock()

	var (
		job      *instant.Job
		deadline time.Time
		changed  bool
		renewed  bool
		previous string
	)
	err := db.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		var err error
		if job, err = d.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		rejected, err := d.store.Rejected(ctx, tx, jobID, studentID)
		if err != nil {
			return err
		}
		if rejected {
			return errors.NewStateConflict("accept", jobID, string(job.Status), "rejected by employer")
		}

		now := d.now()
		switch job.Status {
		case instant.StatusDispatching:
			if job.PastDeadline(now) {
				return errors.NewStateConflict("accept", jobID, string(job.Status), "job has expired")
			}
		case instant.StatusLocked:
			if job.LockedBy == studentID {
				if job.AcceptedBy == studentID || job.LockLive(now) {
					if job.LockExpiresAt != nil {
						deadline = *job.LockExpiresAt
					}
					return nil
				}
				deadline = now.Add(d.Tuning().LockDuration)
				job.LockedAt = &now
				job.LockExpiresAt = &deadline
				renewed = true
				return d.store.Update(ctx, tx, job, now)
			}
			if job.AcceptedBy != "" {
				return errors.NewStateConflict("accept", jobID, string(job.Status), "job is assigned to another student")
			}
			if job.LockLive(now) {
				return errors.NewStateConflict("accept", jobID, string(job.Status), "locked by another student")
			}
			previous = job.LockedBy
		default:
			return errors.NewStateConflict("accept", jobID, string(job.Status), "job is not open for acceptance")
		}

		deadline = now.Add(d.Tuning().LockDuration)
		job.ClearLock()
		job.Status = instant.StatusLocked
		job.LockedBy = studentID
		job.LockedAt = &now
		job.LockExpiresAt = &deadline
		job.WasLocked = true
		changed = true
		return d.store.Update(ctx, tx, job, now)
	})
	if err != nil {
		return time.Time{}, err
	}

	if renewed {
		d.logger.Infow("Job lock renewed",
			logger.FieldJobID, jobID,
			logger.FieldStudentID, studentID,
			logger.FieldDeadline, deadline,
		)
		d.publish(instant.JobEvent(job, notify.EventJobLocked, map[string]any{
			"locked_by":       studentID,
			"lock_expires_at": deadline,
			"renewed":         true,
		}))
	}
	if changed {
		d.StopDispatch(jobID)
		d.logger.Infow("Job locked",
			logger.FieldJobID, jobID,
			logger.FieldStudentID, studentID,
			logger.FieldDeadline, deadline,
		)
		data := map[string]any{"locked_by": studentID, "lock_expires_at": deadline}
		if previous != "" {
			data["previous_student"] = previous
		}
		d.publish(instant.JobEvent(job, notify.EventJobLocked, data, previous))
	}
	return deadline, nil
}

// HandleEmployerConfirm applies the employer's decision on the locked
// student. Confirm assigns the job and is idempotent. Reject releases the
// lock and resumes broadcasting when waves and time remain; otherwise the
// job is left untouched and the outcome reports Exhausted.
func (d *Dispatcher) HandleEmployerConfirm(ctx context.Context, jobID, employerID string, confirm bool) (instant.DispatchOutcome, error) {
	unlock := d.jobLocks.Lock(jobID)
	defer unlock()

	var (
		job      *instant.Job
		out      instant.DispatchOutcome
		changed  bool
		rejected string
	)
	err := db.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		var err error
		if job, err = d.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if job.EmployerID != employerID {
			return errors.NewForbiddenError("employer %s does not own job %s", employerID, jobID)
		}
		if job.Status != instant.StatusLocked {
			return errors.NewStateConflict("confirm", jobID, string(job.Status), "")
		}

		now := d.now()
		if confirm {
			if job.AcceptedBy == job.LockedBy {
				return nil
			}
			job.AcceptedBy = job.LockedBy
			job.AcceptedAt = &now
			changed = true
			return d.store.Update(ctx, tx, job, now)
		}

		if job.CurrentWave >= d.Tuning().MaxWaves || !now.Before(job.ExpiresAt) {
			out.Exhausted = true
			return nil
		}
		rejected = job.CurrentStudent()
		if err := d.store.AddRejection(ctx, tx, jobID, rejected, now); err != nil {
			return err
		}
		job.ClearLock()
		job.Status = instant.StatusDispatching
		out.Resumed = true
		changed = true
		return d.store.Update(ctx, tx, job, now)
	})
	if err != nil {
		return instant.DispatchOutcome{}, err
	}
	if !changed {
		return out, nil
	}

	if confirm {
		d.logger.Infow("Student confirmed", logger.FieldJobID, jobID, logger.FieldStudentID, job.AcceptedBy)
		d.publish(instant.JobEvent(job, notify.EventJobConfirmed, map[string]any{"accepted_by": job.AcceptedBy}))
		return out, nil
	}

	d.logger.Infow("Student rejected, dispatch resumed", logger.FieldJobID, jobID, logger.FieldStudentID, rejected)
	d.publish(instant.JobEvent(job, notify.EventJobRejected, map[string]any{"rejected_student": rejected}, rejected))
	d.startLoop(jobID)
	return out, nil
}

func (d *Dispatcher) startLoop(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, running := d.loops[jobID]; running || d.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(logger.WithJobID(d.ctx, jobID))
	l := &waveLoop{cancel: cancel}
	d.loops[jobID] = l

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.forgetLoop(jobID, l)
		d.runWaves(ctx, jobID)
	}()
}

func (d *Dispatcher) forgetLoop(jobID string, l *waveLoop) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loops[jobID] == l {
		delete(d.loops, jobID)
	}
	l.cancel()
}

// runWaves broadcasts one wave per interval until the job leaves
// dispatching or the wave budget is spent. The first wave goes out at once.
func (d *Dispatcher) runWaves(ctx context.Context, jobID string) {
	limiter := rate.NewLimiter(rate.Every(d.Tuning().WaveInterval), 1)

	for {
		limiter.SetLimit(rate.Every(d.Tuning().WaveInterval))
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		more, err := d.broadcastWave(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.FromContext(ctx, d.logger).Warnw("Wave broadcast failed", logger.FieldError, err.Error())
			if !errors.IsTransient(err) {
				return
			}
			continue
		}
		if !more {
			return
		}
	}
}

// broadcastWave appends the next wave and offers the job to its
// candidates. It reports whether another wave may follow.
func (d *Dispatcher) broadcastWave(ctx context.Context, jobID string) (bool, error) {
	tuning := d.Tuning()

	var (
		job  *instant.Job
		wave instant.Wave
		sent bool
	)
	err := db.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		var err error
		if job, err = d.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if job.Status != instant.StatusDispatching || job.CurrentWave >= tuning.MaxWaves {
			return nil
		}

		history, err := d.store.Waves(ctx, tx, jobID)
		if err != nil {
			return err
		}
		offered := make(map[string]bool)
		for _, w := range history {
			for _, c := range w.Candidates {
				offered[c] = true
			}
		}

		candidates, err := d.selector.SelectCandidates(ctx, job, offered, tuning.WaveSize)
		if err != nil {
			return errors.WrapTransient(err, "select candidates")
		}
		if len(candidates) > tuning.WaveSize {
			candidates = candidates[:tuning.WaveSize]
		}

		now := d.now()
		wave = instant.Wave{JobID: jobID, Number: job.CurrentWave + 1, Candidates: candidates, BroadcastAt: now}
		if err := d.store.AppendWave(ctx, tx, wave); err != nil {
			return err
		}
		job.CurrentWave = wave.Number
		sent = true
		return d.store.Update(ctx, tx, job, now)
	})
	if err != nil {
		return false, err
	}
	if !sent {
		return false, nil
	}

	logger.FromContext(ctx, d.logger).Infow("Wave broadcast",
		logger.FieldWave, wave.Number,
		logger.FieldCandidates, len(wave.Candidates),
	)
	d.publish(instant.JobEvent(job, notify.EventJobOffer, map[string]any{
		"wave":       wave.Number,
		"job_title":  job.JobTitle,
		"pay":        job.Pay,
		"expires_at": job.ExpiresAt,
	}, wave.Candidates...))

	return wave.Number < tuning.MaxWaves, nil
}

func (d *Dispatcher) publish(ev notify.Event) {
	if err := d.publisher.Publish(ev); err != nil {
		d.logger.Warnw("Notification publish failed",
			logger.FieldJobID, ev.JobID,
			"event_type", ev.Type,
			logger.FieldError, err.Error(),
		)
	}
}
