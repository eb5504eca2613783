package instant

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"sync"
	"time"

	id "github.com/teranos/vanity-id"
	"go.uber.org/zap"

	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/escrow"
	"github.com/teranos/shiftly/logger"
	"github.com/teranos/shiftly/notify"
	"github.com/teranos/shiftly/pulse/timer"
)

// Config holds the lifecycle constants.
type Config struct {
	// FeePercent is the platform fee taken when escrow is held.
	FeePercent float64
	// CancelPenaltyPercent is kept from the held amount when an employer
	// cancels a job that was ever assigned.
	CancelPenaltyPercent float64
	// JobTTL bounds how long a job may go without being locked.
	JobTTL time.Duration
	// AutoCompleteDelay is how long after a completion request the job
	// completes on its own.
	AutoCompleteDelay time.Duration
	// DispatchStartTimeout bounds the asynchronous dispatch start after create.
	DispatchStartTimeout time.Duration
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		FeePercent:           10,
		CancelPenaltyPercent: 25,
		JobTTL:               30 * time.Minute,
		AutoCompleteDelay:    10 * time.Minute,
		DispatchStartTimeout: 30 * time.Second,
	}
}

// Deps are the engine's collaborators. Publisher and Clock are optional.
type Deps struct {
	Store      *Store
	Ledger     *escrow.Ledger
	Dispatcher Dispatcher
	Timers     Timers
	Users      UserDirectory
	Locations  LocationSource
	Publisher  notify.Publisher
	Clock      func() time.Time
}

// Engine is the single authority for job status transitions.
//
// Every operation that touches both job state and escrow runs in one
// transaction, re-reading the job inside it, so concurrent callers and
// timer callbacks are serialized by the store.
type Engine struct {
	db         *sql.DB
	store      *Store
	ledger     *escrow.Ledger
	dispatcher Dispatcher
	timers     Timers
	users      UserDirectory
	locations  LocationSource
	publisher  notify.Publisher
	now        func() time.Time
	cfg        Config
	logger     *zap.SugaredLogger

	bg sync.WaitGroup
}

// NewEngine wires an engine.
func NewEngine(database *sql.DB, deps Deps, cfg Config, log *zap.SugaredLogger) (*Engine, error) {
	if database == nil {
		return nil, errors.New("instant engine requires a database")
	}
	if deps.Store == nil || deps.Ledger == nil || deps.Dispatcher == nil ||
		deps.Timers == nil || deps.Users == nil || deps.Locations == nil {
		return nil, errors.New("instant engine requires store, ledger, dispatcher, timers, users and locations")
	}
	if cfg.CancelPenaltyPercent <= 0 || cfg.CancelPenaltyPercent >= 100 {
		return nil, errors.NewValidationError("cancel penalty percent must be in (0, 100), got %v", cfg.CancelPenaltyPercent)
	}
	if cfg.JobTTL <= 0 || cfg.AutoCompleteDelay <= 0 {
		return nil, errors.NewValidationError("job TTL and auto-complete delay must be positive")
	}
	if cfg.DispatchStartTimeout <= 0 {
		cfg.DispatchStartTimeout = DefaultConfig().DispatchStartTimeout
	}

	e := &Engine{
		db:         database,
		store:      deps.Store,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		timers:     deps.Timers,
		users:      deps.Users,
		locations:  deps.Locations,
		publisher:  deps.Publisher,
		now:        deps.Clock,
		cfg:        cfg,
		logger:     logger.OrNop(log).Named("instant"),
	}
	if e.publisher == nil {
		e.publisher = notify.Nop{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// Close waits for background dispatch starts to finish.
func (e *Engine) Close() {
	e.bg.Wait()
}

// Create posts a job: the escrow hold and the job row commit together, then
// dispatch is started in the background. A failed dispatch start is logged
// only; the job stays pending and the sweep retries it.
func (e *Engine) Create(ctx context.Context, employerID string, p Posting) (*Job, error) {
	if err := e.requireRole(ctx, employerID, RoleEmployer); err != nil {
		return nil, err
	}
	if err := validatePosting(&p); err != nil {
		return nil, err
	}

	// JB + random + job type + "PROCESS" + address + random + employer
	jobID, err := id.GenerateJobASID(p.JobType, p.Location.Address, employerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job id")
	}

	now := e.now()
	job := &Job{
		ID:         jobID,
		EmployerID: employerID,
		Posting:    p,
		Status:     StatusPending,
		ExpiresAt:  now.Add(e.cfg.JobTTL),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job.SkillsRequired = append([]string{}, p.SkillsRequired...)

	err = db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		held, err := e.ledger.Hold(ctx, tx, job.ID, employerID, p.Pay, e.cfg.FeePercent)
		if err != nil {
			return err
		}
		job.EscrowID = held.ID
		return e.store.Insert(ctx, tx, job)
	})
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}

	logger.FromContext(ctx, e.logger).Infow("Job created",
		logger.FieldJobID, job.ID,
		logger.FieldEmployerID, employerID,
		logger.FieldEscrowID, job.EscrowID,
		logger.FieldAmount, p.Pay,
	)
	e.publish(JobEvent(job, notify.EventJobCreated, nil))

	e.startDispatchAsync(job.ID)
	return job, nil
}

func (e *Engine) startDispatchAsync(jobID string) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DispatchStartTimeout)
		defer cancel()

		if err := e.dispatcher.StartDispatch(ctx, jobID); err != nil {
			e.logger.Warnw("Dispatch start failed, job left pending for retry",
				logger.FieldJobID, jobID,
				logger.FieldError, err.Error(),
			)
		}
	}()
}

// Accept asks the dispatcher to lock the job for studentID and returns the
// lock deadline.
func (e *Engine) Accept(ctx context.Context, jobID, studentID string) (time.Time, error) {
	if err := e.requireRole(ctx, studentID, RoleStudent); err != nil {
		return time.Time{}, err
	}

	job, err := e.store.Get(ctx, e.db, jobID)
	if err != nil {
		return time.Time{}, err
	}
	if job.PastDeadline(e.now()) {
		return time.Time{}, errors.NewStateConflict("accept", jobID, string(job.Status), "job has expired")
	}
	if job.Status != StatusDispatching && job.Status != StatusLocked {
		return time.Time{}, errors.NewStateConflict("accept", jobID, string(job.Status), "job is not open for acceptance")
	}

	return e.dispatcher.HandleStudentAccept(ctx, jobID, studentID)
}

// ConfirmOrReject records the employer's decision on the locked student.
// A reject with no waves left fails the job and refunds the employer.
func (e *Engine) ConfirmOrReject(ctx context.Context, jobID, employerID string, confirm bool) error {
	job, err := e.store.Get(ctx, e.db, jobID)
	if err != nil {
		return err
	}
	if job.EmployerID != employerID {
		return errors.NewForbiddenError("employer %s does not own job %s", employerID, jobID)
	}
	if job.Status != StatusLocked {
		return errors.NewStateConflict("confirm", jobID, string(job.Status), "")
	}

	out, err := e.dispatcher.HandleEmployerConfirm(ctx, jobID, employerID, confirm)
	if err != nil {
		return err
	}
	if out.Exhausted {
		return e.Fail(ctx, jobID, "rejected with no dispatch waves remaining")
	}
	return nil
}

// ConfirmArrival records arrival. A student call marks the student as
// arrived; the employer's call starts the paid clock and moves the job to
// in_progress. Repeating a call that already took effect changes nothing.
func (e *Engine) ConfirmArrival(ctx context.Context, jobID, actorID string, role Role) (*Job, error) {
	var (
		job     *Job
		changed bool
	)
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		if job, err = e.store.Get(ctx, tx, jobID); err != nil {
			return err
		}

		switch role {
		case RoleStudent:
			if actorID == "" || actorID != job.CurrentStudent() {
				return errors.NewForbiddenError("student %s is not assigned to job %s", actorID, jobID)
			}
		case RoleEmployer:
			if actorID != job.EmployerID {
				return errors.NewForbiddenError("employer %s does not own job %s", actorID, jobID)
			}
		default:
			return errors.NewValidationError("unknown role %q", role)
		}

		if job.Status == StatusInProgress && job.ArrivalStatus == ArrivalArrived {
			return nil
		}
		if job.Status != StatusLocked {
			return errors.NewStateConflict("confirm arrival", jobID, string(job.Status), "")
		}

		now := e.now()
		if role == RoleStudent {
			if job.ArrivalStatus == ArrivalArrived {
				return nil
			}
			job.ArrivalStatus = ArrivalArrived
			job.ArrivalConfirmedBy = RoleStudent
			job.ArrivalConfirmedAt = &now
		} else {
			job.ArrivalStatus = ArrivalArrived
			job.ArrivalConfirmedBy = RoleEmployer
			job.ArrivalConfirmedAt = &now
			job.Status = StatusInProgress
			job.StartTime = &now
			if job.AcceptedBy == "" {
				job.AcceptedBy = job.LockedBy
				job.AcceptedAt = &now
			}
			job.LockedAt = nil
			job.LockExpiresAt = nil
		}

		changed = true
		return e.store.Update(ctx, tx, job, now)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		eventType := notify.EventArrivalConfirmed
		if job.Status == StatusInProgress {
			eventType = notify.EventJobStarted
		}
		logger.FromContext(ctx, e.logger).Infow("Arrival confirmed",
			logger.FieldJobID, jobID,
			logger.FieldActorRole, role,
			logger.FieldStatus, job.Status,
		)
		e.publish(JobEvent(job, eventType, map[string]any{"confirmed_by": role}))
	}
	return job, nil
}

// RequestCompletion marks the work done and arms the auto-complete timer.
// The deadline is fixed by the first request.
func (e *Engine) RequestCompletion(ctx context.Context, jobID, studentID string) (time.Time, error) {
	var (
		job     *Job
		changed bool
	)
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		if job, err = e.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if job.Status != StatusInProgress {
			return errors.NewStateConflict("request completion", jobID, string(job.Status), "")
		}
		if studentID == "" || studentID != job.AcceptedBy {
			return errors.NewForbiddenError("student %s is not assigned to job %s", studentID, jobID)
		}
		if job.CompletionRequestedAt != nil {
			return nil
		}

		now := e.now()
		job.CompletionRequestedAt = &now
		changed = true
		return e.store.Update(ctx, tx, job, now)
	})
	if err != nil {
		return time.Time{}, err
	}

	deadline := job.CompletionRequestedAt.Add(e.cfg.AutoCompleteDelay)
	e.timers.Schedule(jobID, deadline.Sub(e.now()), e.autoCompleteAction(jobID))

	if changed {
		logger.FromContext(ctx, e.logger).Infow("Completion requested",
			logger.FieldJobID, jobID,
			logger.FieldStudentID, studentID,
			logger.FieldDeadline, deadline,
		)
		e.publish(JobEvent(job, notify.EventCompletionRequested, map[string]any{"auto_complete_at": deadline}))
	}
	return deadline, nil
}

// ConfirmCompletion releases the escrow to the accepted student and
// completes the job in one transaction.
func (e *Engine) ConfirmCompletion(ctx context.Context, jobID, employerID string) error {
	var job *Job
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		if job, err = e.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if job.EmployerID != employerID {
			return errors.NewForbiddenError("employer %s does not own job %s", employerID, jobID)
		}
		if job.Status != StatusInProgress {
			return errors.NewStateConflict("confirm completion", jobID, string(job.Status), "")
		}
		if job.AcceptedBy == "" || job.EscrowID == "" {
			return errors.NewStateConflict("confirm completion", jobID, string(job.Status), "job has no accepted student or escrow")
		}
		return e.complete(ctx, tx, job, false)
	})
	if err != nil {
		return err
	}

	e.timers.Cancel(jobID)
	logger.FromContext(ctx, e.logger).Infow("Job completed", logger.FieldJobID, jobID, logger.FieldStudentID, job.AcceptedBy)
	e.publish(JobEvent(job, notify.EventJobCompleted, map[string]any{"auto_completed": false}))
	return nil
}

// AutoComplete is the timer fallback after a completion request. It
// re-validates everything inside the transaction and does nothing if the
// job has moved on.
func (e *Engine) AutoComplete(ctx context.Context, jobID string) error {
	var (
		job  *Job
		done bool
	)
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		if job, err = e.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if job.Status != StatusInProgress || job.CompletionRequestedAt == nil ||
			job.AcceptedBy == "" || job.EscrowID == "" {
			return nil
		}
		held, err := e.ledger.Get(ctx, tx, job.EscrowID)
		if err != nil {
			return err
		}
		if held.Status != escrow.StatusHeld {
			return nil
		}
		done = true
		return e.complete(ctx, tx, job, true)
	})
	if err != nil {
		if errors.IsNotFoundError(err) {
			logger.FromContext(ctx, e.logger).Debugw("Auto-complete for unknown job ignored", logger.FieldJobID, jobID)
			return nil
		}
		return err
	}
	if !done {
		logger.FromContext(ctx, e.logger).Debugw("Auto-complete no longer applicable", logger.FieldJobID, jobID, logger.FieldStatus, job.Status)
		return nil
	}

	logger.FromContext(ctx, e.logger).Infow("Job auto-completed", logger.FieldJobID, jobID, logger.FieldStudentID, job.AcceptedBy)
	e.publish(JobEvent(job, notify.EventJobCompleted, map[string]any{"auto_completed": true}))
	return nil
}

func (e *Engine) complete(ctx context.Context, tx *sql.Tx, job *Job, auto bool) error {
	note := "completion confirmed by employer"
	if auto {
		note = "auto-completed after completion request"
	}
	if err := e.ledger.Release(ctx, tx, job.EscrowID, job.AcceptedBy, note); err != nil {
		return err
	}

	now := e.now()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.CompletionAutoCompleted = auto
	return e.store.Update(ctx, tx, job, now)
}

func (e *Engine) autoCompleteAction(jobID string) timer.Action {
	return func(ctx context.Context) {
		if err := e.AutoComplete(ctx, jobID); err != nil {
			e.logger.Errorw("Auto-complete failed", logger.FieldJobID, jobID, logger.FieldError, err.Error())
		}
	}
}

// Cancel cancels a job for its employer. A job that was ever assigned is
// penalized; otherwise the held amount is refunded in full.
func (e *Engine) Cancel(ctx context.Context, jobID, employerID string) (CancelResult, error) {
	var (
		job     *Job
		result  CancelResult
		student string
	)
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		if job, err = e.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if job.EmployerID != employerID {
			return errors.NewForbiddenError("employer %s does not own job %s", employerID, jobID)
		}
		if job.Status.IsTerminal() {
			return errors.NewStateConflict("cancel", jobID, string(job.Status), "")
		}
		if job.EscrowID == "" {
			return errors.NewFinancialInvariantError("job %s has no escrow", jobID)
		}

		if job.EverAssigned() {
			split, err := e.ledger.PenalizeAndRefund(ctx, tx, job.EscrowID, e.cfg.CancelPenaltyPercent, "cancelled by employer after assignment")
			if err != nil {
				return err
			}
			result = CancelResult{PenaltyApplied: true, FeeAmount: split.FeeAmount, RefundAmount: split.RefundAmount}
		} else {
			refund, err := e.ledger.Refund(ctx, tx, job.EscrowID, "cancelled by employer")
			if err != nil {
				return err
			}
			result = CancelResult{RefundAmount: refund}
		}

		student = job.CurrentStudent()
		job.clearAssignment()
		job.Status = StatusCancelled
		job.Reason = "cancelled by employer"
		return e.store.Update(ctx, tx, job, e.now())
	})
	if err != nil {
		return CancelResult{}, err
	}

	e.dispatcher.StopDispatch(jobID)
	e.timers.Cancel(jobID)

	logger.FromContext(ctx, e.logger).Infow("Job cancelled",
		logger.FieldJobID, jobID,
		"penalty_applied", result.PenaltyApplied,
		logger.FieldFee, result.FeeAmount,
		logger.FieldRefund, result.RefundAmount,
	)
	e.publish(JobEvent(job, notify.EventJobCancelled, map[string]any{
		"penalty_applied": result.PenaltyApplied,
		"fee_amount":      result.FeeAmount,
		"refund_amount":   result.RefundAmount,
	}, student))
	return result, nil
}

// Expire moves a never-locked job past its deadline to expired and refunds
// the employer. It reports whether the job was expired by this call.
func (e *Engine) Expire(ctx context.Context, jobID string) (bool, error) {
	var job *Job
	expired := false
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		if job, err = e.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if !job.PastDeadline(e.now()) {
			return nil
		}
		if _, err := e.ledger.Refund(ctx, tx, job.EscrowID, "job expired without a student"); err != nil {
			return err
		}
		job.Status = StatusExpired
		job.Reason = "no student locked the job before it expired"
		expired = true
		return e.store.Update(ctx, tx, job, e.now())
	})
	if err != nil || !expired {
		return false, err
	}

	e.dispatcher.StopDispatch(jobID)
	logger.FromContext(ctx, e.logger).Infow("Job expired", logger.FieldJobID, jobID)
	e.publish(JobEvent(job, notify.EventJobExpired, nil))
	return true, nil
}

// Fail moves a non-terminal job to failed and refunds the employer in full.
func (e *Engine) Fail(ctx context.Context, jobID, reason string) error {
	var (
		job     *Job
		student string
	)
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		if job, err = e.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return errors.NewStateConflict("fail", jobID, string(job.Status), "")
		}
		if _, err := e.ledger.Refund(ctx, tx, job.EscrowID, reason); err != nil {
			return err
		}
		student = job.CurrentStudent()
		job.clearAssignment()
		job.Status = StatusFailed
		job.Reason = reason
		return e.store.Update(ctx, tx, job, e.now())
	})
	if err != nil {
		return err
	}

	e.dispatcher.StopDispatch(jobID)
	e.timers.Cancel(jobID)
	logger.FromContext(ctx, e.logger).Warnw("Job failed", logger.FieldJobID, jobID, "reason", reason)
	e.publish(JobEvent(job, notify.EventJobFailed, map[string]any{"reason": reason}, student))
	return nil
}

// RecoverTimers re-arms auto-complete timers for in-progress jobs with an
// outstanding completion request. Run once at startup.
func (e *Engine) RecoverTimers(ctx context.Context) (int, error) {
	jobs, err := e.store.ListByStatus(ctx, e.db, []Status{StatusInProgress}, 0)
	if err != nil {
		return 0, err
	}

	armed := 0
	now := e.now()
	for _, job := range jobs {
		if job.CompletionRequestedAt == nil {
			continue
		}
		deadline := job.CompletionRequestedAt.Add(e.cfg.AutoCompleteDelay)
		e.timers.Schedule(job.ID, deadline.Sub(now), e.autoCompleteAction(job.ID))
		armed++
	}

	if armed > 0 {
		logger.FromContext(ctx, e.logger).Infow("Auto-complete timers recovered", logger.FieldCount, armed)
	}
	return armed, nil
}

// AutoCompleteDue reports whether job's completion request has outlived the
// auto-complete delay at now.
func (e *Engine) AutoCompleteDue(job *Job, now time.Time) bool {
	return job.Status == StatusInProgress && job.CompletionRequestedAt != nil &&
		!now.Before(job.CompletionRequestedAt.Add(e.cfg.AutoCompleteDelay))
}

func (e *Engine) requireRole(ctx context.Context, userID string, role Role) error {
	if strings.TrimSpace(userID) == "" {
		return errors.NewValidationError("%s id is required", role)
	}
	party, err := e.users.Lookup(ctx, userID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return errors.NewForbiddenError("unknown %s %s", role, userID)
		}
		return errors.WrapTransient(err, "user lookup")
	}
	if party.Role != role {
		return errors.NewForbiddenError("user %s is not a %s", userID, role)
	}
	if party.Banned {
		return errors.NewForbiddenError("%s %s is banned", role, userID)
	}
	return nil
}

func (e *Engine) publish(ev notify.Event) {
	if err := e.publisher.Publish(ev); err != nil {
		e.logger.Warnw("Notification publish failed",
			logger.FieldJobID, ev.JobID,
			"event_type", ev.Type,
			logger.FieldError, err.Error(),
		)
	}
}

var durationUnits = map[string]bool{"minutes": true, "hours": true, "days": true}

func validatePosting(p *Posting) error {
	p.JobType = strings.TrimSpace(p.JobType)
	p.JobTitle = strings.TrimSpace(p.JobTitle)
	p.Location.Address = strings.TrimSpace(p.Location.Address)
	p.DurationUnit = strings.ToLower(strings.TrimSpace(p.DurationUnit))
	if p.DurationUnit == "" {
		p.DurationUnit = "hours"
	}

	switch {
	case p.JobType == "":
		return errors.NewValidationError("job type is required")
	case p.JobTitle == "":
		return errors.NewValidationError("job title is required")
	case p.Location.Address == "":
		return errors.NewValidationError("location address is required")
	case math.IsNaN(p.Pay) || math.IsInf(p.Pay, 0) || p.Pay <= 0:
		return errors.NewValidationError("pay must be a positive number, got %v", p.Pay)
	case math.IsNaN(p.Duration) || p.Duration <= 0:
		return errors.NewValidationError("duration must be positive, got %v", p.Duration)
	case !durationUnits[p.DurationUnit]:
		return errors.NewValidationError("duration unit must be minutes, hours or days, got %q", p.DurationUnit)
	case p.Radius < 0:
		return errors.NewValidationError("radius must not be negative, got %v", p.Radius)
	case p.Location.Latitude < -90 || p.Location.Latitude > 90:
		return errors.NewValidationError("latitude out of range: %v", p.Location.Latitude)
	case p.Location.Longitude < -180 || p.Location.Longitude > 180:
		return errors.NewValidationError("longitude out of range: %v", p.Location.Longitude)
	}
	return nil
}
