package instant

import (
	"context"
	"database/sql"

	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/logger"
	"github.com/teranos/shiftly/notify"
)

// History paging bounds.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// GetStatus returns the job with party references as ids only.
func (e *Engine) GetStatus(ctx context.Context, jobID string) (*Job, error) {
	return e.store.Get(ctx, e.db, jobID)
}

// GetDetail returns the job joined with its wave history, parties and escrow.
func (e *Engine) GetDetail(ctx context.Context, jobID string) (*Detail, error) {
	job, err := e.store.Get(ctx, e.db, jobID)
	if err != nil {
		return nil, err
	}
	if job.Waves, err = e.store.Waves(ctx, e.db, jobID); err != nil {
		return nil, err
	}

	d := &Detail{Job: job}
	if d.Employer, err = e.lookupOptional(ctx, job.EmployerID); err != nil {
		return nil, err
	}
	if s := job.CurrentStudent(); s != "" {
		if d.Student, err = e.lookupOptional(ctx, s); err != nil {
			return nil, err
		}
	}
	if d.Escrow, err = e.ledger.Get(ctx, e.db, job.EscrowID); err != nil {
		return nil, err
	}
	return d, nil
}

// GetWaves returns the broadcast history of a job.
func (e *Engine) GetWaves(ctx context.Context, jobID string) ([]Wave, error) {
	if _, err := e.store.Get(ctx, e.db, jobID); err != nil {
		return nil, err
	}
	return e.store.Waves(ctx, e.db, jobID)
}

// GetContactInfo returns the counterpart's contact details. The employer
// sees the assigned student and their live location; the student sees the
// employer and the job location.
func (e *Engine) GetContactInfo(ctx context.Context, jobID, requesterID string) (*ContactInfo, error) {
	job, err := e.store.Get(ctx, e.db, jobID)
	if err != nil {
		return nil, err
	}

	student := job.CurrentStudent()
	switch {
	case requesterID != "" && requesterID == job.EmployerID:
		if student == "" || (job.Status != StatusLocked && job.Status != StatusInProgress) {
			return nil, errors.NewStateConflict("contact info", jobID, string(job.Status), "no student assigned")
		}
		party, err := e.users.Lookup(ctx, student)
		if err != nil {
			return nil, err
		}
		return &ContactInfo{Counterpart: party, LiveLocation: e.locate(ctx, student)}, nil

	case requesterID != "" && requesterID == student:
		party, err := e.users.Lookup(ctx, job.EmployerID)
		if err != nil {
			return nil, err
		}
		loc := job.Location
		return &ContactInfo{Counterpart: party, JobLocation: &loc}, nil
	}

	return nil, errors.NewForbiddenError("user %s is not a party to job %s", requesterID, jobID)
}

// TrackStudent gives the owning employer the assigned student's position.
func (e *Engine) TrackStudent(ctx context.Context, jobID, requesterID string) (*Tracking, error) {
	job, err := e.store.Get(ctx, e.db, jobID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || requesterID != job.EmployerID {
		return nil, errors.NewForbiddenError("only the owning employer can track job %s", jobID)
	}
	student := job.CurrentStudent()
	if student == "" || (job.Status != StatusLocked && job.Status != StatusInProgress) {
		return nil, errors.NewStateConflict("track student", jobID, string(job.Status), "no student assigned")
	}

	party, err := e.users.Lookup(ctx, student)
	if err != nil {
		return nil, err
	}
	return &Tracking{Job: job, Student: party, StudentLocation: e.locate(ctx, student), JobLocation: job.Location}, nil
}

// MarkViewed records that a party has seen the assignment confirmation.
// Marking twice keeps the first timestamp.
func (e *Engine) MarkViewed(ctx context.Context, jobID, actorID string, role Role) (*Job, error) {
	var (
		job     *Job
		changed bool
	)
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		if job, err = e.store.Get(ctx, tx, jobID); err != nil {
			return err
		}
		if job.AcceptedBy == "" {
			return errors.NewStateConflict("mark viewed", jobID, string(job.Status), "no confirmed assignment to view")
		}

		now := e.now()
		switch role {
		case RoleEmployer:
			if actorID != job.EmployerID {
				return errors.NewForbiddenError("employer %s does not own job %s", actorID, jobID)
			}
			if job.Views.ViewedByEmployer {
				return nil
			}
			job.Views.ViewedByEmployer = true
			job.Views.EmployerViewedAt = &now
		case RoleStudent:
			if actorID == "" || actorID != job.AcceptedBy {
				return errors.NewForbiddenError("student %s is not assigned to job %s", actorID, jobID)
			}
			if job.Views.ViewedByStudent {
				return nil
			}
			job.Views.ViewedByStudent = true
			job.Views.StudentViewedAt = &now
		default:
			return errors.NewValidationError("unknown role %q", role)
		}

		changed = true
		return e.store.Update(ctx, tx, job, now)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.publish(JobEvent(job, notify.EventConfirmationViewed, map[string]any{"viewed_by": role}))
	}
	return job, nil
}

// GetCurrent returns the actor's active job, or nil when there is none.
func (e *Engine) GetCurrent(ctx context.Context, actorID string, role Role) (*Job, error) {
	if actorID == "" {
		return nil, errors.NewValidationError("actor id is required")
	}
	switch role {
	case RoleEmployer:
		return e.store.CurrentForEmployer(ctx, e.db, actorID)
	case RoleStudent:
		return e.store.CurrentForStudent(ctx, e.db, actorID)
	}
	return nil, errors.NewValidationError("unknown role %q", role)
}

// GetHistory returns a page of the student's jobs, newest first. page is
// 1-based; a zero page or limit selects the defaults.
func (e *Engine) GetHistory(ctx context.Context, studentID string, page, limit int, includeActive bool) (*HistoryPage, error) {
	if studentID == "" {
		return nil, errors.NewValidationError("student id is required")
	}
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if page < 1 {
		return nil, errors.NewValidationError("page must be at least 1, got %d", page)
	}
	if limit < 1 || limit > MaxHistoryLimit {
		return nil, errors.NewValidationError("limit must be between 1 and %d, got %d", MaxHistoryLimit, limit)
	}

	jobs, total, err := e.store.History(ctx, e.db, studentID, (page-1)*limit, limit, includeActive)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{
		Jobs:  jobs,
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: (total + limit - 1) / limit,
	}, nil
}

func (e *Engine) lookupOptional(ctx context.Context, userID string) (*Party, error) {
	party, err := e.users.Lookup(ctx, userID)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	return party, err
}

// locate returns nil when the position is unknown or the source fails.
func (e *Engine) locate(ctx context.Context, studentID string) *GeoPoint {
	point, err := e.locations.Locate(ctx, studentID)
	if err != nil {
		e.logger.Warnw("Student location unavailable",
			logger.FieldStudentID, studentID,
			logger.FieldError, err.Error(),
		)
		return nil
	}
	return point
}
