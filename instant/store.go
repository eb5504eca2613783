package instant

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/errors"
)

// Store persists jobs and their wave history. Every method runs on the
// caller's db.Querier so it can take part in the caller's transaction.
type Store struct{}

// NewStore creates a job store.
func NewStore() *Store {
	return &Store{}
}

// Insert writes a new job row.
func (s *Store) Insert(ctx context.Context, q db.Querier, job *Job) error {
	skills, err := marshalSkills(job.SkillsRequired)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO instant_jobs (
			id, employer_id,
			job_type, job_title, description,
			location_address, location_latitude, location_longitude,
			pay, duration, duration_unit, skills_required, radius,
			status, current_wave, expires_at,
			escrow_id, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.EmployerID,
		job.JobType, job.JobTitle, job.Description,
		job.Location.Address, job.Location.Latitude, job.Location.Longitude,
		job.Pay, job.Duration, job.DurationUnit, skills, job.Radius,
		job.Status, job.CurrentWave, job.ExpiresAt,
		job.EscrowID, job.Version, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.WrapTransient(err, "failed to insert job")
	}
	return nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, q db.Querier, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobSelectColumns+` FROM instant_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "failed to get job")
	}
	return job, nil
}

// Update writes every mutable field of job, guarded by its version.
// On success job.Version is incremented and job.UpdatedAt set to now.
// A stale version fails with a state conflict carrying the current status.
func (s *Store) Update(ctx context.Context, q db.Querier, job *Job, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE instant_jobs
		SET status = ?,
		    current_wave = ?,
		    locked_by = ?,
		    locked_at = ?,
		    lock_expires_at = ?,
		    was_locked = ?,
		    accepted_by = ?,
		    accepted_at = ?,
		    arrival_status = ?,
		    arrival_confirmed_at = ?,
		    arrival_confirmed_by = ?,
		    start_time = ?,
		    completion_requested_at = ?,
		    completed_at = ?,
		    completion_auto_completed = ?,
		    viewed_by_employer = ?,
		    viewed_by_student = ?,
		    employer_viewed_at = ?,
		    student_viewed_at = ?,
		    reason = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND version = ?`,
		job.Status,
		job.CurrentWave,
		nullString(job.LockedBy),
		nullTime(job.LockedAt),
		nullTime(job.LockExpiresAt),
		job.WasLocked,
		nullString(job.AcceptedBy),
		nullTime(job.AcceptedAt),
		job.ArrivalStatus,
		nullTime(job.ArrivalConfirmedAt),
		job.ArrivalConfirmedBy,
		nullTime(job.StartTime),
		nullTime(job.CompletionRequestedAt),
		nullTime(job.CompletedAt),
		job.CompletionAutoCompleted,
		job.Views.ViewedByEmployer,
		job.Views.ViewedByStudent,
		nullTime(job.Views.EmployerViewedAt),
		nullTime(job.Views.StudentViewedAt),
		job.Reason,
		now,
		job.ID,
		job.Version,
	)
	if err != nil {
		return errors.WrapTransient(err, "failed to update job")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapTransient(err, "rows affected")
	}
	if n == 0 {
		current, err := s.Get(ctx, q, job.ID)
		if err != nil {
			return err
		}
		return errors.NewStateConflict("update", job.ID, string(current.Status), "job was modified concurrently")
	}

	job.Version++
	job.UpdatedAt = now
	return nil
}

// AppendWave records a broadcast round. Wave rows are never updated.
func (s *Store) AppendWave(ctx context.Context, q db.Querier, w Wave) error {
	candidates, err := json.Marshal(nonNil(w.Candidates))
	if err != nil {
		return errors.Wrap(err, "failed to marshal wave candidates")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO instant_job_waves (job_id, wave_number, candidates, broadcast_at)
		VALUES (?, ?, ?, ?)`,
		w.JobID, w.Number, string(candidates), w.BroadcastAt,
	)
	if err != nil {
		return errors.WrapTransient(err, "failed to append wave")
	}
	return nil
}

// Waves returns the wave history of a job, oldest first.
func (s *Store) Waves(ctx context.Context, q db.Querier, jobID string) ([]Wave, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT job_id, wave_number, candidates, broadcast_at
		FROM instant_job_waves
		WHERE job_id = ?
		ORDER BY wave_number`, jobID)
	if err != nil {
		return nil, errors.WrapTransient(err, "failed to query waves")
	}
	defer rows.Close()

	waves := []Wave{}
	for rows.Next() {
		var (
			w          Wave
			candidates string
		)
		if err := rows.Scan(&w.JobID, &w.Number, &candidates, &w.BroadcastAt); err != nil {
			return nil, errors.WrapTransient(err, "failed to scan wave")
		}
		if err := json.Unmarshal([]byte(candidates), &w.Candidates); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal candidates for wave %d of job %s", w.Number, jobID)
		}
		w.BroadcastAt = w.BroadcastAt.UTC()
		waves = append(waves, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "failed to iterate waves")
	}
	return waves, nil
}

// AddRejection records that the employer turned studentID down for jobID.
// Rejecting the same student twice is a no-op.
func (s *Store) AddRejection(ctx context.Context, q db.Querier, jobID, studentID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO instant_job_rejections (job_id, student_id, rejected_at)
		VALUES (?, ?, ?)`,
		jobID, studentID, at,
	)
	if err != nil {
		return errors.WrapTransient(err, "failed to record rejection")
	}
	return nil
}

// Rejected reports whether the employer already turned studentID down for jobID.
func (s *Store) Rejected(ctx context.Context, q db.Querier, jobID, studentID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM instant_job_rejections
		WHERE job_id = ? AND student_id = ?`,
		jobID, studentID,
	).Scan(&n)
	if err != nil {
		return false, errors.WrapTransient(err, "failed to check rejection")
	}
	return n > 0, nil
}

// ListByStatus returns jobs in any of statuses, oldest first. limit <= 0 means no limit.
func (s *Store) ListByStatus(ctx context.Context, q db.Querier, statuses []Status, limit int) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	query := `SELECT ` + jobSelectColumns + ` FROM instant_jobs WHERE status IN (` + placeholders(len(statuses)) + `) ORDER BY created_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryJobs(ctx, q, query, args...)
}

// CurrentForEmployer returns the employer's most recent non-terminal job, or nil.
func (s *Store) CurrentForEmployer(ctx context.Context, q db.Querier, employerID string) (*Job, error) {
	jobs, err := s.queryJobs(ctx, q, `
		SELECT `+jobSelectColumns+` FROM instant_jobs
		WHERE employer_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at DESC
		LIMIT 1`,
		employerID, StatusPending, StatusDispatching, StatusLocked, StatusInProgress,
	)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// CurrentForStudent returns the job the student holds or works on, or nil.
func (s *Store) CurrentForStudent(ctx context.Context, q db.Querier, studentID string) (*Job, error) {
	jobs, err := s.queryJobs(ctx, q, `
		SELECT `+jobSelectColumns+` FROM instant_jobs
		WHERE (accepted_by = ? OR locked_by = ?) AND status IN (?, ?)
		ORDER BY updated_at DESC
		LIMIT 1`,
		studentID, studentID, StatusLocked, StatusInProgress,
	)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// History returns one page of the student's completed jobs, newest first,
// optionally including active ones, plus the total row count.
func (s *Store) History(ctx context.Context, q db.Querier, studentID string, offset, limit int, includeActive bool) ([]*Job, int, error) {
	where := `accepted_by = ? AND status = ?`
	args := []interface{}{studentID, StatusCompleted}
	if includeActive {
		where = `((accepted_by = ? AND status = ?) OR ((accepted_by = ? OR locked_by = ?) AND status IN (?, ?)))`
		args = append(args, studentID, studentID, StatusLocked, StatusInProgress)
	}

	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM instant_jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.WrapTransient(err, "failed to count job history")
	}

	jobs, err := s.queryJobs(ctx, q,
		`SELECT `+jobSelectColumns+` FROM instant_jobs WHERE `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *Store) queryJobs(ctx context.Context, q db.Querier, query string, args ...interface{}) ([]*Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "failed to query jobs")
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "failed to iterate jobs")
	}
	return jobs, nil
}

func marshalSkills(skills []string) (string, error) {
	b, err := json.Marshal(nonNil(skills))
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal skills")
	}
	return string(b), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
