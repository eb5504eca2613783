package instant

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/shiftly/errors"
)

// jobScanArgs holds the nullable and encoded columns of a job row.
type jobScanArgs struct {
	SkillsJSON            string
	LockedBy              sql.NullString
	LockedAt              sql.NullTime
	LockExpiresAt         sql.NullTime
	AcceptedBy            sql.NullString
	AcceptedAt            sql.NullTime
	ArrivalConfirmedAt    sql.NullTime
	StartTime             sql.NullTime
	CompletionRequestedAt sql.NullTime
	CompletedAt           sql.NullTime
	EmployerViewedAt      sql.NullTime
	StudentViewedAt       sql.NullTime
}

// jobSelectColumns is the column list every job SELECT uses, in scan order.
const jobSelectColumns = `id, employer_id,
		job_type, job_title, description,
		location_address, location_latitude, location_longitude,
		pay, duration, duration_unit, skills_required, radius,
		status, current_wave, expires_at,
		locked_by, locked_at, lock_expires_at, was_locked, accepted_by, accepted_at,
		arrival_status, arrival_confirmed_at, arrival_confirmed_by,
		start_time, completion_requested_at, completed_at, completion_auto_completed,
		escrow_id,
		viewed_by_employer, viewed_by_student, employer_viewed_at, student_viewed_at,
		reason, version, created_at, updated_at`

func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.EmployerID,
		&job.JobType,
		&job.JobTitle,
		&job.Description,
		&job.Location.Address,
		&job.Location.Latitude,
		&job.Location.Longitude,
		&job.Pay,
		&job.Duration,
		&job.DurationUnit,
		&args.SkillsJSON,
		&job.Radius,
		&job.Status,
		&job.CurrentWave,
		&job.ExpiresAt,
		&args.LockedBy,
		&args.LockedAt,
		&args.LockExpiresAt,
		&job.WasLocked,
		&args.AcceptedBy,
		&args.AcceptedAt,
		&job.ArrivalStatus,
		&args.ArrivalConfirmedAt,
		&job.ArrivalConfirmedBy,
		&args.StartTime,
		&args.CompletionRequestedAt,
		&args.CompletedAt,
		&job.CompletionAutoCompleted,
		&job.EscrowID,
		&job.Views.ViewedByEmployer,
		&job.Views.ViewedByStudent,
		&args.EmployerViewedAt,
		&args.StudentViewedAt,
		&job.Reason,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

func processJobScanArgs(job *Job, args *jobScanArgs) error {
	if args.SkillsJSON != "" {
		if err := json.Unmarshal([]byte(args.SkillsJSON), &job.SkillsRequired); err != nil {
			return errors.Wrapf(err, "failed to unmarshal skills for job %s", job.ID)
		}
	}

	job.ExpiresAt = job.ExpiresAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.LockedBy = args.LockedBy.String
	job.AcceptedBy = args.AcceptedBy.String
	job.LockedAt = nullTimePtr(args.LockedAt)
	job.LockExpiresAt = nullTimePtr(args.LockExpiresAt)
	job.AcceptedAt = nullTimePtr(args.AcceptedAt)
	job.ArrivalConfirmedAt = nullTimePtr(args.ArrivalConfirmedAt)
	job.StartTime = nullTimePtr(args.StartTime)
	job.CompletionRequestedAt = nullTimePtr(args.CompletionRequestedAt)
	job.CompletedAt = nullTimePtr(args.CompletedAt)
	job.Views.EmployerViewedAt = nullTimePtr(args.EmployerViewedAt)
	job.Views.StudentViewedAt = nullTimePtr(args.StudentViewedAt)
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	args := &jobScanArgs{}
	if err := row.Scan(jobScanTargets(&job, args)...); err != nil {
		return nil, err
	}
	if err := processJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
