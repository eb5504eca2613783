// Package instant is the instant job lifecycle: the Job aggregate, its
// sqlite store, and the Engine that is the single authority for status
// transitions.
package instant

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an instant job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusLocked      Status = "locked"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusDispatching, StatusLocked, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Role is the side of the handshake an actor is on.
type Role string

const (
	RoleEmployer Role = "employer"
	RoleStudent  Role = "student"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleEmployer, RoleStudent:
		return Role(s), true
	}
	return "", false
}

// ArrivalStatus tracks the student's arrival.
type ArrivalStatus string

const (
	ArrivalNone    ArrivalStatus = ""
	ArrivalEnRoute ArrivalStatus = "en_route"
	ArrivalArrived ArrivalStatus = "arrived"
)

// Location is where the work happens.
type Location struct {
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Posting is what the employer submits.
type Posting struct {
	JobType        string   `json:"job_type"`
	JobTitle       string   `json:"job_title"`
	Description    string   `json:"description,omitempty"`
	Location       Location `json:"location"`
	Pay            float64  `json:"pay"`
	Duration       float64  `json:"duration"`
	DurationUnit   string   `json:"duration_unit"`
	SkillsRequired []string `json:"skills_required"`
	Radius         float64  `json:"radius"`
}

// ConfirmationViews records whether each party has seen the confirmation.
type ConfirmationViews struct {
	ViewedByEmployer bool       `json:"viewed_by_employer"`
	ViewedByStudent  bool       `json:"viewed_by_student"`
	EmployerViewedAt *time.Time `json:"employer_viewed_at"`
	StudentViewedAt  *time.Time `json:"student_viewed_at"`
}

// Wave is one broadcast round. Rows are append-only.
type Wave struct {
	JobID       string    `json:"job_id"`
	Number      int       `json:"number"`
	Candidates  []string  `json:"candidates"`
	BroadcastAt time.Time `json:"broadcast_at"`
}

// Job is the instant job aggregate.
type Job struct {
	ID         string `json:"id"`
	EmployerID string `json:"employer_id"`
	Posting

	Status      Status    `json:"status"`
	CurrentWave int       `json:"current_wave"`
	Waves       []Wave    `json:"waves,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`

	LockedBy      string     `json:"locked_by,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
	// WasLocked survives a reject, which clears LockedBy.
	WasLocked  bool       `json:"was_locked"`
	AcceptedBy string     `json:"accepted_by,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`

	ArrivalStatus      ArrivalStatus `json:"arrival_status,omitempty"`
	ArrivalConfirmedAt *time.Time    `json:"arrival_confirmed_at,omitempty"`
	ArrivalConfirmedBy Role          `json:"arrival_confirmed_by,omitempty"`

	StartTime *time.Time `json:"start_time,omitempty"`

	CompletionRequestedAt   *time.Time `json:"completion_requested_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	CompletionAutoCompleted bool       `json:"completion_auto_completed"`

	EscrowID string `json:"escrow_id"`

	Views ConfirmationViews `json:"confirmation_views"`

	Reason    string    `json:"reason,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentStudent is the student the job is currently tied to.
// AcceptedBy is authoritative once set.
func (j *Job) CurrentStudent() string {
	if j.AcceptedBy != "" {
		return j.AcceptedBy
	}
	return j.LockedBy
}

// LockLive reports whether a lock is held and has not expired at now.
func (j *Job) LockLive(now time.Time) bool {
	return j.LockedBy != "" && j.LockExpiresAt != nil && now.Before(*j.LockExpiresAt)
}

// PastDeadline reports whether a never-locked job has outlived ExpiresAt.
func (j *Job) PastDeadline(now time.Time) bool {
	return (j.Status == StatusPending || j.Status == StatusDispatching) && !now.Before(j.ExpiresAt)
}

// EverAssigned reports whether a student ever held or was given the job.
func (j *Job) EverAssigned() bool {
	return j.WasLocked || j.LockedBy != "" || j.AcceptedBy != "" ||
		j.Status == StatusLocked || j.Status == StatusInProgress
}

// ClearLock drops the lock and any assignment or arrival derived from it.
func (j *Job) ClearLock() {
	j.LockedBy = ""
	j.LockedAt = nil
	j.LockExpiresAt = nil
	j.AcceptedBy = ""
	j.AcceptedAt = nil
	j.ArrivalStatus = ArrivalNone
	j.ArrivalConfirmedAt = nil
	j.ArrivalConfirmedBy = ""
}

// clearAssignment additionally drops completion bookkeeping.
func (j *Job) clearAssignment() {
	j.ClearLock()
	j.StartTime = nil
	j.CompletionRequestedAt = nil
}

// CancelResult reports the financial outcome of a cancellation.
type CancelResult struct {
	PenaltyApplied bool            `json:"penalty_applied"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
}

// HistoryPage is one page of a student's job history.
type HistoryPage struct {
	Jobs  []*Job `json:"jobs"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Total int    `json:"total"`
	Pages int    `json:"pages"`
}
