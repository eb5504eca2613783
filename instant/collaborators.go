package instant

import (
	"context"
	"time"

	"github.com/teranos/shiftly/escrow"
	"github.com/teranos/shiftly/pulse/timer"
)

// Party is a user as seen by the lifecycle engine.
type Party struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Banned bool   `json:"banned,omitempty"`
}

// GeoPoint is a reported position.
type GeoPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserDirectory resolves identities, roles, contact details and ban status.
// Unknown ids return an error matching errors.ErrNotFound.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*Party, error)
}

// LocationSource reports the live position of a student.
// Students without a known position return (nil, nil).
type LocationSource interface {
	Locate(ctx context.Context, studentID string) (*GeoPoint, error)
}

// DispatchOutcome tells the engine what an employer decision did.
type DispatchOutcome struct {
	// Resumed is set when a reject put the job back to dispatching.
	Resumed bool
	// Exhausted is set when a reject found no waves left; the job is untouched
	// and the engine must fail it.
	Exhausted bool
}

// Dispatcher owns wave broadcasting and lock arbitration.
type Dispatcher interface {
	StartDispatch(ctx context.Context, jobID string) error
	StopDispatch(jobID string)
	HandleStudentAccept(ctx context.Context, jobID, studentID string) (time.Time, error)
	HandleEmployerConfirm(ctx context.Context, jobID, employerID string, confirm bool) (DispatchOutcome, error)
}

// Timers arms and cancels per-job deferred actions.
type Timers interface {
	Schedule(jobID string, delay time.Duration, action timer.Action)
	Cancel(jobID string)
}

// Detail is the joined projection of a job with its parties and escrow.
type Detail struct {
	*Job
	Employer *Party         `json:"employer"`
	Student  *Party         `json:"student,omitempty"`
	Escrow   *escrow.Escrow `json:"escrow"`
}

// ContactInfo is what one party may see of the other.
type ContactInfo struct {
	Counterpart *Party `json:"counterpart"`
	// JobLocation is returned to the student.
	JobLocation *Location `json:"job_location,omitempty"`
	// LiveLocation is the student's position, returned to the employer.
	LiveLocation *GeoPoint `json:"live_location,omitempty"`
}

// Tracking is the employer's view of an assigned student.
type Tracking struct {
	Job             *Job      `json:"job"`
	Student         *Party    `json:"student"`
	StudentLocation *GeoPoint `json:"student_location,omitempty"`
	JobLocation     Location  `json:"job_location"`
}
