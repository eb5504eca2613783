package notify

import (
	"time"
)

// Event types published for job lifecycle transitions
const (
	EventJobCreated          = "job.created"
	EventJobDispatching      = "job.dispatching"
	EventJobOffer            = "job.offer"
	EventJobLocked           = "job.locked"
	EventJobConfirmed        = "job.confirmed"
	EventJobRejected         = "job.rejected"
	EventArrivalConfirmed    = "job.arrival_confirmed"
	EventJobStarted          = "job.in_progress"
	EventCompletionRequested = "job.completion_requested"
	EventJobCompleted        = "job.completed"
	EventJobCancelled        = "job.cancelled"
	EventJobExpired          = "job.expired"
	EventJobFailed           = "job.failed"
	EventConfirmationViewed  = "job.confirmation_viewed"
)

// Event is one lifecycle notification.
// Version is the persisted job version after the transition; clients use it
// to order and deduplicate events for the same job.
type Event struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	Version   int64          `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Topics    []string       `json:"-"`
	Data      map[string]any `json:"data,omitempty"`
}

// JobTopic is the job-scoped channel.
func JobTopic(jobID string) string { return "job:" + jobID }

// EmployerTopic is an employer's personal channel.
func EmployerTopic(employerID string) string { return "employer:" + employerID }

// StudentTopic is a student's personal channel.
func StudentTopic(studentID string) string { return "student:" + studentID }

// Publisher is the publish primitive the lifecycle engine depends on.
type Publisher interface {
	Publish(ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }
