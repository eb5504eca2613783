package server

import (
	"time"

	"github.com/teranos/shiftly/instant"
)

// CreateJobRequest is the employer's posting.
type CreateJobRequest = instant.Posting

// ConfirmRequest carries the employer's decision on the locked student.
type ConfirmRequest struct {
	Confirm *bool `json:"confirm"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job *instant.Job `json:"job"`
}

// AcceptResponse is returned to the student who locked a job.
type AcceptResponse struct {
	JobID         string    `json:"job_id"`
	LockExpiresAt time.Time `json:"lock_expires_at"`
}

// CompletionResponse reports when the job completes on its own.
type CompletionResponse struct {
	JobID          string    `json:"job_id"`
	AutoCompleteAt time.Time `json:"auto_complete_at"`
}

// WavesResponse lists a job's broadcast history.
type WavesResponse struct {
	JobID string         `json:"job_id"`
	Waves []instant.Wave `json:"waves"`
	Count int            `json:"count"`
}
