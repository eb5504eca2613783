package am

import "github.com/teranos/shiftly/errors"

// Cancellation penalty bounds.
const (
	MinCancelPenaltyPercent = 20.0
	MaxCancelPenaltyPercent = 30.0
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.NewValidationError("server.port must be in [0, 65535], got %d", c.Server.Port)
	}

	if c.Instant.FeePercent < 0 || c.Instant.FeePercent >= 100 {
		return errors.NewValidationError("instant.fee_percent must be in [0, 100), got %v", c.Instant.FeePercent)
	}
	if c.Instant.CancelPenaltyPercent < MinCancelPenaltyPercent || c.Instant.CancelPenaltyPercent > MaxCancelPenaltyPercent {
		return errors.NewValidationError("instant.cancel_penalty_percent must be between %v and %v, got %v",
			MinCancelPenaltyPercent, MaxCancelPenaltyPercent, c.Instant.CancelPenaltyPercent)
	}
	if c.Instant.JobTTLMinutes <= 0 {
		return errors.NewValidationError("instant.job_ttl_minutes must be > 0, got %d", c.Instant.JobTTLMinutes)
	}
	if c.Instant.LockDurationSeconds <= 0 {
		return errors.NewValidationError("instant.lock_duration_seconds must be > 0, got %d", c.Instant.LockDurationSeconds)
	}
	if c.Instant.AutoCompleteMinutes <= 0 {
		return errors.NewValidationError("instant.auto_complete_minutes must be > 0, got %d", c.Instant.AutoCompleteMinutes)
	}

	if err := c.DispatchTuning().Validate(); err != nil {
		return errors.Wrap(err, "dispatch")
	}

	if c.Sweep.IntervalSeconds <= 0 {
		return errors.NewValidationError("sweep.interval_seconds must be > 0, got %d", c.Sweep.IntervalSeconds)
	}
	if c.Sweep.PendingGraceSeconds < 0 {
		return errors.NewValidationError("sweep.pending_grace_seconds must be >= 0, got %d", c.Sweep.PendingGraceSeconds)
	}

	return nil
}
