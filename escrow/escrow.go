// Package escrow is the financial source of truth for instant jobs: it
// holds an employer's payment and disposes of it exactly once.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the disposition of an escrow record.
type Status string

const (
	StatusHeld               Status = "held"
	StatusReleased           Status = "released"
	StatusRefunded           Status = "refunded"
	StatusPartiallyPenalized Status = "partially_penalized"
)

// IsTerminal reports whether funds have already left the escrow.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusPartiallyPenalized
}

// Escrow holds the payment for a single job.
//
// Amount is the gross pay the employer committed; PlatformFee is taken at
// hold time and HeldAmount (Amount - PlatformFee) is what can be released
// to the student or returned to the employer. Amounts are exact to the
// cent and stored as decimal text.
type Escrow struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	EmployerID    string          `json:"employer_id"`
	Amount        decimal.Decimal `json:"amount"`
	FeePercent    float64         `json:"fee_percent"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	HeldAmount    decimal.Decimal `json:"held_amount"`
	Status        Status          `json:"status"`
	ReleasedTo    string          `json:"released_to,omitempty"`
	PenaltyAmount decimal.Decimal `json:"penalty_amount"`
	RefundAmount  decimal.Decimal `json:"refund_amount"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// Split is the outcome of a penalized cancellation. FeeAmount plus
// RefundAmount always equals the held amount.
type Split struct {
	FeeAmount    decimal.Decimal `json:"fee_amount"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
}
