package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teranos/shiftly/db"
	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/internal/util"
	"github.com/teranos/shiftly/logger"
)

// Ledger performs escrow dispositions. It holds no state of its own: every
// call runs on the caller's db.Querier, so the caller's transaction is the
// unit that makes a disposition atomic with the matching job mutation.
//
// Each disposition is an UPDATE guarded by status = 'held'; a second
// disposition therefore matches no row and fails with ErrFinancialInvariant.
type Ledger struct {
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewLedger creates a ledger. now may be nil for wall-clock UTC.
func NewLedger(now func() time.Time, log *zap.SugaredLogger) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{now: now, logger: logger.OrNop(log)}
}

// Hold creates a held escrow for jobID. amount is rounded to cents and the
// platform fee is deducted up front.
func (l *Ledger) Hold(ctx context.Context, q db.Querier, jobID, employerID string, amount, feePercent float64) (*Escrow, error) {
	if amount <= 0 {
		return nil, errors.NewValidationError("escrow amount must be positive, got %v", amount)
	}
	if feePercent < 0 || feePercent >= 100 {
		return nil, errors.NewValidationError("fee percent must be in [0, 100), got %v", feePercent)
	}
	if jobID == "" || employerID == "" {
		return nil, errors.NewValidationError("escrow requires job and employer ids")
	}

	gross := util.Cents(amount)
	if !gross.IsPositive() {
		return nil, errors.NewValidationError("escrow amount must be at least one cent, got %v", amount)
	}
	fee := util.PercentOf(gross, feePercent)
	e := &Escrow{
		ID:          uuid.NewString(),
		JobID:       jobID,
		EmployerID:  employerID,
		Amount:      gross,
		FeePercent:  feePercent,
		PlatformFee: fee,
		HeldAmount:  gross.Sub(fee),
		Status:      StatusHeld,
		CreatedAt:   l.now(),
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO escrows (
			id, job_id, employer_id,
			amount, fee_percent, platform_fee, held_amount,
			status, note, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.EmployerID,
		e.Amount, e.FeePercent, e.PlatformFee, e.HeldAmount,
		e.Status, "", e.CreatedAt,
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "failed to hold escrow")
	}

	l.logger.Debugw("Escrow held",
		logger.FieldEscrowID, e.ID,
		logger.FieldJobID, jobID,
		logger.FieldAmount, e.HeldAmount,
		logger.FieldFee, fee,
	)
	return e, nil
}

// Release pays the held amount out to toStudentID.
func (l *Ledger) Release(ctx context.Context, q db.Querier, escrowID, toStudentID, note string) error {
	if toStudentID == "" {
		return errors.NewValidationError("release requires a student id")
	}

	res, err := q.ExecContext(ctx, `
		UPDATE escrows
		SET status = ?, released_to = ?, note = ?, settled_at = ?
		WHERE id = ? AND status = ?`,
		StatusReleased, toStudentID, note, l.now(), escrowID, StatusHeld,
	)
	if err != nil {
		return errors.WrapTransient(err, "failed to release escrow")
	}
	if err := l.expectHeld(ctx, q, res, escrowID, "release"); err != nil {
		return err
	}

	l.logger.Infow("Escrow released", logger.FieldEscrowID, escrowID, logger.FieldStudentID, toStudentID)
	return nil
}

// Refund returns the full held amount to the employer.
func (l *Ledger) Refund(ctx context.Context, q db.Querier, escrowID, note string) (decimal.Decimal, error) {
	e, err := l.Get(ctx, q, escrowID)
	if err != nil {
		return decimal.Zero, err
	}
	if e.Status != StatusHeld {
		return decimal.Zero, notHeld(escrowID, "refund", e.Status)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE escrows
		SET status = ?, refund_amount = held_amount, note = ?, settled_at = ?
		WHERE id = ? AND status = ?`,
		StatusRefunded, note, l.now(), escrowID, StatusHeld,
	)
	if err != nil {
		return decimal.Zero, errors.WrapTransient(err, "failed to refund escrow")
	}
	if err := l.expectHeld(ctx, q, res, escrowID, "refund"); err != nil {
		return decimal.Zero, err
	}

	l.logger.Infow("Escrow refunded", logger.FieldEscrowID, escrowID, logger.FieldRefund, e.HeldAmount)
	return e.HeldAmount, nil
}

// PenalizeAndRefund keeps penaltyPercent of the held amount as a
// cancellation fee and refunds the remainder.
func (l *Ledger) PenalizeAndRefund(ctx context.Context, q db.Querier, escrowID string, penaltyPercent float64, note string) (Split, error) {
	if penaltyPercent <= 0 || penaltyPercent >= 100 {
		return Split{}, errors.NewValidationError("penalty percent must be in (0, 100), got %v", penaltyPercent)
	}

	e, err := l.Get(ctx, q, escrowID)
	if err != nil {
		return Split{}, err
	}
	if e.Status != StatusHeld {
		return Split{}, notHeld(escrowID, "penalize", e.Status)
	}

	split := Split{FeeAmount: util.PercentOf(e.HeldAmount, penaltyPercent)}
	split.RefundAmount = e.HeldAmount.Sub(split.FeeAmount)

	res, err := q.ExecContext(ctx, `
		UPDATE escrows
		SET status = ?, penalty_amount = ?, refund_amount = ?, note = ?, settled_at = ?
		WHERE id = ? AND status = ?`,
		StatusPartiallyPenalized, split.FeeAmount, split.RefundAmount, note, l.now(), escrowID, StatusHeld,
	)
	if err != nil {
		return Split{}, errors.WrapTransient(err, "failed to penalize escrow")
	}
	if err := l.expectHeld(ctx, q, res, escrowID, "penalize"); err != nil {
		return Split{}, err
	}

	l.logger.Infow("Escrow penalized",
		logger.FieldEscrowID, escrowID,
		logger.FieldFee, split.FeeAmount,
		logger.FieldRefund, split.RefundAmount,
	)
	return split, nil
}

// Get loads an escrow by id.
func (l *Ledger) Get(ctx context.Context, q db.Querier, escrowID string) (*Escrow, error) {
	var (
		e          Escrow
		releasedTo sql.NullString
		settledAt  sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, job_id, employer_id, amount, fee_percent, platform_fee, held_amount,
		       status, released_to, penalty_amount, refund_amount, note, created_at, settled_at
		FROM escrows WHERE id = ?`, escrowID,
	).Scan(
		&e.ID, &e.JobID, &e.EmployerID, &e.Amount, &e.FeePercent, &e.PlatformFee, &e.HeldAmount,
		&e.Status, &releasedTo, &e.PenaltyAmount, &e.RefundAmount, &e.Note, &e.CreatedAt, &settledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("escrow %s", escrowID)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "failed to get escrow")
	}

	e.ReleasedTo = releasedTo.String
	if settledAt.Valid {
		e.SettledAt = &settledAt.Time
	}
	return &e, nil
}

// expectHeld converts a zero-row disposition into the precise failure.
func (l *Ledger) expectHeld(ctx context.Context, q db.Querier, res sql.Result, escrowID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapTransient(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	e, err := l.Get(ctx, q, escrowID)
	if err != nil {
		return err
	}
	return notHeld(escrowID, op, e.Status)
}

func notHeld(escrowID, op string, status Status) error {
	return errors.NewFinancialInvariantError("cannot %s escrow %s: status is %s, expected held", op, escrowID, status)
}
