// Package reconcile applies validated payments to in-memory loan snapshots.
// Nothing in this package touches storage.
package reconcile

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
)

// LoanSnapshot is the balance-relevant state of a loan, in cents.
type LoanSnapshot struct {
	ID                uuid.UUID
	CustomerID        uuid.UUID
	Reference         string
	State             models.LoanState
	AmountIssuedCents int64
	AmountToPayCents  int64
	AmountPaidCents   int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SnapshotOf converts a stored loan into a snapshot.
func SnapshotOf(l *models.Loan) LoanSnapshot {
	return LoanSnapshot{
		ID:                l.ID,
		CustomerID:        l.CustomerID,
		Reference:         l.Reference,
		State:             l.State,
		AmountIssuedCents: money.ToCents(l.AmountIssued),
		AmountToPayCents:  money.ToCents(l.AmountToPay),
		AmountPaidCents:   money.ToCents(l.AmountPaid),
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
	}
}

// Loan converts the snapshot back into the stored representation.
func (s LoanSnapshot) Loan() *models.Loan {
	return &models.Loan{
		ID:           s.ID,
		CustomerID:   s.CustomerID,
		Reference:    s.Reference,
		State:        s.State,
		AmountIssued: money.FromCents(s.AmountIssuedCents),
		AmountToPay:  money.FromCents(s.AmountToPayCents),
		AmountPaid:   money.FromCents(s.AmountPaidCents),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Outcome is the result of applying one payment.
// Loan is only meaningful when Code is CodeSuccess.
type Outcome struct {
	State       models.PaymentState
	Code        models.Code
	Loan        LoanSnapshot
	RefundCents int64
}

// Applied reports whether the payment was credited to its loan.
func (o Outcome) Applied() bool {
	return o.Code == models.CodeSuccess
}

// Apply computes the effect of a payment of amountCents on loan. found
// reports whether the loan was among the active loans fetched for the chunk.
func Apply(loan LoanSnapshot, found bool, amountCents int64) Outcome {
	if !found {
		return Outcome{State: models.PaymentStateRejected, Code: models.CodeLoanReference}
	}
	if loan.State == models.LoanStatePaid {
		return Outcome{State: models.PaymentStateRejected, Code: models.CodeAlreadyPaid}
	}

	out := Outcome{Code: models.CodeSuccess, Loan: loan}
	newPaid := loan.AmountPaidCents + amountCents
	out.Loan.AmountPaidCents = newPaid

	switch {
	case newPaid > loan.AmountToPayCents:
		out.State = models.PaymentStatePartiallyAssigned
		out.Loan.State = models.LoanStatePaid
		out.RefundCents = newPaid - loan.AmountToPayCents
	case newPaid == loan.AmountToPayCents:
		out.State = models.PaymentStateAssigned
		out.Loan.State = models.LoanStatePaid
	default:
		out.State = models.PaymentStateAssigned
	}
	return out
}
