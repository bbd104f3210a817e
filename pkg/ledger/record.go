package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
)

// ErrPaymentConflict is returned when a single payment reuses a payment
// reference that is already recorded.
var ErrPaymentConflict = errors.New("payment reference already recorded")

// RejectionError is returned when a single payment is rejected for any
// reason other than a reused reference.
type RejectionError struct {
	Code models.Code
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("payment rejected: %s", e.Code)
}

// Receipt is the result of a successfully recorded single payment.
type Receipt struct {
	Payment models.Payment `json:"payment"`
	Loan    *models.Loan   `json:"loan"`
	Refund  *models.Refund `json:"refund,omitempty"`
}

// RecordPayment validates, reconciles and commits a single payment. It runs
// the same steps as a batch chunk of one record.
func (l *Ledger) RecordPayment(ctx context.Context, rec models.PaymentRecord) (*Receipt, error) {
	if rec.Row == 0 {
		rec.Row = 1
	}
	result := l.ProcessChunk(ctx, 1, []models.PaymentRecord{rec}, models.PaymentSourceAPI)
	if !result.Committed() {
		if errors.Is(result.Err, store.ErrDuplicatePaymentReference) {
			return nil, ErrPaymentConflict
		}
		return nil, result.Err
	}

	if len(result.Rejected) > 0 {
		code := result.Rejected[0].Code
		if code == models.CodeDuplicate {
			return nil, ErrPaymentConflict
		}
		return nil, &RejectionError{Code: code}
	}
	if len(result.Payments) != 1 || len(result.Loans) != 1 {
		return nil, fmt.Errorf("unexpected chunk result for payment %s", rec.PaymentReference)
	}

	receipt := &Receipt{Payment: result.Payments[0], Loan: result.Loans[0]}
	if len(result.Refunds) > 0 {
		receipt.Refund = &result.Refunds[0]
	}
	return receipt, nil
}
