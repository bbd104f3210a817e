package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrLoanNotFound     = errors.New("loan not found")
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrDuplicatePaymentReference is returned when a payment reference
	// already exists in storage at commit time.
	ErrDuplicatePaymentReference = errors.New("duplicate payment reference")
	// ErrConcurrentLoanUpdate is returned when a loan balance changed in
	// storage after it was fetched for the chunk being committed.
	ErrConcurrentLoanUpdate = errors.New("loan updated concurrently")
)

// LoanUpdate carries a loan's new state together with the amount paid that
// was observed when the loan was fetched.
type LoanUpdate struct {
	Loan         *models.Loan
	PreviousPaid decimal.Decimal
}

// ChunkCommit is everything one chunk writes.
type ChunkCommit struct {
	Payments []models.Payment
	Loans    []LoanUpdate
	Refunds  []models.Refund
}

// Storage defines the database operations used by the reconciliation ledger.
type Storage interface {
	CreateCustomer(ctx context.Context, customer *models.Customer) error
	GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	GetLoanByReference(ctx context.Context, reference string) (*models.Loan, error)
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	FetchActiveLoansByReference(ctx context.Context, references []string) (map[string]*models.Loan, error)

	FetchKnownPaymentReferences(ctx context.Context, references []string) (map[string]struct{}, error)
	PaymentsByDate(ctx context.Context, date time.Time) ([]*models.Payment, error)
	RefundsForPayment(ctx context.Context, paymentReference string) ([]*models.Refund, error)

	// CommitChunk writes payments, loan updates and refunds in one
	// transaction and returns the updated loans as stored.
	CommitChunk(ctx context.Context, commit ChunkCommit) ([]*models.Loan, error)

	Close() error
}
