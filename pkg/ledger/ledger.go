package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
	"github.com/mcclellann/loanrecon/pkg/reconcile"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/mcclellann/loanrecon/pkg/validate"
)

// Source yields input records in bounded chunks. Next returns io.EOF once
// the input is exhausted.
type Source interface {
	Next(ctx context.Context) ([]models.PaymentRecord, error)
}

// Phase is the last step a chunk reached.
type Phase string

const (
	PhaseFetching    Phase = "FETCHING"
	PhaseValidating  Phase = "VALIDATING"
	PhaseReconciling Phase = "RECONCILING"
	PhasePersisting  Phase = "PERSISTING"
	PhaseCommitted   Phase = "COMMITTED"
	PhaseFailed      Phase = "FAILED"
)

// ChunkResult reports the outcome of one chunk. On failure FailedAt names
// the phase that failed and nothing from the chunk was written.
type ChunkResult struct {
	Number   int
	Phase    Phase
	FailedAt Phase
	Payments []models.Payment
	Rejected []models.Rejection
	Loans    []*models.Loan
	Refunds  []models.Refund
	Duration time.Duration
	Err      error
}

// Committed reports whether the chunk reached the COMMITTED phase.
func (r ChunkResult) Committed() bool {
	return r.Phase == PhaseCommitted
}

// Summary aggregates the chunks of one import.
type Summary struct {
	Chunks       int
	FailedChunks int
	Accepted     int
	Rejected     int
	Refunds      int
	PaidLoans    int
}

func (s *Summary) add(r ChunkResult) {
	s.Chunks++
	if !r.Committed() {
		s.FailedChunks++
		return
	}
	s.Accepted += len(r.Payments)
	s.Rejected += len(r.Rejected)
	s.Refunds += len(r.Refunds)
	for _, l := range r.Loans {
		if l.State == models.LoanStatePaid {
			s.PaidLoans++
		}
	}
}

// Ledger drives payment records through validation, reconciliation and
// persistence.
type Ledger struct {
	storage   store.Storage
	validator *validate.Validator
	logger    *log.Logger
	now       func() time.Time
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage) *Ledger {
	return &Ledger{
		storage:   s,
		validator: validate.NewValidator(),
		logger:    log.New(os.Stderr, "", log.LstdFlags),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the ledger's logger.
func (l *Ledger) SetLogger(logger *log.Logger) {
	l.logger = logger
}

// Import processes src chunk by chunk, strictly in order. Each chunk is
// reported through report before the next one is read. A chunk that fails
// to persist is rolled back and the import moves on; a source error or a
// cancelled context stops the import.
func (l *Ledger) Import(ctx context.Context, src Source, report func(ChunkResult)) (Summary, error) {
	var summary Summary
	for number := 1; ; number++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		records, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		if err != nil {
			return summary, fmt.Errorf("failed to read chunk %d: %w", number, err)
		}
		if len(records) == 0 {
			continue
		}

		result := l.ProcessChunk(ctx, number, records, models.PaymentSourceBatch)
		summary.add(result)
		if report != nil {
			report(result)
		}
		if !result.Committed() && ctx.Err() != nil {
			return summary, ctx.Err()
		}
	}
}

// ProcessChunk validates, reconciles and commits records as one unit.
func (l *Ledger) ProcessChunk(ctx context.Context, number int, records []models.PaymentRecord, source models.PaymentSource) ChunkResult {
	start := time.Now()
	result := ChunkResult{Number: number, Phase: PhaseFetching}
	fail := func(err error) ChunkResult {
		result.FailedAt = result.Phase
		result.Phase = PhaseFailed
		result.Err = err
		result.Payments, result.Loans, result.Refunds = nil, nil, nil
		result.Duration = time.Since(start)
		l.logger.Printf("Chunk %d failed during %s: %v", number, result.FailedAt, err)
		return result
	}

	candidates := make([]*validate.Candidate, len(records))
	for i, rec := range records {
		candidates[i] = validate.NewCandidate(rec)
	}

	loanRefs, paymentRefs := distinctReferences(candidates)
	active, err := l.storage.FetchActiveLoansByReference(ctx, loanRefs)
	if err != nil {
		return fail(err)
	}
	known, err := l.storage.FetchKnownPaymentReferences(ctx, paymentRefs)
	if err != nil {
		return fail(err)
	}

	result.Phase = PhaseValidating
	lookup := validate.Lookup{ActiveLoans: make(map[string]struct{}, len(active)), KnownPayments: known}
	snapshots := make(map[string]reconcile.LoanSnapshot, len(active))
	for ref, loan := range active {
		lookup.ActiveLoans[ref] = struct{}{}
		snapshots[ref] = reconcile.SnapshotOf(loan)
	}
	for _, c := range candidates {
		if err := l.validator.Validate(c, lookup); err != nil {
			l.logger.Printf("Row %d rejected (%s): %v", c.Record.Row, c.Code, err)
		}
	}

	result.Phase = PhaseReconciling
	now := l.now()
	batch := reconcile.NewBatch(snapshots, now)
	for _, c := range candidates {
		wasDuplicate := c.Code == models.CodeDuplicate
		batch.Process(c)
		if c.Code == models.CodeDuplicate && !wasDuplicate {
			l.logger.Printf("Duplicate payment reference %q in chunk %d, row %d skipped", c.Record.PaymentReference, number, c.Record.Row)
		}
	}

	for _, c := range candidates {
		if c.Code == models.CodeSuccess && !c.Rejected() {
			result.Payments = append(result.Payments, toPayment(c, source, now))
		} else {
			result.Rejected = append(result.Rejected, c.Rejection())
		}
	}
	result.Refunds = batch.Refunds()

	updates := batch.LoanUpdates()
	commit := store.ChunkCommit{
		Payments: result.Payments,
		Loans:    make([]store.LoanUpdate, 0, len(updates)),
		Refunds:  result.Refunds,
	}
	for _, snap := range updates {
		commit.Loans = append(commit.Loans, store.LoanUpdate{
			Loan:         snap.Loan(),
			PreviousPaid: active[snap.Reference].AmountPaid,
		})
	}

	result.Phase = PhasePersisting
	if len(commit.Payments) > 0 {
		loans, err := l.storage.CommitChunk(ctx, commit)
		if err != nil {
			return fail(fmt.Errorf("chunk %d rolled back: %w", number, err))
		}
		result.Loans = loans
	}

	result.Phase = PhaseCommitted
	result.Duration = time.Since(start)
	l.logger.Printf("Chunk %d committed: %d accepted, %d rejected, %d loans updated, %d refunds in %s",
		number, len(result.Payments), len(result.Rejected), len(result.Loans), len(result.Refunds), result.Duration.Round(time.Millisecond))
	return result
}

func distinctReferences(candidates []*validate.Candidate) (loanRefs, paymentRefs []string) {
	seenLoans := make(map[string]struct{})
	seenPayments := make(map[string]struct{})
	for _, c := range candidates {
		if ref := c.Record.LoanReference; ref != "" {
			if _, ok := seenLoans[ref]; !ok {
				seenLoans[ref] = struct{}{}
				loanRefs = append(loanRefs, ref)
			}
		}
		if ref := c.Record.PaymentReference; ref != "" {
			if _, ok := seenPayments[ref]; !ok {
				seenPayments[ref] = struct{}{}
				paymentRefs = append(paymentRefs, ref)
			}
		}
	}
	return loanRefs, paymentRefs
}

func toPayment(c *validate.Candidate, source models.PaymentSource, now time.Time) models.Payment {
	return models.Payment{
		ID:               uuid.New(),
		PayerName:        c.Record.PayerName,
		PayerSurname:     c.Record.PayerSurname,
		Amount:           money.FromCents(c.AmountCents),
		NationalID:       c.Record.NationalID,
		LoanReference:    c.Record.LoanReference,
		PaymentReference: c.Record.PaymentReference,
		State:            c.State,
		Code:             c.Code,
		Source:           source,
		PaymentDate:      c.PaymentDate,
		CreatedAt:        now,
	}
}

// PaymentsByDate returns the payments dated on the given day.
func (l *Ledger) PaymentsByDate(ctx context.Context, date time.Time) ([]*models.Payment, error) {
	return l.storage.PaymentsByDate(ctx, date)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// GetLoanByReference retrieves a loan by its reference.
func (l *Ledger) GetLoanByReference(ctx context.Context, reference string) (*models.Loan, error) {
	return l.storage.GetLoanByReference(ctx, reference)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return l.storage.GetAllLoans(ctx)
}

// RefundsForPayment retrieves refunds recorded for a payment reference.
func (l *Ledger) RefundsForPayment(ctx context.Context, paymentReference string) ([]*models.Refund, error) {
	return l.storage.RefundsForPayment(ctx, paymentReference)
}
