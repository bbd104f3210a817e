package reconcile

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
	"github.com/mcclellann/loanrecon/pkg/validate"
)

// Deduplicator remembers payment references already consumed in a chunk.
type Deduplicator struct {
	seen map[string]struct{}
}

// NewDeduplicator returns a Deduplicator that has seen no references.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Admit records the candidate's reference and reports whether it may go on
// to reconciliation. A reference seen earlier in the chunk, or a candidate
// already flagged DUPLICATE, is forced to REJECTED/DUPLICATE. The first
// occurrence of a reference is the one kept, even when it fails other checks.
func (d *Deduplicator) Admit(c *validate.Candidate) bool {
	ref := c.Record.PaymentReference
	if _, dup := d.seen[ref]; dup || c.Code == models.CodeDuplicate {
		c.MarkDuplicate()
		return false
	}
	d.seen[ref] = struct{}{}
	return !c.Rejected()
}

// Batch folds the candidates of one chunk over a private map of loan
// snapshots keyed by loan reference. It is not safe for concurrent use.
type Batch struct {
	loans   map[string]LoanSnapshot
	dedup   *Deduplicator
	updates map[uuid.UUID]LoanSnapshot
	order   []uuid.UUID
	refunds []models.Refund
	now     time.Time
}

// NewBatch starts a fold over loans, which must hold the ACTIVE loans
// fetched for this chunk. The map is copied.
func NewBatch(loans map[string]LoanSnapshot, now time.Time) *Batch {
	own := make(map[string]LoanSnapshot, len(loans))
	for ref, s := range loans {
		own[ref] = s
	}
	return &Batch{
		loans:   own,
		dedup:   NewDeduplicator(),
		updates: make(map[uuid.UUID]LoanSnapshot),
		now:     now,
	}
}

// Process runs dedup and reconciliation for one candidate. Candidates must
// be processed in input order.
func (b *Batch) Process(c *validate.Candidate) {
	if !b.dedup.Admit(c) {
		return
	}

	ref := c.Record.LoanReference
	loan, found := b.loans[ref]
	out := Apply(loan, found, c.AmountCents)
	if !out.Applied() {
		c.Reject(out.Code)
		return
	}

	out.Loan.UpdatedAt = b.now
	b.loans[ref] = out.Loan
	if _, touched := b.updates[out.Loan.ID]; !touched {
		b.order = append(b.order, out.Loan.ID)
	}
	b.updates[out.Loan.ID] = out.Loan

	if out.RefundCents > 0 {
		b.refunds = append(b.refunds, models.Refund{
			ID:               uuid.New(),
			PaymentReference: c.Record.PaymentReference,
			Amount:           money.FromCents(out.RefundCents),
			Status:           models.RefundStatusPending,
			CreatedAt:        b.now,
			UpdatedAt:        b.now,
		})
	}

	c.State = out.State
	c.Code = models.CodeSuccess
}

// LoanUpdates returns the final snapshot of every loan touched, in the order
// loans were first touched.
func (b *Batch) LoanUpdates() []LoanSnapshot {
	out := make([]LoanSnapshot, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.updates[id])
	}
	return out
}

// Refunds returns the refund intents emitted so far.
func (b *Batch) Refunds() []models.Refund {
	return b.refunds
}

// Loan returns the current snapshot for a loan reference.
func (b *Batch) Loan(reference string) (LoanSnapshot, bool) {
	s, ok := b.loans[reference]
	return s, ok
}
