package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
type MockStore struct {
	customers map[uuid.UUID]*models.Customer
	loans     map[uuid.UUID]*models.Loan
	payments  []models.Payment
	refunds   []models.Refund

	commits  int
	failOn   int // CommitChunk call number that fails, 0 for none
	fetchErr error
}

func NewMockStore() *MockStore {
	return &MockStore{
		customers: make(map[uuid.UUID]*models.Customer),
		loans:     make(map[uuid.UUID]*models.Loan),
	}
}

func (m *MockStore) CreateCustomer(_ context.Context, c *models.Customer) error {
	m.customers[c.ID] = c
	return nil
}

func (m *MockStore) GetCustomer(_ context.Context, id uuid.UUID) (*models.Customer, error) {
	c, ok := m.customers[id]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	return c, nil
}

func (m *MockStore) CreateLoan(_ context.Context, loan *models.Loan) error {
	cp := *loan
	m.loans[loan.ID] = &cp
	return nil
}

func (m *MockStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, ok := m.loans[id]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	cp := *loan
	return &cp, nil
}

func (m *MockStore) GetLoanByReference(_ context.Context, reference string) (*models.Loan, error) {
	for _, l := range m.loans {
		if l.Reference == reference {
			cp := *l
			return &cp, nil
		}
	}
	return nil, store.ErrLoanNotFound
}

func (m *MockStore) GetAllLoans(_ context.Context) ([]*models.Loan, error) {
	loans := []*models.Loan{}
	for _, l := range m.loans {
		cp := *l
		loans = append(loans, &cp)
	}
	return loans, nil
}

func (m *MockStore) FetchActiveLoansByReference(_ context.Context, refs []string) (map[string]*models.Loan, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	out := make(map[string]*models.Loan)
	for _, ref := range refs {
		for _, l := range m.loans {
			if l.Reference == ref && l.State == models.LoanStateActive {
				cp := *l
				out[ref] = &cp
			}
		}
	}
	return out, nil
}

func (m *MockStore) FetchKnownPaymentReferences(_ context.Context, refs []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, ref := range refs {
		for _, p := range m.payments {
			if p.PaymentReference == ref {
				out[ref] = struct{}{}
			}
		}
	}
	return out, nil
}

func (m *MockStore) PaymentsByDate(_ context.Context, date time.Time) ([]*models.Payment, error) {
	var out []*models.Payment
	for i := range m.payments {
		if m.payments[i].PaymentDate.UTC().Format("2006-01-02") == date.UTC().Format("2006-01-02") {
			out = append(out, &m.payments[i])
		}
	}
	return out, nil
}

func (m *MockStore) RefundsForPayment(_ context.Context, ref string) ([]*models.Refund, error) {
	var out []*models.Refund
	for i := range m.refunds {
		if m.refunds[i].PaymentReference == ref {
			out = append(out, &m.refunds[i])
		}
	}
	return out, nil
}

func (m *MockStore) CommitChunk(ctx context.Context, c store.ChunkCommit) ([]*models.Loan, error) {
	m.commits++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.commits == m.failOn {
		return nil, errors.New("disk I/O error")
	}
	for _, p := range c.Payments {
		for _, existing := range m.payments {
			if existing.PaymentReference == p.PaymentReference {
				return nil, fmt.Errorf("%w: %s", store.ErrDuplicatePaymentReference, p.PaymentReference)
			}
		}
	}
	for _, u := range c.Loans {
		if stored := m.loans[u.Loan.ID]; stored != nil && !stored.AmountPaid.Equal(u.PreviousPaid) {
			return nil, store.ErrConcurrentLoanUpdate
		}
	}

	m.payments = append(m.payments, c.Payments...)
	m.refunds = append(m.refunds, c.Refunds...)
	var updated []*models.Loan
	for _, u := range c.Loans {
		cp := *u.Loan
		m.loans[cp.ID] = &cp
		out := cp
		updated = append(updated, &out)
	}
	return updated, nil
}

func (m *MockStore) Close() error {
	return nil
}

// sliceSource yields pre-built chunks.
type sliceSource struct {
	chunks [][]models.PaymentRecord
	err    error // returned once chunks are exhausted instead of io.EOF
}

func (s *sliceSource) Next(context.Context) ([]models.PaymentRecord, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return next, nil
}

func newTestLedger(s store.Storage) *Ledger {
	l := NewLedger(s)
	l.SetLogger(log.New(io.Discard, "", 0))
	return l
}

func addLoan(m *MockStore, reference, toPay, paid string) *models.Loan {
	loan := &models.Loan{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		Reference:    reference,
		State:        models.LoanStateActive,
		AmountIssued: decimal.RequireFromString(toPay),
		AmountToPay:  decimal.RequireFromString(toPay),
		AmountPaid:   decimal.RequireFromString(paid),
	}
	if decimal.RequireFromString(paid).GreaterThanOrEqual(loan.AmountToPay) {
		loan.State = models.LoanStatePaid
	}
	m.CreateLoan(context.Background(), loan)
	return loan
}

func record(row int, paymentRef, loanRef, amount string) models.PaymentRecord {
	return models.PaymentRecord{
		Row:              row,
		PaymentDate:      "20250905143000",
		PayerName:        "John",
		PayerSurname:     "Doe",
		Amount:           amount,
		LoanReference:    loanRef,
		PaymentReference: paymentRef,
	}
}

func TestProcessChunkOverpayCreatesRefund(t *testing.T) {
	m := NewMockStore()
	loan := addLoan(m, "LN00000001", "100.00", "90.00")
	l := newTestLedger(m)

	res := l.ProcessChunk(context.Background(), 1, []models.PaymentRecord{record(1, "PAY-1", "LN00000001", "20.50")}, models.PaymentSourceBatch)
	if !res.Committed() {
		t.Fatalf("Expected chunk to commit, got %s: %v", res.Phase, res.Err)
	}
	if len(res.Payments) != 1 || res.Payments[0].State != models.PaymentStatePartiallyAssigned {
		t.Fatalf("Expected one PARTIALLY_ASSIGNED payment, got %+v", res.Payments)
	}
	if res.Payments[0].Source != models.PaymentSourceBatch {
		t.Errorf("Expected source BATCH, got %s", res.Payments[0].Source)
	}

	stored, _ := m.GetLoan(context.Background(), loan.ID)
	if stored.State != models.LoanStatePaid || stored.AmountPaid.StringFixed(2) != "110.50" {
		t.Errorf("Expected loan PAID with 110.50, got %s %s", stored.State, stored.AmountPaid)
	}
	if len(m.refunds) != 1 || m.refunds[0].Amount.StringFixed(2) != "10.50" || m.refunds[0].Status != models.RefundStatusPending {
		t.Errorf("Expected one pending refund of 10.50, got %+v", m.refunds)
	}
}

func TestProcessChunkDuplicateInBatch(t *testing.T) {
	m := NewMockStore()
	addLoan(m, "LN00000002", "100.00", "0.00")
	l := newTestLedger(m)

	res := l.ProcessChunk(context.Background(), 1, []models.PaymentRecord{
		record(1, "PAY-1", "LN00000002", "50.00"),
		record(2, "PAY-1", "LN00000002", "50.00"),
	}, models.PaymentSourceBatch)

	if len(res.Payments) != 1 || res.Payments[0].State != models.PaymentStateAssigned {
		t.Fatalf("Expected first payment ASSIGNED, got %+v", res.Payments)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Code != models.CodeDuplicate || res.Rejected[0].Record.Row != 2 {
		t.Fatalf("Expected row 2 rejected as DUPLICATE, got %+v", res.Rejected)
	}
	if len(res.Loans) != 1 || res.Loans[0].AmountPaid.StringFixed(2) != "50.00" {
		t.Errorf("Expected loan amount paid 50.00, got %+v", res.Loans)
	}
}

func TestProcessChunkUnknownLoanAndBadAmount(t *testing.T) {
	m := NewMockStore()
	loan := addLoan(m, "LN00000003", "100.00", "0.00")
	l := newTestLedger(m)

	res := l.ProcessChunk(context.Background(), 1, []models.PaymentRecord{
		record(1, "PAY-1", "LN99999999", "10.00"),
		record(2, "PAY-2", "LN00000003", "0.00"),
		record(3, "PAY-3", "LN00000003", "-5.00"),
	}, models.PaymentSourceBatch)

	if !res.Committed() {
		t.Fatalf("A chunk of rejections still completes, got %s", res.Phase)
	}
	want := []models.Code{models.CodeLoanReference, models.CodeAmount, models.CodeAmount}
	if len(res.Rejected) != len(want) {
		t.Fatalf("Expected %d rejections, got %d", len(want), len(res.Rejected))
	}
	for i, code := range want {
		if res.Rejected[i].Code != code {
			t.Errorf("Row %d: expected %s, got %s", i+1, code, res.Rejected[i].Code)
		}
	}
	if m.commits != 0 {
		t.Errorf("Nothing to persist, expected no commit, got %d", m.commits)
	}
	stored, _ := m.GetLoan(context.Background(), loan.ID)
	if !stored.AmountPaid.Equal(decimal.Zero) {
		t.Errorf("Loan must be untouched, got %s", stored.AmountPaid)
	}
}

func TestProcessChunkAccumulatesAcrossRecords(t *testing.T) {
	m := NewMockStore()
	addLoan(m, "LN00000004", "100.00", "0.00")
	l := newTestLedger(m)

	res := l.ProcessChunk(context.Background(), 1, []models.PaymentRecord{
		record(1, "PAY-1", "LN00000004", "60.00"),
		record(2, "PAY-2", "LN00000004", "60.00"),
		record(3, "PAY-3", "LN00000004", "1.00"),
	}, models.PaymentSourceBatch)

	if len(res.Payments) != 2 {
		t.Fatalf("Expected 2 accepted payments, got %d", len(res.Payments))
	}
	if res.Payments[0].State != models.PaymentStateAssigned || res.Payments[1].State != models.PaymentStatePartiallyAssigned {
		t.Errorf("Unexpected states %s, %s", res.Payments[0].State, res.Payments[1].State)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Code != models.CodeAlreadyPaid {
		t.Errorf("Expected third payment rejected ALREADY_PAID, got %+v", res.Rejected)
	}
	if len(res.Refunds) != 1 || res.Refunds[0].Amount.StringFixed(2) != "20.00" {
		t.Errorf("Expected a 20.00 refund, got %+v", res.Refunds)
	}
	if len(res.Loans) != 1 || res.Loans[0].AmountPaid.StringFixed(2) != "120.00" || res.Loans[0].State != models.LoanStatePaid {
		t.Errorf("Expected loan PAID at 120.00, got %+v", res.Loans)
	}
}

func TestImportContinuesAfterFailedChunk(t *testing.T) {
	m := NewMockStore()
	loan := addLoan(m, "LN00000005", "1000.00", "0.00")
	m.failOn = 2
	l := newTestLedger(m)

	src := &sliceSource{chunks: [][]models.PaymentRecord{
		{record(1, "PAY-1", "LN00000005", "10.00")},
		{record(2, "PAY-2", "LN00000005", "20.00")},
		{record(3, "PAY-3", "LN00000005", "30.00")},
	}}

	var results []ChunkResult
	summary, err := l.Import(context.Background(), src, func(r ChunkResult) { results = append(results, r) })
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 chunk reports, got %d", len(results))
	}
	if results[1].Phase != PhaseFailed || results[1].FailedAt != PhasePersisting || results[1].Err == nil {
		t.Errorf("Expected chunk 2 to fail while persisting, got %s/%s", results[1].Phase, results[1].FailedAt)
	}
	if len(results[1].Payments) != 0 {
		t.Error("A failed chunk must not report committed payments")
	}
	if !results[2].Committed() {
		t.Errorf("Expected chunk 3 to commit, got %s", results[2].Phase)
	}
	if summary.Chunks != 3 || summary.FailedChunks != 1 || summary.Accepted != 2 {
		t.Errorf("Unexpected summary %+v", summary)
	}

	stored, _ := m.GetLoan(context.Background(), loan.ID)
	if stored.AmountPaid.StringFixed(2) != "40.00" {
		t.Errorf("Expected 40.00 paid (chunk 2 rolled back), got %s", stored.AmountPaid)
	}
}

func TestImportDetectsDuplicateFromEarlierChunk(t *testing.T) {
	m := NewMockStore()
	addLoan(m, "LN00000006", "100.00", "0.00")
	l := newTestLedger(m)

	src := &sliceSource{chunks: [][]models.PaymentRecord{
		{record(1, "PAY-1", "LN00000006", "10.00")},
		{record(2, "PAY-1", "LN00000006", "10.00")},
	}}
	var results []ChunkResult
	if _, err := l.Import(context.Background(), src, func(r ChunkResult) { results = append(results, r) }); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(results[1].Rejected) != 1 || results[1].Rejected[0].Code != models.CodeDuplicate {
		t.Errorf("Expected DUPLICATE in chunk 2, got %+v", results[1].Rejected)
	}
}

func TestImportStopsOnSourceError(t *testing.T) {
	m := NewMockStore()
	addLoan(m, "LN00000007", "100.00", "0.00")
	l := newTestLedger(m)

	src := &sliceSource{
		chunks: [][]models.PaymentRecord{{record(1, "PAY-1", "LN00000007", "10.00")}},
		err:    errors.New("stream unreadable"),
	}
	summary, err := l.Import(context.Background(), src, nil)
	if err == nil {
		t.Fatal("Expected the source error to stop the import")
	}
	if summary.Chunks != 1 || summary.Accepted != 1 {
		t.Errorf("Expected the first chunk to be kept, got %+v", summary)
	}
}

func TestImportHonoursCancellation(t *testing.T) {
	m := NewMockStore()
	addLoan(m, "LN00000008", "100.00", "0.00")
	l := newTestLedger(m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &sliceSource{chunks: [][]models.PaymentRecord{{record(1, "PAY-1", "LN00000008", "10.00")}}}
	if _, err := l.Import(ctx, src, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(m.payments) != 0 {
		t.Error("No payment may be committed after cancellation")
	}
}

func TestProcessChunkFetchFailure(t *testing.T) {
	m := NewMockStore()
	m.fetchErr = errors.New("database is locked")
	l := newTestLedger(m)

	res := l.ProcessChunk(context.Background(), 1, []models.PaymentRecord{record(1, "PAY-1", "LN1", "10.00")}, models.PaymentSourceBatch)
	if res.Phase != PhaseFailed || res.FailedAt != PhaseFetching {
		t.Errorf("Expected failure while fetching, got %s/%s", res.Phase, res.FailedAt)
	}
}

func TestProcessChunkConcurrentLoanUpdate(t *testing.T) {
	m := NewMockStore()
	loan := addLoan(m, "LN00000009", "100.00", "0.00")
	l := newTestLedger(m)

	// Simulate another writer changing the balance between fetch and commit.
	l.now = func() time.Time {
		m.loans[loan.ID].AmountPaid = decimal.RequireFromString("5.00")
		return time.Now().UTC()
	}
	res := l.ProcessChunk(context.Background(), 1, []models.PaymentRecord{record(1, "PAY-1", "LN00000009", "10.00")}, models.PaymentSourceBatch)
	if res.Committed() || !errors.Is(res.Err, store.ErrConcurrentLoanUpdate) {
		t.Errorf("Expected ErrConcurrentLoanUpdate, got %v", res.Err)
	}
}

func TestRecordPayment(t *testing.T) {
	m := NewMockStore()
	addLoan(m, "LN00000010", "100.00", "90.00")
	l := newTestLedger(m)
	ctx := context.Background()

	receipt, err := l.RecordPayment(ctx, record(0, "REF-1", "LN00000010", "20.50"))
	if err != nil {
		t.Fatalf("Failed to record payment: %v", err)
	}
	if receipt.Payment.Source != models.PaymentSourceAPI {
		t.Errorf("Expected source API, got %s", receipt.Payment.Source)
	}
	if receipt.Refund == nil || receipt.Refund.Amount.StringFixed(2) != "10.50" {
		t.Errorf("Expected refund of 10.50, got %+v", receipt.Refund)
	}
	if receipt.Loan.State != models.LoanStatePaid {
		t.Errorf("Expected loan PAID, got %s", receipt.Loan.State)
	}

	// Same reference again is an idempotency conflict, not a silent drop.
	if _, err := l.RecordPayment(ctx, record(0, "REF-1", "LN00000010", "20.50")); !errors.Is(err, ErrPaymentConflict) {
		t.Errorf("Expected ErrPaymentConflict, got %v", err)
	}
}

func TestRecordPaymentRejections(t *testing.T) {
	m := NewMockStore()
	addLoan(m, "LN00000011", "100.00", "0.00")
	addLoan(m, "LN00000012", "100.00", "100.00")
	l := newTestLedger(m)

	tests := []struct {
		rec  models.PaymentRecord
		code models.Code
	}{
		{record(1, "R1", "LN00000011", "0"), models.CodeAmount},
		{record(1, "R2", "LN99999999", "10.00"), models.CodeLoanReference},
		{record(1, "R3", "LN00000012", "10.00"), models.CodeLoanReference},
	}
	for _, tt := range tests {
		_, err := l.RecordPayment(context.Background(), tt.rec)
		var rejection *RejectionError
		if !errors.As(err, &rejection) {
			t.Errorf("%s: expected RejectionError, got %v", tt.rec.PaymentReference, err)
			continue
		}
		if rejection.Code != tt.code {
			t.Errorf("%s: expected code %s, got %s", tt.rec.PaymentReference, tt.code, rejection.Code)
		}
	}

	bad := record(1, "R4", "LN00000011", "10.00")
	bad.PaymentDate = "invalid-date-format"
	_, err := l.RecordPayment(context.Background(), bad)
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Code != models.CodePaymentDate {
		t.Errorf("Expected PAYMENT_DATE rejection, got %v", err)
	}
}

func TestPaymentsByDate(t *testing.T) {
	m := NewMockStore()
	addLoan(m, "LN00000013", "100.00", "0.00")
	l := newTestLedger(m)

	l.ProcessChunk(context.Background(), 1, []models.PaymentRecord{record(1, "PAY-1", "LN00000013", "10.00")}, models.PaymentSourceBatch)

	payments, err := l.PaymentsByDate(context.Background(), time.Date(2025, 9, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Failed to get payments: %v", err)
	}
	if len(payments) != 1 || payments[0].PaymentReference != "PAY-1" {
		t.Errorf("Expected PAY-1 on 2025-09-05, got %+v", payments)
	}
}
