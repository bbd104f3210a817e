package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test_store.db"), time.Second)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedLoan(t *testing.T, s *SQLiteStore, reference, toPay, paid string, state models.LoanState) *models.Loan {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	customer := &models.Customer{
		ID:        uuid.New(),
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     "jane@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateCustomer(ctx, customer); err != nil {
		t.Fatalf("Failed to create customer: %v", err)
	}
	loan := &models.Loan{
		ID:           uuid.New(),
		CustomerID:   customer.ID,
		Reference:    reference,
		State:        state,
		AmountIssued: decimal.RequireFromString(toPay),
		AmountToPay:  decimal.RequireFromString(toPay),
		AmountPaid:   decimal.RequireFromString(paid),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	return loan
}

func testPayment(reference, loanReference, amount string, date time.Time) models.Payment {
	return models.Payment{
		ID:               uuid.New(),
		PayerName:        "Jane",
		PayerSurname:     "Doe",
		Amount:           decimal.RequireFromString(amount),
		LoanReference:    loanReference,
		PaymentReference: reference,
		State:            models.PaymentStateAssigned,
		Code:             models.CodeSuccess,
		Source:           models.PaymentSourceBatch,
		PaymentDate:      date,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestSQLiteStore_CreateAndGetLoan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := seedLoan(t, s, "LN20220001", "100.00", "10.50", models.LoanStateActive)

	fetched, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if fetched.Reference != loan.Reference {
		t.Errorf("Expected reference %s, got %s", loan.Reference, fetched.Reference)
	}
	if !fetched.AmountPaid.Equal(loan.AmountPaid) {
		t.Errorf("Expected amount paid %s, got %s", loan.AmountPaid, fetched.AmountPaid)
	}

	byRef, err := s.GetLoanByReference(ctx, "LN20220001")
	if err != nil {
		t.Fatalf("Failed to get loan by reference: %v", err)
	}
	if byRef.ID != loan.ID {
		t.Errorf("Expected ID %s, got %s", loan.ID, byRef.ID)
	}

	if _, err := s.GetLoan(ctx, uuid.New()); !errors.Is(err, ErrLoanNotFound) {
		t.Errorf("Expected ErrLoanNotFound, got %v", err)
	}

	customer, err := s.GetCustomer(ctx, loan.CustomerID)
	if err != nil {
		t.Fatalf("Failed to get customer: %v", err)
	}
	if customer.Email != "jane@example.com" || customer.Phone != "" {
		t.Errorf("Unexpected customer contact %q / %q", customer.Email, customer.Phone)
	}
}

func TestSQLiteStore_FetchActiveLoansByReference(t *testing.T) {
	s := newTestStore(t)
	seedLoan(t, s, "LN-ACTIVE", "100.00", "0.00", models.LoanStateActive)
	seedLoan(t, s, "LN-PAID", "100.00", "100.00", models.LoanStatePaid)

	loans, err := s.FetchActiveLoansByReference(context.Background(), []string{"LN-ACTIVE", "LN-PAID", "LN-MISSING"})
	if err != nil {
		t.Fatalf("Failed to fetch loans: %v", err)
	}
	if len(loans) != 1 {
		t.Fatalf("Expected 1 active loan, got %d", len(loans))
	}
	if _, ok := loans["LN-ACTIVE"]; !ok {
		t.Error("Expected LN-ACTIVE to be returned")
	}
}

func TestSQLiteStore_CommitChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := seedLoan(t, s, "LN20220002", "100.00", "90.00", models.LoanStateActive)
	day := time.Date(2025, 9, 5, 14, 30, 0, 0, time.UTC)

	payment := testPayment("PAY-1", loan.Reference, "20.50", day)
	payment.State = models.PaymentStatePartiallyAssigned

	updatedLoan := *loan
	updatedLoan.AmountPaid = decimal.RequireFromString("110.50")
	updatedLoan.State = models.LoanStatePaid
	updatedLoan.UpdatedAt = time.Now().UTC()

	refund := models.Refund{
		ID:               uuid.New(),
		PaymentReference: "PAY-1",
		Amount:           decimal.RequireFromString("10.50"),
		Status:           models.RefundStatusPending,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}

	loans, err := s.CommitChunk(ctx, ChunkCommit{
		Payments: []models.Payment{payment},
		Loans:    []LoanUpdate{{Loan: &updatedLoan, PreviousPaid: loan.AmountPaid}},
		Refunds:  []models.Refund{refund},
	})
	if err != nil {
		t.Fatalf("Failed to commit chunk: %v", err)
	}
	if len(loans) != 1 {
		t.Fatalf("Expected 1 updated loan, got %d", len(loans))
	}
	if loans[0].State != models.LoanStatePaid || loans[0].AmountPaid.StringFixed(2) != "110.50" {
		t.Errorf("Unexpected loan after commit: %s %s", loans[0].State, loans[0].AmountPaid)
	}
	if !loans[0].AmountToPay.Equal(loan.AmountToPay) {
		t.Errorf("Amount to pay must not change, got %s", loans[0].AmountToPay)
	}

	known, err := s.FetchKnownPaymentReferences(ctx, []string{"PAY-1", "PAY-2"})
	if err != nil {
		t.Fatalf("Failed to fetch known references: %v", err)
	}
	if _, ok := known["PAY-1"]; !ok || len(known) != 1 {
		t.Errorf("Expected only PAY-1 to be known, got %v", known)
	}

	payments, err := s.PaymentsByDate(ctx, day)
	if err != nil {
		t.Fatalf("Failed to get payments by date: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("Expected 1 payment, got %d", len(payments))
	}
	if payments[0].State != models.PaymentStatePartiallyAssigned || payments[0].Amount.StringFixed(2) != "20.50" {
		t.Errorf("Unexpected stored payment: %+v", payments[0])
	}
	if !payments[0].PaymentDate.Equal(day) {
		t.Errorf("Expected payment date %s, got %s", day, payments[0].PaymentDate)
	}

	other, err := s.PaymentsByDate(ctx, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Failed to get payments by date: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected no payments on the next day, got %d", len(other))
	}

	refunds, err := s.RefundsForPayment(ctx, "PAY-1")
	if err != nil {
		t.Fatalf("Failed to get refunds: %v", err)
	}
	if len(refunds) != 1 || refunds[0].Amount.StringFixed(2) != "10.50" || refunds[0].Status != models.RefundStatusPending {
		t.Errorf("Unexpected refunds: %+v", refunds)
	}
}

func TestSQLiteStore_CommitChunkRollsBackOnDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := seedLoan(t, s, "LN20220003", "100.00", "0.00", models.LoanStateActive)
	day := time.Date(2025, 9, 5, 0, 0, 0, 0, time.UTC)

	if _, err := s.CommitChunk(ctx, ChunkCommit{Payments: []models.Payment{testPayment("PAY-1", loan.Reference, "10.00", day)}}); err != nil {
		t.Fatalf("Failed to commit first chunk: %v", err)
	}

	updatedLoan := *loan
	updatedLoan.AmountPaid = decimal.RequireFromString("30.00")
	_, err := s.CommitChunk(ctx, ChunkCommit{
		Payments: []models.Payment{
			testPayment("PAY-2", loan.Reference, "20.00", day),
			testPayment("PAY-1", loan.Reference, "10.00", day),
		},
		Loans: []LoanUpdate{{Loan: &updatedLoan, PreviousPaid: loan.AmountPaid}},
	})
	if !errors.Is(err, ErrDuplicatePaymentReference) {
		t.Fatalf("Expected ErrDuplicatePaymentReference, got %v", err)
	}

	known, _ := s.FetchKnownPaymentReferences(ctx, []string{"PAY-2"})
	if len(known) != 0 {
		t.Error("PAY-2 must be rolled back with the failed chunk")
	}
	stored, _ := s.GetLoan(ctx, loan.ID)
	if !stored.AmountPaid.Equal(decimal.Zero) {
		t.Errorf("Loan must be unchanged after rollback, got %s", stored.AmountPaid)
	}
}

func TestSQLiteStore_CommitChunkDetectsConcurrentUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := seedLoan(t, s, "LN20220004", "100.00", "40.00", models.LoanStateActive)

	updatedLoan := *loan
	updatedLoan.AmountPaid = decimal.RequireFromString("50.00")
	_, err := s.CommitChunk(ctx, ChunkCommit{
		Payments: []models.Payment{testPayment("PAY-9", loan.Reference, "10.00", time.Now())},
		// computed from a stale balance of 30.00
		Loans: []LoanUpdate{{Loan: &updatedLoan, PreviousPaid: decimal.RequireFromString("30.00")}},
	})
	if !errors.Is(err, ErrConcurrentLoanUpdate) {
		t.Fatalf("Expected ErrConcurrentLoanUpdate, got %v", err)
	}

	known, _ := s.FetchKnownPaymentReferences(ctx, []string{"PAY-9"})
	if len(known) != 0 {
		t.Error("Payment must be rolled back with the failed chunk")
	}
}

func TestSQLiteStore_CommitChunkHonoursCancelledContext(t *testing.T) {
	s := newTestStore(t)
	loan := seedLoan(t, s, "LN20220005", "100.00", "0.00", models.LoanStateActive)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CommitChunk(ctx, ChunkCommit{Payments: []models.Payment{testPayment("PAY-C", loan.Reference, "10.00", time.Now())}})
	if err == nil {
		t.Fatal("Expected an error for a cancelled context")
	}

	known, _ := s.FetchKnownPaymentReferences(context.Background(), []string{"PAY-C"})
	if len(known) != 0 {
		t.Error("Nothing may be written by a cancelled commit")
	}
}

func TestSQLiteStore_SeedFixtures(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	content := `customers:
  - first_name: Ada
    last_name: Lovelace
    email: ada@example.com
    phone: "+37060000000"
    loans:
      - reference: LN12345678
        amount_issued: "1000.00"
        amount_to_pay: "1200.00"
      - reference: LN87654321
        amount_issued: "50.00"
        amount_to_pay: "60.00"
        amount_paid: "60.00"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write fixtures: %v", err)
	}

	f, err := LoadFixtures(path)
	if err != nil {
		t.Fatalf("Failed to load fixtures: %v", err)
	}
	customers, loans, err := Seed(context.Background(), s, f)
	if err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}
	if customers != 1 || loans != 2 {
		t.Errorf("Expected 1 customer and 2 loans, got %d and %d", customers, loans)
	}

	paid, err := s.GetLoanByReference(context.Background(), "LN87654321")
	if err != nil {
		t.Fatalf("Failed to get seeded loan: %v", err)
	}
	if paid.State != models.LoanStatePaid {
		t.Errorf("Expected fully paid fixture loan to be PAID, got %s", paid.State)
	}
}

func TestGroups(t *testing.T) {
	values := make([]string, 2*maxInParams+1)
	got := groups(values)
	if len(got) != 3 || len(got[2]) != 1 {
		t.Errorf("Unexpected grouping: %d groups", len(got))
	}
	if groups(nil) != nil {
		t.Error("Expected no groups for no values")
	}
}
