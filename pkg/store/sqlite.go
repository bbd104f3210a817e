package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/loanrecon/pkg/models"
)

// SQLite keeps the number of bound variables per statement well below its limit.
const maxInParams = 500

// paymentDateFormat is how payment dates are stored, always in UTC.
const paymentDateFormat = "2006-01-02 15:04:05"

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the schema.
// busyTimeout bounds how long a statement waits on a locked database.
func NewSQLiteStore(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	// Foreign keys and journal mode are per connection, so they go in the DSN.
	// _txlock=immediate takes the write lock at BEGIN, which serializes commits.
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Printf("Database %s opened and schema initialized.", path)
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// Money columns are TEXT holding exactly two decimals so no precision is lost
// and stored values compare as strings.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		ssn TEXT,
		email TEXT,
		phone TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (state IN ('ACTIVE', 'PAID')),
		amount_issued TEXT NOT NULL,
		amount_to_pay TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0.00',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(customer_id) REFERENCES customers(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS loans_reference_state ON loans(reference, state);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		payer_name TEXT NOT NULL,
		payer_surname TEXT NOT NULL,
		amount TEXT NOT NULL,
		national_id TEXT,
		loan_reference TEXT NOT NULL,
		payment_reference TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL CHECK (state IN ('ASSIGNED', 'PARTIALLY_ASSIGNED', 'REJECTED')),
		code INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL CHECK (source IN ('API', 'BATCH')),
		payment_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_reference) REFERENCES loans(reference) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS payments_loan_reference ON payments(loan_reference);
	CREATE INDEX IF NOT EXISTS payments_payment_date ON payments(payment_date);
	CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		payment_reference TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'COMPLETED', 'FAILED')),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(payment_reference) REFERENCES payments(payment_reference) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS refunds_payment_reference_status ON refunds(payment_reference, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateCustomer inserts a new customer.
func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *models.Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, first_name, last_name, ssn, email, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.FirstName, c.LastName, nullString(c.SSN), nullString(c.Email), nullString(c.Phone), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by its ID.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var c models.Customer
	var idStr string
	var ssn, email, phone sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT id, first_name, last_name, ssn, email, phone, created_at, updated_at FROM customers WHERE id = ?`, id.String())
	err := row.Scan(&idStr, &c.FirstName, &c.LastName, &ssn, &email, &phone, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.ID = uuid.MustParse(idStr)
	c.SSN, c.Email, c.Phone = ssn.String, email.String, phone.String
	return &c, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (id, customer_id, reference, state, amount_issued, amount_to_pay, amount_paid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerID.String(), loan.Reference, loan.State,
		loan.AmountIssued.StringFixed(2), loan.AmountToPay.StringFixed(2), loan.AmountPaid.StringFixed(2),
		loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

const loanColumns = `id, customer_id, reference, state, amount_issued, amount_to_pay, amount_paid, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, customerIDStr string
	if err := row.Scan(&idStr, &customerIDStr, &loan.Reference, &loan.State, &loan.AmountIssued, &loan.AmountToPay, &loan.AmountPaid, &loan.CreatedAt, &loan.UpdatedAt); err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.CustomerID = uuid.MustParse(customerIDStr)
	return &loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// GetLoanByReference retrieves a loan by its human-facing reference.
func (s *SQLiteStore) GetLoanByReference(ctx context.Context, reference string) (*models.Loan, error) {
	loan, err := scanLoan(s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE reference = ?`, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan %s: %w", reference, err)
	}
	return loan, nil
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY reference`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// FetchActiveLoansByReference returns the ACTIVE loans among references, keyed by reference.
func (s *SQLiteStore) FetchActiveLoansByReference(ctx context.Context, references []string) (map[string]*models.Loan, error) {
	loans := make(map[string]*models.Loan, len(references))
	for _, group := range groups(references) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+loanColumns+` FROM loans WHERE state = 'ACTIVE' AND reference IN (`+placeholders(len(group))+`)`,
			anySlice(group)...)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch active loans: %w", err)
		}
		found, err := scanLoans(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, l := range found {
			loans[l.Reference] = l
		}
	}
	return loans, nil
}

// FetchKnownPaymentReferences returns the subset of references already stored.
func (s *SQLiteStore) FetchKnownPaymentReferences(ctx context.Context, references []string) (map[string]struct{}, error) {
	known := make(map[string]struct{})
	for _, group := range groups(references) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT payment_reference FROM payments WHERE payment_reference IN (`+placeholders(len(group))+`)`,
			anySlice(group)...)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch payment references: %w", err)
		}
		for rows.Next() {
			var ref string
			if err := rows.Scan(&ref); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan payment reference: %w", err)
			}
			known[ref] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error during rows iteration: %w", err)
		}
	}
	return known, nil
}

const insertPaymentSQL = `INSERT INTO payments (id, payer_name, payer_surname, amount, national_id, loan_reference, payment_reference, state, code, source, payment_date, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// upsertLoanSQL only updates balance, state and timestamp, and only while the
// stored balance is still the one the chunk was computed from.
const upsertLoanSQL = `INSERT INTO loans (` + loanColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		amount_paid = excluded.amount_paid,
		state = excluded.state,
		updated_at = excluded.updated_at
	WHERE loans.amount_paid = ? AND loans.state = 'ACTIVE'`

const insertRefundSQL = `INSERT INTO refunds (id, payment_reference, amount, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// CommitChunk writes a chunk's payments, loan updates and refunds within one
// transaction. Any failure rolls back the whole chunk.
func (s *SQLiteStore) CommitChunk(ctx context.Context, c ChunkCommit) ([]*models.Loan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertPayments(ctx, tx, c.Payments); err != nil {
		return nil, err
	}
	if err := upsertLoans(ctx, tx, c.Loans); err != nil {
		return nil, err
	}
	if err := insertRefunds(ctx, tx, c.Refunds); err != nil {
		return nil, err
	}

	var updated []*models.Loan
	if len(c.Loans) > 0 {
		ids := make([]string, len(c.Loans))
		for i, u := range c.Loans {
			ids[i] = u.Loan.ID.String()
		}
		updated, err = loansByID(ctx, tx, ids)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chunk: %w", err)
	}
	return updated, nil
}

func insertPayments(ctx context.Context, tx *sql.Tx, payments []models.Payment) error {
	if len(payments) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertPaymentSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare payment insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range payments {
		_, err := stmt.ExecContext(ctx,
			p.ID.String(), p.PayerName, p.PayerSurname, p.Amount.StringFixed(2), nullString(p.NationalID),
			p.LoanReference, p.PaymentReference, p.State, int(p.Code), p.Source,
			p.PaymentDate.UTC().Format(paymentDateFormat), p.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicatePaymentReference, p.PaymentReference)
			}
			return fmt.Errorf("failed to insert payment %s: %w", p.PaymentReference, err)
		}
	}
	return nil
}

func upsertLoans(ctx context.Context, tx *sql.Tx, updates []LoanUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertLoanSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare loan upsert: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		l := u.Loan
		result, err := stmt.ExecContext(ctx,
			l.ID.String(), l.CustomerID.String(), l.Reference, l.State,
			l.AmountIssued.StringFixed(2), l.AmountToPay.StringFixed(2), l.AmountPaid.StringFixed(2),
			l.CreatedAt, l.UpdatedAt,
			u.PreviousPaid.StringFixed(2),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert loan %s: %w", l.Reference, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrConcurrentLoanUpdate, l.Reference)
		}
	}
	return nil
}

func insertRefunds(ctx context.Context, tx *sql.Tx, refunds []models.Refund) error {
	if len(refunds) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertRefundSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare refund insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range refunds {
		_, err := stmt.ExecContext(ctx, r.ID.String(), r.PaymentReference, r.Amount.StringFixed(2), r.Status, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert refund for %s: %w", r.PaymentReference, err)
		}
	}
	return nil
}

// loansByID re-reads loans inside tx, returned in the order of ids.
func loansByID(ctx context.Context, tx *sql.Tx, ids []string) ([]*models.Loan, error) {
	byID := make(map[string]*models.Loan, len(ids))
	for _, group := range groups(ids) {
		rows, err := tx.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id IN (`+placeholders(len(group))+`)`, anySlice(group)...)
		if err != nil {
			return nil, fmt.Errorf("failed to read updated loans: %w", err)
		}
		loans, err := scanLoans(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, l := range loans {
			byID[l.ID.String()] = l
		}
	}
	out := make([]*models.Loan, 0, len(ids))
	for _, id := range ids {
		if l, ok := byID[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

const paymentColumns = `id, payer_name, payer_surname, amount, national_id, loan_reference, payment_reference, state, code, source, payment_date, created_at`

// PaymentsByDate returns the payments whose payment date falls on the given UTC day.
func (s *SQLiteStore) PaymentsByDate(ctx context.Context, date time.Time) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE date(payment_date) = ? ORDER BY payment_date, payment_reference`,
		date.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for %s: %w", date.Format("2006-01-02"), err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		var idStr string
		var nationalID sql.NullString
		var code int
		if err := rows.Scan(&idStr, &p.PayerName, &p.PayerSurname, &p.Amount, &nationalID, &p.LoanReference, &p.PaymentReference, &p.State, &code, &p.Source, &p.PaymentDate, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.ID = uuid.MustParse(idStr)
		p.NationalID = nationalID.String
		p.Code = models.Code(code)
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

// RefundsForPayment retrieves the refunds recorded against a payment reference.
func (s *SQLiteStore) RefundsForPayment(ctx context.Context, paymentReference string) ([]*models.Refund, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payment_reference, amount, status, created_at, updated_at FROM refunds WHERE payment_reference = ? ORDER BY created_at`,
		paymentReference)
	if err != nil {
		return nil, fmt.Errorf("failed to get refunds for %s: %w", paymentReference, err)
	}
	defer rows.Close()

	var refunds []*models.Refund
	for rows.Next() {
		var r models.Refund
		var idStr string
		if err := rows.Scan(&idStr, &r.PaymentReference, &r.Amount, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refund row: %w", err)
		}
		r.ID = uuid.MustParse(idStr)
		refunds = append(refunds, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for refunds: %w", err)
	}
	return refunds, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// groups splits values into slices of at most maxInParams.
func groups(values []string) [][]string {
	var out [][]string
	for len(values) > maxInParams {
		out = append(out, values[:maxInParams])
		values = values[maxInParams:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}
