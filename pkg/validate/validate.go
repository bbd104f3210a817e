// Package validate classifies raw payment records before reconciliation.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
)

var (
	ErrDuplicateReference = errors.New("payment reference missing or already used")
	ErrInvalidAmount      = errors.New("amount missing, non-numeric or below 0.01")
	ErrInvalidPaymentDate = errors.New("payment date missing or unparseable")
	ErrInactiveLoan       = errors.New("loan reference missing or not an active loan")
)

// minAmountCents is the smallest payment accepted (0.01).
const minAmountCents = 1

// Lookup holds the storage-backed sets a chunk is validated against.
// It is fetched once per chunk and never refreshed mid-chunk.
type Lookup struct {
	ActiveLoans   map[string]struct{}
	KnownPayments map[string]struct{}
}

// NewLookup builds a Lookup from reference lists.
func NewLookup(activeLoans, knownPayments []string) Lookup {
	l := Lookup{
		ActiveLoans:   make(map[string]struct{}, len(activeLoans)),
		KnownPayments: make(map[string]struct{}, len(knownPayments)),
	}
	for _, r := range activeLoans {
		l.ActiveLoans[r] = struct{}{}
	}
	for _, r := range knownPayments {
		l.KnownPayments[r] = struct{}{}
	}
	return l
}

// Candidate is a payment record on its way through validation and
// reconciliation. State is empty while the record is still pending.
type Candidate struct {
	Record      models.PaymentRecord
	AmountCents int64
	PaymentDate time.Time
	State       models.PaymentState
	Code        models.Code
}

// NewCandidate trims surrounding whitespace from every field of rec.
func NewCandidate(rec models.PaymentRecord) *Candidate {
	rec.PaymentDate = strings.TrimSpace(rec.PaymentDate)
	rec.PayerName = strings.TrimSpace(rec.PayerName)
	rec.PayerSurname = strings.TrimSpace(rec.PayerSurname)
	rec.Amount = strings.TrimSpace(rec.Amount)
	rec.NationalID = strings.TrimSpace(rec.NationalID)
	rec.LoanReference = strings.TrimSpace(rec.LoanReference)
	rec.PaymentReference = strings.TrimSpace(rec.PaymentReference)
	return &Candidate{Record: rec}
}

// Rejected reports whether any check has rejected the candidate.
func (c *Candidate) Rejected() bool {
	return c.State == models.PaymentStateRejected
}

// Reject marks the candidate rejected with code. A DUPLICATE code is never
// replaced by another one.
func (c *Candidate) Reject(code models.Code) {
	c.State = models.PaymentStateRejected
	if c.Code == models.CodeDuplicate {
		return
	}
	c.Code = code
}

// MarkDuplicate forces the DUPLICATE outcome regardless of earlier results.
func (c *Candidate) MarkDuplicate() {
	c.State = models.PaymentStateRejected
	c.Code = models.CodeDuplicate
}

// Rejection returns the report form of a rejected candidate.
func (c *Candidate) Rejection() models.Rejection {
	return models.Rejection{Record: c.Record, Code: c.Code}
}

// CodeFor maps a rule error to its rejection code.
func CodeFor(err error) models.Code {
	switch {
	case err == nil:
		return models.CodeSuccess
	case errors.Is(err, ErrDuplicateReference):
		return models.CodeDuplicate
	case errors.Is(err, ErrInvalidAmount):
		return models.CodeAmount
	case errors.Is(err, ErrInvalidPaymentDate):
		return models.CodePaymentDate
	case errors.Is(err, ErrInactiveLoan):
		return models.CodeLoanReference
	}
	return models.CodeUnknown
}

// Rule checks one field. Rules may fill parsed values into the candidate.
type Rule func(c *Candidate, l Lookup) error

// Validator runs its rules in order and stops at the first failure.
type Validator struct {
	rules []Rule
}

// NewValidator returns a Validator with the standard rule order:
// payment reference, amount, payment date, loan reference.
func NewValidator() *Validator {
	return &Validator{rules: []Rule{
		checkPaymentReference,
		checkAmount,
		checkPaymentDate,
		checkLoanReference,
	}}
}

// Validate classifies c. It returns the first rule error, after tagging the
// candidate with the matching code. A candidate that is already rejected is
// left untouched.
func (v *Validator) Validate(c *Candidate, l Lookup) (err error) {
	if c.Rejected() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validating row %d: %v", c.Record.Row, r)
			c.Reject(models.CodeUnknown)
		}
	}()
	for _, rule := range v.rules {
		if err := rule(c, l); err != nil {
			c.Reject(CodeFor(err))
			return err
		}
	}
	return nil
}

func checkPaymentReference(c *Candidate, l Lookup) error {
	ref := c.Record.PaymentReference
	if ref == "" {
		return ErrDuplicateReference
	}
	if _, known := l.KnownPayments[ref]; known {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, ref)
	}
	return nil
}

func checkAmount(c *Candidate, _ Lookup) error {
	cents, err := money.Parse(c.Record.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if cents < minAmountCents {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, c.Record.Amount)
	}
	c.AmountCents = cents
	return nil
}

func checkPaymentDate(c *Candidate, _ Lookup) error {
	t, err := ParsePaymentDate(c.Record.PaymentDate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPaymentDate, err)
	}
	c.PaymentDate = t
	return nil
}

func checkLoanReference(c *Candidate, l Lookup) error {
	ref := c.Record.LoanReference
	if ref == "" {
		return ErrInactiveLoan
	}
	if _, ok := l.ActiveLoans[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrInactiveLoan, ref)
	}
	return nil
}
