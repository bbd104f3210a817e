package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Fixtures describes customers and their loans to preload into storage.
// Loan origination is not handled by this service; fixtures stand in for it.
type Fixtures struct {
	Customers []CustomerFixture `yaml:"customers"`
}

type CustomerFixture struct {
	ID        string        `yaml:"id"`
	FirstName string        `yaml:"first_name"`
	LastName  string        `yaml:"last_name"`
	SSN       string        `yaml:"ssn"`
	Email     string        `yaml:"email"`
	Phone     string        `yaml:"phone"`
	Loans     []LoanFixture `yaml:"loans"`
}

type LoanFixture struct {
	ID           string `yaml:"id"`
	Reference    string `yaml:"reference"`
	State        string `yaml:"state"`
	AmountIssued string `yaml:"amount_issued"`
	AmountToPay  string `yaml:"amount_to_pay"`
	AmountPaid   string `yaml:"amount_paid"`
}

// LoadFixtures reads a YAML fixture file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read fixtures: %w", err)
	}
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("could not parse fixtures %s: %w", path, err)
	}
	return &f, nil
}

// Seed writes the fixtures through s and returns how many customers and
// loans were created.
func Seed(ctx context.Context, s Storage, f *Fixtures) (customers, loans int, err error) {
	now := time.Now().UTC()
	for _, cf := range f.Customers {
		id, err := parseOrNewID(cf.ID)
		if err != nil {
			return customers, loans, fmt.Errorf("customer %s %s: %w", cf.FirstName, cf.LastName, err)
		}
		customer := &models.Customer{
			ID:        id,
			FirstName: cf.FirstName,
			LastName:  cf.LastName,
			SSN:       cf.SSN,
			Email:     cf.Email,
			Phone:     cf.Phone,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateCustomer(ctx, customer); err != nil {
			return customers, loans, err
		}
		customers++

		for _, lf := range cf.Loans {
			loan, err := lf.toLoan(customer.ID, now)
			if err != nil {
				return customers, loans, fmt.Errorf("loan %s: %w", lf.Reference, err)
			}
			if err := s.CreateLoan(ctx, loan); err != nil {
				return customers, loans, err
			}
			loans++
		}
	}
	return customers, loans, nil
}

func (lf LoanFixture) toLoan(customerID uuid.UUID, now time.Time) (*models.Loan, error) {
	id, err := parseOrNewID(lf.ID)
	if err != nil {
		return nil, err
	}
	if lf.Reference == "" {
		return nil, fmt.Errorf("reference is required")
	}
	issued, err := decimalOrZero(lf.AmountIssued)
	if err != nil {
		return nil, fmt.Errorf("amount_issued: %w", err)
	}
	toPay, err := decimalOrZero(lf.AmountToPay)
	if err != nil {
		return nil, fmt.Errorf("amount_to_pay: %w", err)
	}
	paid, err := decimalOrZero(lf.AmountPaid)
	if err != nil {
		return nil, fmt.Errorf("amount_paid: %w", err)
	}

	state := models.LoanState(lf.State)
	if state == "" {
		state = models.LoanStateActive
		if paid.GreaterThanOrEqual(toPay) {
			state = models.LoanStatePaid
		}
	}
	if state != models.LoanStateActive && state != models.LoanStatePaid {
		return nil, fmt.Errorf("unknown state %q", lf.State)
	}

	return &models.Loan{
		ID:           id,
		CustomerID:   customerID,
		Reference:    lf.Reference,
		State:        state,
		AmountIssued: issued,
		AmountToPay:  toPay,
		AmountPaid:   paid,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func parseOrNewID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
