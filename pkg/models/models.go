package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanState string

const (
	LoanStateActive LoanState = "ACTIVE"
	LoanStatePaid   LoanState = "PAID"
)

type PaymentState string

const (
	PaymentStateAssigned          PaymentState = "ASSIGNED"
	PaymentStatePartiallyAssigned PaymentState = "PARTIALLY_ASSIGNED"
	PaymentStateRejected          PaymentState = "REJECTED"
)

type PaymentSource string

const (
	PaymentSourceAPI   PaymentSource = "API"
	PaymentSourceBatch PaymentSource = "BATCH"
)

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

type Customer struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	SSN       string    `json:"ssn,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Loan struct {
	ID           uuid.UUID       `json:"id"`
	CustomerID   uuid.UUID       `json:"customer_id"`
	Reference    string          `json:"reference"` // Human-facing code, e.g. LN20220012
	State        LoanState       `json:"state"`
	AmountIssued decimal.Decimal `json:"amount_issued"`
	AmountToPay  decimal.Decimal `json:"amount_to_pay"`
	AmountPaid   decimal.Decimal `json:"amount_paid"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Payment struct {
	ID               uuid.UUID       `json:"id"`
	PayerName        string          `json:"payer_name"`
	PayerSurname     string          `json:"payer_surname"`
	Amount           decimal.Decimal `json:"amount"`
	NationalID       string          `json:"national_id,omitempty"`
	LoanReference    string          `json:"loan_reference"`
	PaymentReference string          `json:"payment_reference"` // Idempotency key
	State            PaymentState    `json:"state"`
	Code             Code            `json:"code"`
	Source           PaymentSource   `json:"source"`
	PaymentDate      time.Time       `json:"payment_date"`
	CreatedAt        time.Time       `json:"created_at"`
}

type Refund struct {
	ID               uuid.UUID       `json:"id"`
	PaymentReference string          `json:"payment_reference"`
	Amount           decimal.Decimal `json:"amount"`
	Status           RefundStatus    `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PaymentRecord is one raw input row using canonical field names.
// Values are exactly as delivered by the source; parsing happens in validation.
type PaymentRecord struct {
	Row              int    `json:"row"`
	PaymentDate      string `json:"payment_date"`
	PayerName        string `json:"payer_name"`
	PayerSurname     string `json:"payer_surname"`
	Amount           string `json:"amount"`
	NationalID       string `json:"national_id,omitempty"`
	LoanReference    string `json:"loan_reference"`
	PaymentReference string `json:"payment_reference"`
}

// Rejection reports a record that was not applied.
type Rejection struct {
	Record PaymentRecord `json:"record"`
	Code   Code          `json:"code"`
}
