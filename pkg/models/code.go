package models

import "fmt"

// Code classifies a payment outcome. The integer values are stable for
// external consumers.
type Code int

const (
	CodeSuccess       Code = 0
	CodeDuplicate     Code = 1
	CodeAmount        Code = 2
	CodePaymentDate   Code = 3
	CodeLoanReference Code = 4
	CodeAlreadyPaid   Code = 5
	CodeUnknown       Code = 99
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeDuplicate:
		return "DUPLICATE"
	case CodeAmount:
		return "AMOUNT"
	case CodePaymentDate:
		return "PAYMENT_DATE"
	case CodeLoanReference:
		return "LOAN_REFERENCE"
	case CodeAlreadyPaid:
		return "ALREADY_PAID"
	case CodeUnknown:
		return "UNKNOWN"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}
