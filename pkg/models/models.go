package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microcredit/pkg/money"
	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle stage of a loan.
type LoanStatus string

const (
	LoanStatusPending       LoanStatus = "Pending"
	LoanStatusApproved      LoanStatus = "Approved"
	LoanStatusPartiallyPaid LoanStatus = "PartiallyPaid"
	LoanStatusLate          LoanStatus = "Late"
	LoanStatusPaid          LoanStatus = "Paid"
	LoanStatusRejected      LoanStatus = "Rejected"
	LoanStatusCanceled      LoanStatus = "Canceled"
)

// LoanStatuses lists every status in reporting order.
var LoanStatuses = []LoanStatus{
	LoanStatusPending,
	LoanStatusApproved,
	LoanStatusPartiallyPaid,
	LoanStatusLate,
	LoanStatusPaid,
	LoanStatusRejected,
	LoanStatusCanceled,
}

// ParseLoanStatus converts a raw string into a LoanStatus.
func ParseLoanStatus(s string) (LoanStatus, error) {
	for _, st := range LoanStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown loan status %q", s)}
}

// IsTerminal reports whether no further lifecycle event can move the loan.
func (s LoanStatus) IsTerminal() bool {
	return s == LoanStatusPaid || s == LoanStatusRejected || s == LoanStatusCanceled
}

// Loan is a credit extended to a borrower. TotalOwed is derived from
// Principal and Rate and is frozen once the loan leaves Pending.
type Loan struct {
	ID         uuid.UUID       `json:"id"`
	BorrowerID string          `json:"borrower_id"` // weak reference to the user system
	Principal  decimal.Decimal `json:"principal"`
	Rate       decimal.Decimal `json:"rate"` // percent
	TermMonths int             `json:"term_months"`
	TotalOwed  decimal.Decimal `json:"total_owed"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Guarantees string          `json:"guarantees_offered,omitempty"`
	Status     LoanStatus      `json:"status"`
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Remaining is the balance still owed.
func (l *Loan) Remaining() decimal.Decimal {
	return l.TotalOwed.Sub(l.AmountPaid)
}

// Interest is the flat interest charged on the principal, unrounded.
func (l *Loan) Interest() decimal.Decimal {
	return money.Interest(l.Principal, l.Rate)
}

// RecomputeTotal refreshes TotalOwed from Principal and Rate.
func (l *Loan) RecomputeTotal() {
	l.TotalOwed = money.ComputeTotalOwed(l.Principal, l.Rate)
}

// DueAt is the calendar date the term ends, TermMonths after creation. The
// loan only turns Late once a whole month beyond the term has elapsed.
func (l *Loan) DueAt() time.Time {
	return l.CreatedAt.AddDate(0, l.TermMonths, 0)
}

// MarshalJSON adds the derived due_at field.
func (l Loan) MarshalJSON() ([]byte, error) {
	type plain Loan
	return json.Marshal(struct {
		plain
		DueAt time.Time `json:"due_at"`
	}{plain(l), l.DueAt()})
}

// PaymentMethod is how the borrower paid.
type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "Cash"
	PaymentMethodBankTransfer PaymentMethod = "Bank Transfer"
	PaymentMethodCreditCard   PaymentMethod = "Credit Card"
	PaymentMethodDebitCard    PaymentMethod = "Debit Card"
	PaymentMethodOther        PaymentMethod = "Other"
)

var paymentMethods = []PaymentMethod{
	PaymentMethodCash,
	PaymentMethodBankTransfer,
	PaymentMethodCreditCard,
	PaymentMethodDebitCard,
	PaymentMethodOther,
}

// ParsePaymentMethod converts a raw string into a PaymentMethod.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	for _, m := range paymentMethods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", &ValidationError{Field: "method", Message: fmt.Sprintf("unknown payment method %q", s)}
}

// PaymentStatus reflects the loan state right after the payment was applied.
type PaymentStatus string

const (
	// PaymentStatusApproved marks the payment that settled the loan in full.
	PaymentStatusApproved         PaymentStatus = "Approved"
	PaymentStatusPartiallyApplied PaymentStatus = "PartiallyApplied"
)

var paymentStatuses = []PaymentStatus{PaymentStatusApproved, PaymentStatusPartiallyApplied}

// ParsePaymentStatus converts a raw string into a PaymentStatus.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	for _, st := range paymentStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown payment status %q", s)}
}

// Payment is an append-only ledger entry against a loan.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	LoanID            uuid.UUID       `json:"loan_id"`
	Amount            decimal.Decimal `json:"amount"`
	Method            PaymentMethod   `json:"method"`
	TransactionNumber string          `json:"transaction_number"`
	Status            PaymentStatus   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Settles reports whether this payment closed the loan.
func (p *Payment) Settles() bool {
	return p.Status == PaymentStatusApproved
}
