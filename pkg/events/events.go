// Package events publishes loan lifecycle events for downstream collaborators
// (receipt emails, exports). Events are emitted after the ledger commits.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/shopspring/decimal"
)

type Type string

const (
	LoanCreated    Type = "loan.created"
	LoanApproved   Type = "loan.approved"
	LoanRejected   Type = "loan.rejected"
	LoanCanceled   Type = "loan.canceled"
	LoanLate       Type = "loan.late"
	LoanPaid       Type = "loan.paid"
	PaymentApplied Type = "payment.applied"
)

// Event is the wire form of a lifecycle event.
type Event struct {
	ID                string            `json:"event_id"`
	Type              Type              `json:"type"`
	LoanID            uuid.UUID         `json:"loan_id"`
	BorrowerID        string            `json:"borrower_id"`
	Status            models.LoanStatus `json:"status"`
	Amount            *decimal.Decimal  `json:"amount,omitempty"`
	AmountDisplay     string            `json:"amount_display,omitempty"`
	Remaining         *decimal.Decimal  `json:"remaining,omitempty"`
	TransactionNumber string            `json:"transaction_number,omitempty"`
	DueAt             time.Time         `json:"due_at"`
	LoanVersion       int               `json:"loan_version"` // orders events of one loan
	OccurredAt        time.Time         `json:"occurred_at"`
}

// ForLoan builds an event describing the loan's current state.
func ForLoan(t Type, loan *models.Loan, at time.Time) Event {
	remaining := loan.Remaining()
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		LoanID:      loan.ID,
		BorrowerID:  loan.BorrowerID,
		Status:      loan.Status,
		Remaining:   &remaining,
		DueAt:       loan.DueAt(),
		LoanVersion: loan.Version,
		OccurredAt:  at,
	}
}

// Publisher delivers events to consumers.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) error { return nil }
func (NopPublisher) Close() error                            { return nil }
