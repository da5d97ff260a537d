// Package lifecycle decides which loan status follows a lifecycle event.
// It never mutates persistence; the ledger applies the result.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/money"
	"github.com/shopspring/decimal"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventApprove     EventKind = "approve"
	EventReject      EventKind = "reject"
	EventCancel      EventKind = "cancel"
	EventPayment     EventKind = "payment"
	EventTimeAdvance EventKind = "time_advance"
)

// Event is a lifecycle event. Amount is only meaningful for payments and At
// only for time advances.
type Event struct {
	Kind   EventKind
	Amount decimal.Decimal
	At     time.Time
}

// Command events carry no payload.
func Approve() Event { return Event{Kind: EventApprove} }
func Reject() Event  { return Event{Kind: EventReject} }
func Cancel() Event  { return Event{Kind: EventCancel} }

// Payment is a repayment of amount against the loan.
func Payment(amount decimal.Decimal) Event {
	return Event{Kind: EventPayment, Amount: amount}
}

// TimeAdvance asks for lateness to be evaluated as of now.
func TimeAdvance(now time.Time) Event {
	return Event{Kind: EventTimeAdvance, At: now}
}

type edge struct {
	from  models.LoanStatus
	event EventKind
}

var commandTable = map[edge]models.LoanStatus{
	{models.LoanStatusPending, EventApprove}: models.LoanStatusApproved,
	{models.LoanStatusPending, EventReject}:  models.LoanStatusRejected,
	{models.LoanStatusPending, EventCancel}:  models.LoanStatusCanceled,
}

// Next returns the status the loan moves to when ev is applied. Illegal
// events fail with models.ErrInvalidStateTransition.
func Next(loan models.Loan, ev Event) (models.LoanStatus, error) {
	switch ev.Kind {
	case EventApprove, EventReject, EventCancel:
		to, ok := commandTable[edge{loan.Status, ev.Kind}]
		if !ok {
			return loan.Status, invalid(loan.Status, ev.Kind)
		}
		return to, nil
	case EventPayment:
		return nextOnPayment(loan, ev.Amount)
	case EventTimeAdvance:
		if Overdue(loan, ev.At) {
			return models.LoanStatusLate, nil
		}
		return loan.Status, nil
	default:
		return loan.Status, fmt.Errorf("%w: unknown event %q", models.ErrInvalidStateTransition, ev.Kind)
	}
}

func nextOnPayment(loan models.Loan, amount decimal.Decimal) (models.LoanStatus, error) {
	if !acceptsPayment(loan.Status) {
		return loan.Status, invalid(loan.Status, EventPayment)
	}
	if !amount.IsPositive() {
		return loan.Status, fmt.Errorf("%w: payment amount %s is not positive", models.ErrInvalidStateTransition, amount)
	}
	remaining := loan.Remaining()
	switch amount.Cmp(remaining) {
	case 0:
		return models.LoanStatusPaid, nil
	case -1:
		return models.LoanStatusPartiallyPaid, nil
	default:
		return loan.Status, fmt.Errorf("%w: %w: %s > %s", models.ErrInvalidStateTransition, models.ErrPaymentExceedsBalance, amount, remaining)
	}
}

// acceptsPayment reports whether a loan in status s is being repaid.
func acceptsPayment(s models.LoanStatus) bool {
	return s != models.LoanStatusPending && !s.IsTerminal()
}

// Overdue reports whether the loan has outlived its term while still owing
// money. Pending and terminal loans are never overdue.
func Overdue(loan models.Loan, now time.Time) bool {
	if !acceptsPayment(loan.Status) {
		return false
	}
	return money.MonthsElapsed(loan.CreatedAt, now) > loan.TermMonths
}

// Refresh re-evaluates lateness in place and reports whether the status
// changed. A late loan stays Late until it is paid.
func Refresh(loan *models.Loan, now time.Time) bool {
	next, err := Next(*loan, TimeAdvance(now))
	if err != nil || next == loan.Status {
		return false
	}
	loan.Status = next
	return true
}

func invalid(from models.LoanStatus, ev EventKind) error {
	return fmt.Errorf("%w: event %s not allowed in status %s", models.ErrInvalidStateTransition, ev, from)
}
