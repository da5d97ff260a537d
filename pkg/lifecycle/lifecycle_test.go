package lifecycle

import (
	"testing"
	"time"

	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)

func newLoan(status models.LoanStatus, total, paid int64, term int) models.Loan {
	return models.Loan{
		Status:     status,
		TotalOwed:  decimal.NewFromInt(total),
		AmountPaid: decimal.NewFromInt(paid),
		TermMonths: term,
		CreatedAt:  created,
	}
}

func TestNext_Commands(t *testing.T) {
	tests := []struct {
		name    string
		from    models.LoanStatus
		event   Event
		want    models.LoanStatus
		wantErr bool
	}{
		{"approve pending", models.LoanStatusPending, Approve(), models.LoanStatusApproved, false},
		{"reject pending", models.LoanStatusPending, Reject(), models.LoanStatusRejected, false},
		{"cancel pending", models.LoanStatusPending, Cancel(), models.LoanStatusCanceled, false},
		{"approve approved", models.LoanStatusApproved, Approve(), models.LoanStatusApproved, true},
		{"approve paid", models.LoanStatusPaid, Approve(), models.LoanStatusPaid, true},
		{"reject late", models.LoanStatusLate, Reject(), models.LoanStatusLate, true},
		{"cancel rejected", models.LoanStatusRejected, Cancel(), models.LoanStatusRejected, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(newLoan(tt.from, 1300, 0, 3), tt.event)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNext_Payment(t *testing.T) {
	tests := []struct {
		name      string
		from      models.LoanStatus
		paid      int64
		amount    int64
		want      models.LoanStatus
		wantErrIs []error
	}{
		{"full settlement from approved", models.LoanStatusApproved, 0, 1300, models.LoanStatusPaid, nil},
		{"partial from approved", models.LoanStatusApproved, 0, 300, models.LoanStatusPartiallyPaid, nil},
		{"completing partial", models.LoanStatusPartiallyPaid, 1000, 300, models.LoanStatusPaid, nil},
		{"partial on late", models.LoanStatusLate, 0, 100, models.LoanStatusPartiallyPaid, nil},
		{"settles late", models.LoanStatusLate, 1200, 100, models.LoanStatusPaid, nil},
		{"pending", models.LoanStatusPending, 0, 100, models.LoanStatusPending, []error{models.ErrInvalidStateTransition}},
		{"paid", models.LoanStatusPaid, 1300, 100, models.LoanStatusPaid, []error{models.ErrInvalidStateTransition}},
		{"overpay", models.LoanStatusApproved, 0, 1301, models.LoanStatusApproved,
			[]error{models.ErrInvalidStateTransition, models.ErrPaymentExceedsBalance}},
		{"zero amount", models.LoanStatusApproved, 0, 0, models.LoanStatusApproved, []error{models.ErrInvalidStateTransition}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(newLoan(tt.from, 1300, tt.paid, 3), Payment(decimal.NewFromInt(tt.amount)))
			for _, target := range tt.wantErrIs {
				assert.ErrorIs(t, err, target)
			}
			if len(tt.wantErrIs) == 0 {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOverdue(t *testing.T) {
	loan := newLoan(models.LoanStatusApproved, 1300, 0, 12)

	assert.False(t, Overdue(loan, created.AddDate(0, 12, 0)))
	assert.True(t, Overdue(loan, created.AddDate(0, 13, 0)))

	for _, st := range []models.LoanStatus{
		models.LoanStatusPending, models.LoanStatusPaid, models.LoanStatusRejected, models.LoanStatusCanceled,
	} {
		loan.Status = st
		assert.False(t, Overdue(loan, created.AddDate(2, 0, 0)), st)
	}
}

func TestRefresh(t *testing.T) {
	loan := newLoan(models.LoanStatusPartiallyPaid, 1300, 500, 3)

	assert.False(t, Refresh(&loan, created.AddDate(0, 3, 0)))
	assert.Equal(t, models.LoanStatusPartiallyPaid, loan.Status)

	assert.True(t, Refresh(&loan, created.AddDate(0, 4, 0)))
	assert.Equal(t, models.LoanStatusLate, loan.Status)

	assert.False(t, Refresh(&loan, created.AddDate(0, 5, 0)))
	assert.Equal(t, models.LoanStatusLate, loan.Status)
}

func TestNext_UnknownEvent(t *testing.T) {
	_, err := Next(newLoan(models.LoanStatusApproved, 1, 0, 1), Event{Kind: "restructure"})
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestPaymentAcceptedOnlyWhileRepaying(t *testing.T) {
	for _, st := range models.LoanStatuses {
		loan := newLoan(st, 1300, 0, 12)
		_, err := Next(loan, Payment(decimal.NewFromInt(100)))
		repaying := st != models.LoanStatusPending && !st.IsTerminal()
		assert.Equal(t, repaying, err == nil, st)
		assert.Equal(t, repaying, Overdue(loan, created.AddDate(2, 0, 0)), st)
	}
}
