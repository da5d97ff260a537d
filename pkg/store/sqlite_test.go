package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newLoan(borrower string, principal int64, status models.LoanStatus, created time.Time) *models.Loan {
	l := &models.Loan{
		ID:         uuid.New(),
		BorrowerID: borrower,
		Principal:  decimal.NewFromInt(principal),
		Rate:       models.DefaultRate,
		TermMonths: 6,
		AmountPaid: decimal.Zero,
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	l.RecomputeTotal()
	return l
}

func TestSQLiteStore_CreateAndGetLoan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := newLoan("cust_test", 2000, models.LoanStatusPending, time.Now().UTC().Truncate(time.Second))
	loan.Guarantees = "Vehicle registration"
	require.NoError(t, s.CreateLoan(ctx, loan))
	assert.Equal(t, 1, loan.Version)

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)

	assert.Equal(t, loan.BorrowerID, fetched.BorrowerID)
	assert.True(t, loan.Principal.Equal(fetched.Principal))
	assert.True(t, decimal.NewFromInt(2600).Equal(fetched.TotalOwed))
	assert.Equal(t, "Vehicle registration", fetched.Guarantees)
	assert.Equal(t, models.LoanStatusPending, fetched.Status)
	assert.Equal(t, 6, fetched.TermMonths)
	assert.True(t, loan.CreatedAt.Equal(fetched.CreatedAt))
}

func TestSQLiteStore_GetLoanNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetLoan(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSQLiteStore_UpdateLoanVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := newLoan("cust", 1000, models.LoanStatusPending, time.Now().UTC())
	require.NoError(t, s.CreateLoan(ctx, loan))

	stale := *loan

	loan.Status = models.LoanStatusApproved
	require.NoError(t, s.UpdateLoan(ctx, loan))
	assert.Equal(t, 2, loan.Version)

	stale.Status = models.LoanStatusRejected
	err := s.UpdateLoan(ctx, &stale)
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusApproved, fetched.Status)
	assert.Equal(t, 2, fetched.Version)

	missing := newLoan("ghost", 10, models.LoanStatusPending, time.Now())
	assert.ErrorIs(t, s.UpdateLoan(ctx, missing), models.ErrNotFound)
}

func TestSQLiteStore_RecordPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := newLoan("cust", 1000, models.LoanStatusApproved, time.Now().UTC())
	require.NoError(t, s.CreateLoan(ctx, loan))

	loan.AmountPaid = decimal.NewFromInt(300)
	loan.Status = models.LoanStatusPartiallyPaid
	partial := &models.Payment{
		ID:                uuid.New(),
		LoanID:            loan.ID,
		Amount:            decimal.NewFromInt(300),
		Method:            models.PaymentMethodCash,
		TransactionNumber: "TX-1",
		Status:            models.PaymentStatusPartiallyApplied,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, s.RecordPayment(ctx, loan, partial))
	assert.Equal(t, 2, loan.Version)

	loan.AmountPaid = loan.TotalOwed
	loan.Status = models.LoanStatusPaid
	full := &models.Payment{
		ID:                uuid.New(),
		LoanID:            loan.ID,
		Amount:            decimal.NewFromInt(1000),
		Method:            models.PaymentMethodBankTransfer,
		TransactionNumber: "TX-2",
		Status:            models.PaymentStatusApproved,
		CreatedAt:         time.Now().UTC().Add(time.Second),
	}
	require.NoError(t, s.RecordPayment(ctx, loan, full))

	payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "TX-1", payments[0].TransactionNumber)
	assert.Equal(t, models.PaymentMethodBankTransfer, payments[1].Method)
	assert.Equal(t, models.PaymentStatusApproved, payments[1].Status)

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusPaid, fetched.Status)
	assert.True(t, fetched.AmountPaid.Equal(fetched.TotalOwed))
}

func TestSQLiteStore_RecordPaymentSecondSettlementRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := newLoan("cust", 100, models.LoanStatusApproved, time.Now().UTC())
	require.NoError(t, s.CreateLoan(ctx, loan))

	settle := func(txn string) error {
		p := &models.Payment{
			ID: uuid.New(), LoanID: loan.ID, Amount: loan.TotalOwed, Method: models.PaymentMethodCash,
			TransactionNumber: txn, Status: models.PaymentStatusApproved, CreatedAt: time.Now().UTC(),
		}
		return s.RecordPayment(ctx, loan, p)
	}

	loan.Status = models.LoanStatusPaid
	require.NoError(t, settle("TX-A"))
	assert.ErrorIs(t, settle("TX-B"), models.ErrDuplicatePayment)

	// The failed insert rolled back the loan update too.
	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fetched.Version)
}

func TestSQLiteStore_RecordPaymentStaleVersionRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := newLoan("cust", 1000, models.LoanStatusApproved, time.Now().UTC())
	require.NoError(t, s.CreateLoan(ctx, loan))
	first, second := *loan, *loan

	pay := func(l *models.Loan, txn string) error {
		l.AmountPaid = l.TotalOwed
		l.Status = models.LoanStatusPaid
		return s.RecordPayment(ctx, l, &models.Payment{
			ID: uuid.New(), LoanID: l.ID, Amount: l.TotalOwed, Method: models.PaymentMethodCash,
			TransactionNumber: txn, Status: models.PaymentStatusApproved, CreatedAt: time.Now().UTC(),
		})
	}

	require.NoError(t, pay(&first, "TX-1"))
	assert.ErrorIs(t, pay(&second, "TX-2"), models.ErrConcurrencyConflict)

	payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestSQLiteStore_ListLoans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateLoan(ctx, newLoan("alice", 900, models.LoanStatusApproved, base)))
	require.NoError(t, s.CreateLoan(ctx, newLoan("alice", 100, models.LoanStatusPending, base.Add(time.Hour))))
	require.NoError(t, s.CreateLoan(ctx, newLoan("bob", 5000, models.LoanStatusLate, base.Add(2*time.Hour))))
	require.NoError(t, s.CreateLoan(ctx, newLoan("carol", 20, models.LoanStatusApproved, base.Add(3*time.Hour))))

	all, err := s.ListLoans(ctx, LoanQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "alice", all[0].BorrowerID)

	alice, err := s.ListLoans(ctx, LoanQuery{Filter: LoanFilter{BorrowerID: "alice"}})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	approved, err := s.ListLoans(ctx, LoanQuery{
		Filter: LoanFilter{Statuses: []models.LoanStatus{models.LoanStatusApproved, models.LoanStatusLate}},
		SortBy: SortByPrincipal, Descending: true,
	})
	require.NoError(t, err)
	require.Len(t, approved, 3)
	assert.True(t, decimal.NewFromInt(5000).Equal(approved[0].Principal))
	assert.True(t, decimal.NewFromInt(900).Equal(approved[1].Principal))
	assert.True(t, decimal.NewFromInt(20).Equal(approved[2].Principal))

	page2, err := s.ListLoans(ctx, LoanQuery{SortBy: SortByCreatedAt, Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "carol", page2[0].BorrowerID)

	open, err := s.ListOpenLoans(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 4)
}

func TestSQLiteStore_DeleteLoan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := newLoan("cust", 100, models.LoanStatusApproved, time.Now().UTC())
	require.NoError(t, s.CreateLoan(ctx, loan))
	loan.AmountPaid = decimal.NewFromInt(10)
	loan.Status = models.LoanStatusPartiallyPaid
	require.NoError(t, s.RecordPayment(ctx, loan, &models.Payment{
		ID: uuid.New(), LoanID: loan.ID, Amount: decimal.NewFromInt(10), Method: models.PaymentMethodOther,
		TransactionNumber: "TX-D", Status: models.PaymentStatusPartiallyApplied, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteLoan(ctx, loan.ID))

	_, err := s.GetLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)

	assert.ErrorIs(t, s.DeleteLoan(ctx, loan.ID), models.ErrNotFound)
}

func TestSQLiteStore_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewSQLiteStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	loan := newLoan("cust", 100, models.LoanStatusPending, time.Now().UTC())
	require.NoError(t, s.CreateLoan(context.Background(), loan))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetLoan(context.Background(), loan.ID)
	assert.NoError(t, err)
}

func TestSQLiteStore_FreshSchemaHasEveryLoanColumn(t *testing.T) {
	s := newTestStore(t)

	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('loans')`)
	require.NoError(t, err)
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		columns = append(columns, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{
		"id", "borrower_id", "principal", "rate", "term_months", "total_owed", "amount_paid",
		"guarantees_offered", "status", "version", "created_at", "updated_at",
	}, columns)
}

func TestSQLiteStore_ListPayments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	first := newLoan("ana", 1000, models.LoanStatusApproved, base)
	second := newLoan("rui", 500, models.LoanStatusApproved, base)
	require.NoError(t, s.CreateLoan(ctx, first))
	require.NoError(t, s.CreateLoan(ctx, second))

	pay := func(loan *models.Loan, n int, amount int64, method models.PaymentMethod, status models.PaymentStatus) {
		t.Helper()
		loan.AmountPaid = loan.AmountPaid.Add(decimal.NewFromInt(amount))
		p := &models.Payment{
			ID:                uuid.New(),
			LoanID:            loan.ID,
			Amount:            decimal.NewFromInt(amount),
			Method:            method,
			TransactionNumber: "TX-" + loan.BorrowerID + "-" + string(rune('0'+n)),
			Status:            status,
			CreatedAt:         base.Add(time.Duration(n) * time.Hour),
		}
		require.NoError(t, s.RecordPayment(ctx, loan, p))
	}
	pay(first, 1, 200, models.PaymentMethodCash, models.PaymentStatusPartiallyApplied)
	pay(second, 2, 650, models.PaymentMethodBankTransfer, models.PaymentStatusApproved)
	pay(first, 3, 50, models.PaymentMethodCash, models.PaymentStatusPartiallyApplied)

	all, err := s.ListPayments(ctx, PaymentQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "TX-ana-1", all[0].TransactionNumber)
	assert.Equal(t, "TX-ana-3", all[2].TransactionNumber)

	byLoan, err := s.ListPayments(ctx, PaymentQuery{Filter: PaymentFilter{LoanID: first.ID}})
	require.NoError(t, err)
	assert.Len(t, byLoan, 2)

	settled, err := s.ListPayments(ctx, PaymentQuery{Filter: PaymentFilter{
		Methods:  []models.PaymentMethod{models.PaymentMethodBankTransfer},
		Statuses: []models.PaymentStatus{models.PaymentStatusApproved},
	}})
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, second.ID, settled[0].LoanID)

	largest, err := s.ListPayments(ctx, PaymentQuery{SortBy: PaymentSortByAmount, Descending: true, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, largest, 2)
	assert.True(t, decimal.NewFromInt(650).Equal(largest[0].Amount))
	assert.True(t, decimal.NewFromInt(200).Equal(largest[1].Amount))

	lastPage, err := s.ListPayments(ctx, PaymentQuery{SortBy: PaymentSortByAmount, Descending: true, Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, lastPage, 1)
	assert.True(t, decimal.NewFromInt(50).Equal(lastPage[0].Amount))
}
