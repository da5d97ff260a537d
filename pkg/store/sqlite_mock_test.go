package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLiteStore(db, zap.NewNop()), mock
}

func TestRecordPayment_RollsBackOnVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	loan := newLoan("cust", 100, models.LoanStatusPaid, time.Now().UTC())
	loan.Version = 3

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE loans SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM loans").
		WithArgs(loan.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectRollback()

	err := s.RecordPayment(context.Background(), loan, &models.Payment{
		ID: uuid.New(), LoanID: loan.ID, Amount: decimal.NewFromInt(130), Status: models.PaymentStatusApproved,
	})

	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.Equal(t, 3, loan.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPayment_InsertFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	loan := newLoan("cust", 100, models.LoanStatusPartiallyPaid, time.Now().UTC())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE loans SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payments").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.RecordPayment(context.Background(), loan, &models.Payment{
		ID: uuid.New(), LoanID: loan.ID, Amount: decimal.NewFromInt(10), Status: models.PaymentStatusPartiallyApplied,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create payment")
	assert.Equal(t, 0, loan.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLoan_MissingRowIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	loan := newLoan("cust", 100, models.LoanStatusApproved, time.Now().UTC())

	mock.ExpectExec("UPDATE loans SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM loans").WillReturnRows(sqlmock.NewRows([]string{"version"}))

	err := s.UpdateLoan(context.Background(), loan)

	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLoan_ScansRow(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "borrower_id", "principal", "rate", "term_months", "total_owed", "amount_paid",
		"guarantees_offered", "status", "version", "created_at", "updated_at",
	}).AddRow(id.String(), "cust", "500", "20", 1, "600", "300", "", "PartiallyPaid", 4, created, created)
	mock.ExpectQuery("SELECT (.+) FROM loans WHERE id = ?").WithArgs(id.String()).WillReturnRows(rows)

	loan, err := s.GetLoan(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, loan.ID)
	assert.Equal(t, models.LoanStatusPartiallyPaid, loan.Status)
	assert.True(t, decimal.NewFromInt(300).Equal(loan.Remaining()))
	assert.Equal(t, 4, loan.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLoan_DriverError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM loans").WillReturnError(errors.New("connection reset"))

	_, err := s.GetLoan(context.Background(), uuid.New())

	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrNotFound)
}

func TestBuildListQuery(t *testing.T) {
	query, args := buildListQuery(LoanQuery{
		Filter:     LoanFilter{BorrowerID: "alice", Statuses: []models.LoanStatus{models.LoanStatusLate}},
		SortBy:     "principal; DROP TABLE loans",
		Descending: true,
		Page:       3,
		PageSize:   500,
	})

	assert.Contains(t, query, "WHERE borrower_id = ? AND status IN (?)")
	assert.Contains(t, query, "ORDER BY created_at DESC")
	assert.NotContains(t, query, "DROP")
	assert.Equal(t, []any{"alice", "Late", MaxPageSize, 2 * MaxPageSize}, args)
}

func TestInitSchema_CreatesTablesInOneStatement(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS loans \((?s).*guarantees_offered TEXT.*version INTEGER.*\).*CREATE TABLE IF NOT EXISTS payments`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.initSchema())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildPaymentQuery(t *testing.T) {
	loanID := uuid.New()
	query, args := buildPaymentQuery(PaymentQuery{
		Filter: PaymentFilter{
			LoanID:   loanID,
			Methods:  []models.PaymentMethod{models.PaymentMethodCash, models.PaymentMethodOther},
			Statuses: []models.PaymentStatus{models.PaymentStatusApproved},
		},
		SortBy:     PaymentSortByAmount,
		Descending: true,
		Page:       2,
		PageSize:   10,
	})

	assert.Contains(t, query, "FROM payments WHERE loan_id = ? AND method IN (?, ?) AND status IN (?)")
	assert.Contains(t, query, "ORDER BY CAST(amount AS REAL) DESC, rowid DESC")
	assert.Equal(t, []any{loanID.String(), "Cash", "Other", "Approved", 10, 10}, args)

	query, args = buildPaymentQuery(PaymentQuery{SortBy: "amount; DROP TABLE payments"})
	assert.NotContains(t, query, "WHERE")
	assert.NotContains(t, query, "DROP")
	assert.Contains(t, query, "ORDER BY created_at ASC")
	assert.Equal(t, []any{DefaultPageSize, 0}, args)
}
