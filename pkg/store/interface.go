package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/microcredit/pkg/models"
)

// SortField names a loan column that listings may be ordered by.
type SortField string

const (
	SortByCreatedAt SortField = "created_at"
	SortByPrincipal SortField = "principal"
	SortByTotalOwed SortField = "total_owed"
	SortByRate      SortField = "rate"
	SortByStatus    SortField = "status"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// LoanFilter narrows a listing. Zero values match everything.
type LoanFilter struct {
	BorrowerID string
	Statuses   []models.LoanStatus
}

// LoanQuery is a filtered, sorted, paginated listing request. Page is 1-based.
type LoanQuery struct {
	Filter     LoanFilter
	SortBy     SortField
	Descending bool
	Page       int
	PageSize   int
}

// PaymentSortField names a payment column that listings may be ordered by.
type PaymentSortField string

const (
	PaymentSortByCreatedAt PaymentSortField = "created_at"
	PaymentSortByAmount    PaymentSortField = "amount"
)

// PaymentFilter narrows a payment listing. Zero values match everything.
type PaymentFilter struct {
	LoanID   uuid.UUID
	Methods  []models.PaymentMethod
	Statuses []models.PaymentStatus
}

// PaymentQuery is a portfolio-wide payment listing request. Page is 1-based.
type PaymentQuery struct {
	Filter     PaymentFilter
	SortBy     PaymentSortField
	Descending bool
	Page       int
	PageSize   int
}

// Storage defines the persistence operations for loans and their payments.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	// UpdateLoan persists loan if its Version still matches the stored one
	// and bumps loan.Version on success.
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	ListLoans(ctx context.Context, q LoanQuery) ([]*models.Loan, error)
	// ListOpenLoans returns loans that are still being repaid.
	ListOpenLoans(ctx context.Context) ([]*models.Loan, error)
	// Snapshot reads every loan inside a single transaction.
	Snapshot(ctx context.Context) ([]models.Loan, error)

	// RecordPayment inserts payment and persists loan in one transaction,
	// with the same version check as UpdateLoan.
	RecordPayment(ctx context.Context, loan *models.Loan, payment *models.Payment) error
	GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)
	// ListPayments returns one page of payments across all loans.
	ListPayments(ctx context.Context, q PaymentQuery) ([]*models.Payment, error)

	Close() error
}
