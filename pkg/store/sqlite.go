package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/microcredit/pkg/models"
	"go.uber.org/zap"
)

const loanColumns = `id, borrower_id, principal, rate, term_months, total_owed, amount_paid, guarantees_offered, status, version, created_at, updated_at`

const paymentColumns = `id, loan_id, amount, method, transaction_number, status, created_at`

var sortColumns = map[SortField]string{
	SortByCreatedAt: "created_at",
	SortByPrincipal: "CAST(principal AS REAL)",
	SortByTotalOwed: "CAST(total_owed AS REAL)",
	SortByRate:      "CAST(rate AS REAL)",
	SortByStatus:    "status",
}

var paymentSortColumns = map[PaymentSortField]string{
	PaymentSortByCreatedAt: "created_at",
	PaymentSortByAmount:    "CAST(amount AS REAL)",
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database file and initializes the schema.
func NewSQLiteStore(dataSourceName string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := dataSourceName
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection keeps
	// transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := newSQLiteStore(db, logger)
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	logger.Info("database connection established", zap.String("path", dataSourceName))
	return s, nil
}

func newSQLiteStore(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

// initSchema creates the tables if they don't already exist. Decimal fields
// are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		borrower_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		total_owed TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		guarantees_offered TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans(borrower_id);
	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		transaction_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		settlement INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
	CREATE INDEX IF NOT EXISTS idx_payments_created ON payments(created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_one_settlement ON payments(loan_id) WHERE settlement = 1;
	`
	_, err := s.db.Exec(schema)
	return err
}

// isSettlementConflict reports a violation of the one-settlement-per-loan index.
func isSettlementConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqliteErr.Error(), "payments.loan_id")
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	if loan.Version == 0 {
		loan.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.BorrowerID, loan.Principal, loan.Rate, loan.TermMonths, loan.TotalOwed,
		loan.AmountPaid, loan.Guarantees, string(loan.Status), loan.Version, loan.CreatedAt.UTC(), loan.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan writes every mutable column, guarded by the loan version.
func (s *SQLiteStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	if err := s.updateLoan(ctx, s.db, loan); err != nil {
		return err
	}
	loan.Version++
	return nil
}

func (s *SQLiteStore) updateLoan(ctx context.Context, ex execer, loan *models.Loan) error {
	result, err := ex.ExecContext(ctx,
		`UPDATE loans SET principal = ?, rate = ?, term_months = ?, total_owed = ?, amount_paid = ?, guarantees_offered = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		loan.Principal, loan.Rate, loan.TermMonths, loan.TotalOwed, loan.AmountPaid, loan.Guarantees,
		string(loan.Status), loan.UpdatedAt.UTC(), loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.classifyMissedUpdate(ctx, ex, loan)
	}
	return nil
}

// classifyMissedUpdate tells a deleted loan apart from a stale version.
func (s *SQLiteStore) classifyMissedUpdate(ctx context.Context, ex execer, loan *models.Loan) error {
	var current int
	err := ex.QueryRowContext(ctx, `SELECT version FROM loans WHERE id = ?`, loan.ID.String()).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("loan %s: %w", loan.ID, models.ErrNotFound)
	case err != nil:
		return fmt.Errorf("failed to read loan version: %w", err)
	}
	s.logger.Debug("stale loan version",
		zap.String("loan_id", loan.ID.String()),
		zap.Int("expected", loan.Version),
		zap.Int("current", current),
	)
	return fmt.Errorf("loan %s at version %d (have %d): %w", loan.ID, current, loan.Version, models.ErrConcurrencyConflict)
}

// DeleteLoan removes a loan and its payments from the database within a transaction.
func (s *SQLiteStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated payments: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s: %w", id, models.ErrNotFound)
	}

	return tx.Commit()
}

// ListLoans returns one page of loans matching q.
func (s *SQLiteStore) ListLoans(ctx context.Context, q LoanQuery) ([]*models.Loan, error) {
	query, args := buildListQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

func buildListQuery(q LoanQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.Filter.BorrowerID != "" {
		where = append(where, "borrower_id = ?")
		args = append(args, q.Filter.BorrowerID)
	}
	if len(q.Filter.Statuses) > 0 {
		where = append(where, inClause("status", len(q.Filter.Statuses)))
		for _, st := range q.Filter.Statuses {
			args = append(args, string(st))
		}
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + loanColumns + ` FROM loans`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	col, ok := sortColumns[q.SortBy]
	if !ok {
		col = sortColumns[SortByCreatedAt]
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id ASC", col, dir)

	limit, offset := pageBounds(q.Page, q.PageSize)
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	return b.String(), args
}

func buildPaymentQuery(q PaymentQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.Filter.LoanID != uuid.Nil {
		where = append(where, "loan_id = ?")
		args = append(args, q.Filter.LoanID.String())
	}
	if len(q.Filter.Methods) > 0 {
		where = append(where, inClause("method", len(q.Filter.Methods)))
		for _, m := range q.Filter.Methods {
			args = append(args, string(m))
		}
	}
	if len(q.Filter.Statuses) > 0 {
		where = append(where, inClause("status", len(q.Filter.Statuses)))
		for _, st := range q.Filter.Statuses {
			args = append(args, string(st))
		}
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + paymentColumns + ` FROM payments`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	col, ok := paymentSortColumns[q.SortBy]
	if !ok {
		col = paymentSortColumns[PaymentSortByCreatedAt]
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, rowid %s", col, dir, dir)

	limit, offset := pageBounds(q.Page, q.PageSize)
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	return b.String(), args
}

func inClause(column string, n int) string {
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

// pageBounds clamps a 1-based page and its size to LIMIT and OFFSET values.
func pageBounds(page, size int) (limit, offset int) {
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}

// ListOpenLoans retrieves loans in Approved or PartiallyPaid status.
func (s *SQLiteStore) ListOpenLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE status IN (?, ?)`,
		string(models.LoanStatusApproved), string(models.LoanStatusPartiallyPaid),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get open loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// Snapshot reads the whole loan book inside one transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context) ([]models.Loan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans`)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer rows.Close()

	loans, err := scanLoans(rows)
	if err != nil {
		return nil, err
	}
	out := make([]models.Loan, len(loans))
	for i, l := range loans {
		out[i] = *l
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var (
		loan    models.Loan
		status  string
		created time.Time
		updated time.Time
	)
	err := row.Scan(&loan.ID, &loan.BorrowerID, &loan.Principal, &loan.Rate, &loan.TermMonths, &loan.TotalOwed,
		&loan.AmountPaid, &loan.Guarantees, &status, &loan.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	loan.Status = models.LoanStatus(status)
	loan.CreatedAt = created.UTC()
	loan.UpdatedAt = updated.UTC()
	return &loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// RecordPayment appends the payment and updates the loan atomically.
func (s *SQLiteStore) RecordPayment(ctx context.Context, loan *models.Loan, payment *models.Payment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.updateLoan(ctx, tx, loan); err != nil {
		return err
	}

	settlement := 0
	if payment.Settles() {
		settlement = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`, settlement) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID.String(), payment.LoanID.String(), payment.Amount, string(payment.Method),
		payment.TransactionNumber, string(payment.Status), payment.CreatedAt.UTC(), settlement,
	)
	if err != nil {
		if isSettlementConflict(err) {
			return fmt.Errorf("loan %s: %w", loan.ID, models.ErrDuplicatePayment)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment: %w", err)
	}
	loan.Version++
	return nil
}

// GetPaymentsForLoan retrieves all payments for a loan, oldest first.
func (s *SQLiteStore) GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY created_at ASC, rowid ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// ListPayments returns one page of payments matching q across every loan.
func (s *SQLiteStore) ListPayments(ctx context.Context, q PaymentQuery) ([]*models.Payment, error) {
	query, args := buildPaymentQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]*models.Payment, error) {
	var payments []*models.Payment
	for rows.Next() {
		var (
			p       models.Payment
			method  string
			status  string
			created time.Time
		)
		if err := rows.Scan(&p.ID, &p.LoanID, &p.Amount, &method, &p.TransactionNumber, &status, &created); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.Method = models.PaymentMethod(method)
		p.Status = models.PaymentStatus(status)
		p.CreatedAt = created.UTC()
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
