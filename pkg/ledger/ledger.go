package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microcredit/pkg/events"
	"github.com/mcclellann/microcredit/pkg/lifecycle"
	"github.com/mcclellann/microcredit/pkg/metrics"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/money"
	"github.com/mcclellann/microcredit/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultMaxConflictRetries = 3
	defaultPublishTimeout     = 5 * time.Second
)

// ReportCache keeps computed reports between mutations. A nil cache disables
// caching. Set must drop the report when Invalidate ran after the generation
// it was computed under.
type ReportCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, name string, dest any) (bool, error)
	Set(ctx context.Context, generation int64, name string, report any) (bool, error)
	Invalidate(ctx context.Context) error
}

// Ledger handles the business logic for loans and their payments.
type Ledger struct {
	storage     store.Storage
	logger      *zap.Logger
	now         func() time.Time
	cache       ReportCache
	publisher   events.Publisher
	defaultRate decimal.Decimal
	currency    string
	maxRetries  int
	pubTimeout  time.Duration
	locks       *loanLocks
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithReportCache caches report results until the next mutation.
func WithReportCache(c ReportCache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithPublisher sends lifecycle events to p after each committed change.
func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithDefaultRate sets the rate used when an application omits one.
func WithDefaultRate(rate decimal.Decimal) Option {
	return func(l *Ledger) { l.defaultRate = rate }
}

// WithCurrency sets the ISO code used when rendering amounts in events.
func WithCurrency(code string) Option {
	return func(l *Ledger) { l.currency = code }
}

// WithMaxConflictRetries bounds how often an operation reruns after losing
// a version race.
func WithMaxConflictRetries(n int) Option {
	return func(l *Ledger) { l.maxRetries = n }
}

// WithPublishTimeout bounds each event publish. A non-positive value keeps
// the default.
func WithPublishTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.pubTimeout = d
		}
	}
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		storage:     s,
		logger:      logger,
		now:         time.Now,
		publisher:   events.NopPublisher{},
		defaultRate: models.DefaultRate,
		currency:    "MZN",
		maxRetries:  defaultMaxConflictRetries,
		pubTimeout:  defaultPublishTimeout,
		locks:       newLoanLocks(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoanApplication is the input for CreateLoan. A nil Rate means the
// configured default rate.
type LoanApplication struct {
	BorrowerID string           `json:"borrower_id" validate:"required"`
	Principal  decimal.Decimal  `json:"principal" validate:"money"`
	TermMonths int              `json:"term_months" validate:"gte=1,lte=12"`
	Rate       *decimal.Decimal `json:"rate,omitempty" validate:"omitempty,rate"`
	Guarantees string           `json:"guarantees_offered,omitempty" validate:"omitempty,min=10,max=40"`
}

// TermsUpdate changes the terms of a pending loan. Nil fields are kept and
// an empty guarantee clears it.
type TermsUpdate struct {
	Principal  *decimal.Decimal `json:"principal,omitempty" validate:"omitempty,money"`
	Rate       *decimal.Decimal `json:"rate,omitempty" validate:"omitempty,rate"`
	TermMonths *int             `json:"term_months,omitempty" validate:"omitempty,gte=1,lte=12"`
	Guarantees *string          `json:"guarantees_offered,omitempty" validate:"omitempty,min=10,max=40"`
}

type paymentRequest struct {
	Amount decimal.Decimal      `json:"amount" validate:"money"`
	Method models.PaymentMethod `json:"method" validate:"payment_method"`
}

// CreateLoan originates a Pending loan with its total obligation computed.
func (l *Ledger) CreateLoan(ctx context.Context, app LoanApplication) (*models.Loan, error) {
	app.BorrowerID = strings.TrimSpace(app.BorrowerID)
	app.Guarantees = strings.TrimSpace(app.Guarantees)
	if err := models.Validate(app); err != nil {
		return nil, l.fail("create_loan", err)
	}
	rate := l.defaultRate
	if app.Rate != nil {
		rate = *app.Rate
	}

	now := l.now().UTC()
	loan := &models.Loan{
		ID:         uuid.New(),
		BorrowerID: app.BorrowerID,
		Principal:  app.Principal,
		Rate:       rate,
		TermMonths: app.TermMonths,
		AmountPaid: decimal.Zero,
		Guarantees: app.Guarantees,
		Status:     models.LoanStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	loan.RecomputeTotal()

	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, l.fail("create_loan", fmt.Errorf("failed to store loan: %w", err))
	}

	metrics.LoansCreated.Inc()
	l.logger.Info("loan created",
		zap.String("loan_id", loan.ID.String()),
		zap.String("borrower_id", loan.BorrowerID),
		zap.String("principal", loan.Principal.StringFixed(2)),
		zap.String("total_owed", loan.TotalOwed.StringFixed(2)),
	)
	l.afterCommit(ctx, events.ForLoan(events.LoanCreated, loan, now))
	return loan, nil
}

// ApproveLoan moves a pending loan to Approved so it can take payments.
func (l *Ledger) ApproveLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, "approve_loan", id, lifecycle.Approve(), events.LoanApproved)
}

// RejectLoan declines a pending loan.
func (l *Ledger) RejectLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, "reject_loan", id, lifecycle.Reject(), events.LoanRejected)
}

// CancelLoan withdraws a pending loan. It is an administrative action.
func (l *Ledger) CancelLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.transition(ctx, "cancel_loan", id, lifecycle.Cancel(), events.LoanCanceled)
}

func (l *Ledger) transition(ctx context.Context, op string, id uuid.UUID, ev lifecycle.Event, evType events.Type) (*models.Loan, error) {
	var (
		loan *models.Loan
		from models.LoanStatus
	)
	now := l.now().UTC()
	unlock := l.locks.Lock(id)
	err := l.withRetry(ctx, op, id, func() error {
		current, err := l.storage.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		from = current.Status
		lifecycle.Refresh(current, now)

		next, err := lifecycle.Next(*current, ev)
		if err != nil {
			return fmt.Errorf("%w: %w", models.ErrIllegalLoanState, err)
		}
		current.Status = next
		current.UpdatedAt = now
		if err := l.storage.UpdateLoan(ctx, current); err != nil {
			return err
		}
		loan = current
		return nil
	})
	unlock()
	if err != nil {
		return nil, l.fail(op, err)
	}

	metrics.LoanTransitions.WithLabelValues(string(from), string(loan.Status)).Inc()
	l.logger.Info("loan status changed",
		zap.String("loan_id", id.String()),
		zap.String("event", string(ev.Kind)),
		zap.String("from", string(from)),
		zap.String("to", string(loan.Status)),
	)
	l.afterCommit(ctx, events.ForLoan(evType, loan, now))
	return loan, nil
}

// ApplyPayment records a repayment against an approved loan and moves the
// loan to PartiallyPaid or Paid. The payment row and the loan update are
// committed together.
func (l *Ledger) ApplyPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, method models.PaymentMethod) (*models.Payment, error) {
	if err := models.Validate(paymentRequest{Amount: amount, Method: method}); err != nil {
		return nil, l.fail("apply_payment", err)
	}

	var (
		loan    *models.Loan
		payment *models.Payment
		from    models.LoanStatus
	)
	now := l.now().UTC()
	unlock := l.locks.Lock(loanID)
	err := l.withRetry(ctx, "apply_payment", loanID, func() error {
		current, err := l.storage.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		from = current.Status
		lifecycle.Refresh(current, now)

		switch {
		case current.Status == models.LoanStatusPaid:
			return fmt.Errorf("%w: loan %s has no remaining balance", models.ErrDuplicatePayment, loanID)
		case current.Status == models.LoanStatusPending, current.Status.IsTerminal():
			return fmt.Errorf("%w: cannot apply a payment to a %s loan", models.ErrIllegalLoanState, current.Status)
		}
		remaining := current.Remaining()
		if amount.GreaterThan(remaining) {
			return fmt.Errorf("%w: amount %s, remaining %s",
				models.ErrPaymentExceedsBalance, amount.StringFixed(2), remaining.StringFixed(2))
		}

		next, err := lifecycle.Next(*current, lifecycle.Payment(amount))
		if err != nil {
			return err
		}
		current.AmountPaid = current.AmountPaid.Add(amount)
		current.Status = next
		current.UpdatedAt = now
		// A partial payment does not cure an overdue loan.
		lifecycle.Refresh(current, now)

		p := &models.Payment{
			ID:                uuid.New(),
			LoanID:            loanID,
			Amount:            amount,
			Method:            method,
			TransactionNumber: newTransactionNumber(now),
			Status:            models.PaymentStatusPartiallyApplied,
			CreatedAt:         now,
		}
		if next == models.LoanStatusPaid {
			p.Status = models.PaymentStatusApproved
		}
		if err := l.storage.RecordPayment(ctx, current, p); err != nil {
			return err
		}
		loan, payment = current, p
		return nil
	})
	unlock()
	if err != nil {
		return nil, l.fail("apply_payment", err)
	}

	metrics.PaymentsApplied.WithLabelValues(string(payment.Method), string(payment.Status)).Inc()
	metrics.PaymentAmount.Observe(payment.Amount.InexactFloat64())
	if from != loan.Status {
		metrics.LoanTransitions.WithLabelValues(string(from), string(loan.Status)).Inc()
	}
	l.logger.Info("payment applied",
		zap.String("loan_id", loanID.String()),
		zap.String("transaction_number", payment.TransactionNumber),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.String("remaining", loan.Remaining().StringFixed(2)),
		zap.String("status", string(loan.Status)),
	)

	applied := events.ForLoan(events.PaymentApplied, loan, now)
	applied.Amount = &payment.Amount
	applied.AmountDisplay = money.Format(payment.Amount, l.currency)
	applied.TransactionNumber = payment.TransactionNumber
	batch := []events.Event{applied}
	switch {
	case loan.Status == models.LoanStatusPaid:
		batch = append(batch, events.ForLoan(events.LoanPaid, loan, now))
	case loan.Status == models.LoanStatusLate && from != models.LoanStatusLate:
		batch = append(batch, events.ForLoan(events.LoanLate, loan, now))
	}
	l.afterCommit(ctx, batch...)
	return payment, nil
}

// UpdateLoanTerms edits a loan that has not been decided yet and recomputes
// its total obligation.
func (l *Ledger) UpdateLoanTerms(ctx context.Context, id uuid.UUID, upd TermsUpdate) (*models.Loan, error) {
	if upd.Guarantees != nil {
		trimmed := strings.TrimSpace(*upd.Guarantees)
		upd.Guarantees = &trimmed
	}
	check := upd
	if check.Guarantees != nil && *check.Guarantees == "" {
		// Clearing needs no length check.
		check.Guarantees = nil
	}
	if err := models.Validate(check); err != nil {
		return nil, l.fail("update_loan_terms", err)
	}

	var loan *models.Loan
	unlock := l.locks.Lock(id)
	err := l.withRetry(ctx, "update_loan_terms", id, func() error {
		current, err := l.storage.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != models.LoanStatusPending {
			return fmt.Errorf("%w: terms of a %s loan are frozen", models.ErrIllegalLoanState, current.Status)
		}
		if upd.Principal != nil {
			current.Principal = *upd.Principal
		}
		if upd.Rate != nil {
			current.Rate = *upd.Rate
		}
		if upd.TermMonths != nil {
			current.TermMonths = *upd.TermMonths
		}
		if upd.Guarantees != nil {
			current.Guarantees = *upd.Guarantees
		}
		current.RecomputeTotal()
		current.UpdatedAt = l.now().UTC()
		if err := l.storage.UpdateLoan(ctx, current); err != nil {
			return err
		}
		loan = current
		return nil
	})
	unlock()
	if err != nil {
		return nil, l.fail("update_loan_terms", err)
	}

	l.logger.Info("loan terms updated",
		zap.String("loan_id", id.String()),
		zap.String("total_owed", loan.TotalOwed.StringFixed(2)),
	)
	l.afterCommit(ctx)
	return loan, nil
}

// DeleteLoan removes a loan and its payments. It is an administrative action.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	unlock := l.locks.Lock(id)
	err := l.storage.DeleteLoan(ctx, id)
	unlock()
	if err != nil {
		return l.fail("delete_loan", err)
	}
	l.logger.Warn("loan deleted", zap.String("loan_id", id.String()))
	l.afterCommit(ctx)
	return nil
}

// GetLoan retrieves a loan by its ID with lateness evaluated as of now.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, l.fail("get_loan", err)
	}
	lifecycle.Refresh(loan, l.now().UTC())
	return loan, nil
}

// ListLoans returns one page of loans. Filtering or sorting on status first
// persists any pending Late transitions so the store sees current statuses.
func (l *Ledger) ListLoans(ctx context.Context, q store.LoanQuery) ([]*models.Loan, error) {
	if len(q.Filter.Statuses) > 0 || q.SortBy == store.SortByStatus {
		if _, err := l.RefreshDelinquency(ctx); err != nil {
			return nil, l.fail("list_loans", err)
		}
	}
	loans, err := l.storage.ListLoans(ctx, q)
	if err != nil {
		return nil, l.fail("list_loans", err)
	}
	now := l.now().UTC()
	for _, loan := range loans {
		lifecycle.Refresh(loan, now)
	}
	return loans, nil
}

// ListPayments returns the ledger entries of a loan, oldest first.
func (l *Ledger) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, l.fail("list_payments", err)
	}
	payments, err := l.storage.GetPaymentsForLoan(ctx, loanID)
	if err != nil {
		return nil, l.fail("list_payments", err)
	}
	return payments, nil
}

// SearchPayments lists payments across the portfolio. Filtering on a loan
// that does not exist is ErrNotFound.
func (l *Ledger) SearchPayments(ctx context.Context, q store.PaymentQuery) ([]*models.Payment, error) {
	if q.Filter.LoanID != uuid.Nil {
		if _, err := l.storage.GetLoan(ctx, q.Filter.LoanID); err != nil {
			return nil, l.fail("search_payments", err)
		}
	}
	payments, err := l.storage.ListPayments(ctx, q)
	if err != nil {
		return nil, l.fail("search_payments", err)
	}
	return payments, nil
}

// RefreshDelinquency persists Late for every open loan past its term and
// returns how many loans changed. Failures on single loans are logged and
// the sweep continues.
func (l *Ledger) RefreshDelinquency(ctx context.Context) (int, error) {
	open, err := l.storage.ListOpenLoans(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open loans: %w", err)
	}

	now := l.now().UTC()
	var (
		marked int
		errs   []error
	)
	for _, candidate := range open {
		if !lifecycle.Overdue(*candidate, now) {
			continue
		}
		changed, err := l.markLate(ctx, candidate.ID, now)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			l.logger.Error("failed to mark loan late", zap.String("loan_id", candidate.ID.String()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if changed {
			marked++
		}
	}
	if marked > 0 {
		l.logger.Info("delinquency sweep complete", zap.Int("marked_late", marked), zap.Int("open_loans", len(open)))
	}
	return marked, errors.Join(errs...)
}

func (l *Ledger) markLate(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var (
		loan *models.Loan
		from models.LoanStatus
	)
	unlock := l.locks.Lock(id)
	err := l.withRetry(ctx, "mark_late", id, func() error {
		current, err := l.storage.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		from = current.Status
		if !lifecycle.Refresh(current, now) {
			return nil
		}
		current.UpdatedAt = now
		if err := l.storage.UpdateLoan(ctx, current); err != nil {
			return err
		}
		loan = current
		return nil
	})
	unlock()
	if err != nil || loan == nil {
		return false, err
	}

	metrics.LoanTransitions.WithLabelValues(string(from), string(loan.Status)).Inc()
	l.afterCommit(ctx, events.ForLoan(events.LoanLate, loan, now))
	return true, nil
}

// withRetry reruns fn while it loses optimistic-lock races, up to the
// configured number of retries.
func (l *Ledger) withRetry(ctx context.Context, op string, id uuid.UUID, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, models.ErrConcurrencyConflict) || attempt >= l.maxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
		metrics.ConflictRetries.Inc()
		l.logger.Warn("version conflict, retrying",
			zap.String("operation", op),
			zap.String("loan_id", id.String()),
			zap.Int("attempt", attempt+1),
		)
	}
}

// afterCommit invalidates cached reports and publishes events. Neither can
// fail the operation that already committed. Callers must have released the
// loan lock. Both steps are bounded by the publish timeout and survive a
// canceled request.
func (l *Ledger) afterCommit(ctx context.Context, evts ...events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.pubTimeout)
	defer cancel()

	if l.cache != nil {
		if err := l.cache.Invalidate(ctx); err != nil {
			l.logger.Warn("failed to invalidate report cache", zap.Error(err))
		}
	}
	if len(evts) == 0 {
		return
	}
	if err := l.publisher.Publish(ctx, evts...); err != nil {
		l.logger.Error("failed to publish loan events",
			zap.String("loan_id", evts[0].LoanID.String()),
			zap.Int("count", len(evts)),
			zap.Error(err),
		)
	}
}

func (l *Ledger) fail(op string, err error) error {
	metrics.OperationFailures.WithLabelValues(op, errorKind(err)).Inc()
	if errorKind(err) == "internal" {
		l.logger.Error("ledger operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

// errorKind labels err by the first matching error kind.
func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrIllegalLoanState):
		return "illegal_state"
	case errors.Is(err, models.ErrPaymentExceedsBalance):
		return "exceeds_balance"
	case errors.Is(err, models.ErrInvalidStateTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrDuplicatePayment):
		return "duplicate_payment"
	case errors.Is(err, models.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// newTransactionNumber returns a receipt reference such as
// TX20250131-9F86D081884C.
func newTransactionNumber(at time.Time) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TX" + at.Format("20060102") + "-" + strings.ToUpper(raw[:12])
}
