package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/microcredit/pkg/ledger"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Server exposes the ledger over HTTP.
type Server struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewServer returns a Server backed by l.
func NewServer(l *ledger.Ledger, logger *zap.Logger) *Server {
	return &Server{ledger: l, logger: logger}
}

// Routes builds the router with every endpoint registered.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/loans", s.listLoansHandler).Methods(http.MethodGet)
	router.HandleFunc("/loans", s.createLoanHandler).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods(http.MethodGet)
	router.HandleFunc("/loans/{id}", s.updateLoanHandler).Methods(http.MethodPatch)
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods(http.MethodDelete)
	router.HandleFunc("/loans/{id}/approve", s.commandHandler(s.ledger.ApproveLoan)).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id}/reject", s.commandHandler(s.ledger.RejectLoan)).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id}/cancel", s.commandHandler(s.ledger.CancelLoan)).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id}/payments", s.applyPaymentHandler).Methods(http.MethodPost)
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods(http.MethodGet)
	router.HandleFunc("/payments", s.searchPaymentsHandler).Methods(http.MethodGet)

	router.HandleFunc("/reports/performance", s.performanceHandler).Methods(http.MethodGet)
	router.HandleFunc("/reports/distribution", s.distributionHandler).Methods(http.MethodGet)
	router.HandleFunc("/reports/delinquency", s.delinquencyHandler).Methods(http.MethodGet)
	router.HandleFunc("/reports/profitability", s.profitabilityHandler).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.LoanApplication
	if !decodeBody(w, r, &req) {
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

type loanPage struct {
	Loans []*models.Loan `json:"loans"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	q, err := parseLoanQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	loans, err := s.ledger.ListLoans(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanPage{Loans: loans, Page: q.Page, Limit: q.PageSize})
}

func (s *Server) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}
	var req ledger.TermsUpdate
	if !decodeBody(w, r, &req) {
		return
	}

	loan, err := s.ledger.UpdateLoanTerms(r.Context(), loanID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loanCommand func(ctx context.Context, id uuid.UUID) (*models.Loan, error)

func (s *Server) commandHandler(cmd loanCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loanID, ok := parseLoanID(w, r)
		if !ok {
			return
		}

		loan, err := cmd(r.Context(), loanID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, loan)
	}
}

func (s *Server) applyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal      `json:"amount"`
		Method models.PaymentMethod `json:"method"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	payment, err := s.ledger.ApplyPayment(r.Context(), loanID, req.Amount, req.Method)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseLoanID(w, r)
	if !ok {
		return
	}

	payments, err := s.ledger.ListPayments(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

type paymentPage struct {
	Payments []*models.Payment `json:"payments"`
	Page     int               `json:"page"`
	Limit    int               `json:"limit"`
}

func (s *Server) searchPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	q, err := parsePaymentQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	payments, err := s.ledger.SearchPayments(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentPage{Payments: payments, Page: q.Page, Limit: q.PageSize})
}

func (s *Server) performanceHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.PortfolioPerformance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Rounded())
}

func (s *Server) distributionHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.PortfolioDistribution(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Rounded())
}

func (s *Server) delinquencyHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.DelinquencyRate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Rounded())
}

func (s *Server) profitabilityHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.PortfolioProfitability(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Rounded())
}

// parseLoanQuery reads borrower, status (comma separated), sort, order, page
// and limit.
func parseLoanQuery(r *http.Request) (store.LoanQuery, error) {
	params := r.URL.Query()
	q := store.LoanQuery{
		Filter: store.LoanFilter{BorrowerID: strings.TrimSpace(params.Get("borrower"))},
		SortBy: store.SortByCreatedAt,
	}

	for _, part := range splitList(params.Get("status")) {
		status, err := models.ParseLoanStatus(part)
		if err != nil {
			return q, err
		}
		q.Filter.Statuses = append(q.Filter.Statuses, status)
	}

	if raw := params.Get("sort"); raw != "" {
		switch field := store.SortField(raw); field {
		case store.SortByCreatedAt, store.SortByPrincipal, store.SortByTotalOwed, store.SortByRate, store.SortByStatus:
			q.SortBy = field
		default:
			return q, &models.ValidationError{Field: "sort", Message: fmt.Sprintf("cannot sort by %q", raw)}
		}
	}

	var err error
	if q.Descending, err = parseOrder(params.Get("order")); err != nil {
		return q, err
	}
	q.Page, q.PageSize, err = parsePage(params)
	return q, err
}

// parsePaymentQuery reads loan, method and status (comma separated), sort,
// order, page and limit.
func parsePaymentQuery(r *http.Request) (store.PaymentQuery, error) {
	params := r.URL.Query()
	q := store.PaymentQuery{SortBy: store.PaymentSortByCreatedAt}

	if raw := params.Get("loan"); raw != "" {
		loanID, err := uuid.Parse(raw)
		if err != nil {
			return q, &models.ValidationError{Field: "loan", Message: "must be a loan id"}
		}
		q.Filter.LoanID = loanID
	}
	for _, part := range splitList(params.Get("method")) {
		method, err := models.ParsePaymentMethod(part)
		if err != nil {
			return q, err
		}
		q.Filter.Methods = append(q.Filter.Methods, method)
	}
	for _, part := range splitList(params.Get("status")) {
		status, err := models.ParsePaymentStatus(part)
		if err != nil {
			return q, err
		}
		q.Filter.Statuses = append(q.Filter.Statuses, status)
	}

	if raw := params.Get("sort"); raw != "" {
		switch field := store.PaymentSortField(raw); field {
		case store.PaymentSortByCreatedAt, store.PaymentSortByAmount:
			q.SortBy = field
		default:
			return q, &models.ValidationError{Field: "sort", Message: fmt.Sprintf("cannot sort by %q", raw)}
		}
	}

	var err error
	if q.Descending, err = parseOrder(params.Get("order")); err != nil {
		return q, err
	}
	q.Page, q.PageSize, err = parsePage(params)
	return q, err
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseOrder(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "", "asc":
		return false, nil
	case "desc":
		return true, nil
	default:
		return false, &models.ValidationError{Field: "order", Message: "must be asc or desc"}
	}
}

// parsePage reads page and limit, capping limit at store.MaxPageSize.
func parsePage(params url.Values) (page, limit int, err error) {
	if page, err = positiveInt(params.Get("page"), "page", 1); err != nil {
		return 0, 0, err
	}
	if limit, err = positiveInt(params.Get("limit"), "limit", store.DefaultPageSize); err != nil {
		return 0, 0, err
	}
	return page, min(limit, store.MaxPageSize), nil
}

func positiveInt(raw, field string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &models.ValidationError{Field: field, Message: "must be a positive integer"}
	}
	return n, nil
}

func parseLoanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid loan id"})
		return uuid.Nil, false
	}
	return loanID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps ledger error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrPaymentExceedsBalance):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrIllegalLoanState),
		errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrDuplicatePayment),
		errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
