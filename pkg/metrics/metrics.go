// Package metrics exposes Prometheus instruments for ledger operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoansCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microcredit_loans_created_total",
			Help: "Total number of loans originated",
		},
	)

	LoanTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcredit_loan_transitions_total",
			Help: "Loan status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	PaymentsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcredit_payments_applied_total",
			Help: "Payments applied, by method and resulting payment status",
		},
		[]string{"method", "status"},
	)

	PaymentAmount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microcredit_payment_amount",
			Help:    "Distribution of applied payment amounts",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		},
	)

	OperationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcredit_ledger_failures_total",
			Help: "Ledger operations that returned an error, by operation and error kind",
		},
		[]string{"operation", "kind"},
	)

	ConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microcredit_concurrency_retries_total",
			Help: "Optimistic-lock conflicts that were retried",
		},
	)
)
