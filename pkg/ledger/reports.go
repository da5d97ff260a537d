package ledger

import (
	"context"
	"fmt"

	"github.com/mcclellann/microcredit/pkg/lifecycle"
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/portfolio"
	"go.uber.org/zap"
)

// Report names, also used as cache keys.
const (
	ReportPerformance   = "performance"
	ReportDistribution  = "distribution"
	ReportDelinquency   = "delinquency"
	ReportProfitability = "profitability"
)

// PortfolioPerformance aggregates the loans currently being repaid.
func (l *Ledger) PortfolioPerformance(ctx context.Context) (portfolio.Performance, error) {
	return cachedReport(ctx, l, ReportPerformance, portfolio.ComputePerformance)
}

// PortfolioDistribution groups every loan by status.
func (l *Ledger) PortfolioDistribution(ctx context.Context) (portfolio.Distribution, error) {
	return cachedReport(ctx, l, ReportDistribution, portfolio.ComputeDistribution)
}

// DelinquencyRate reports the share of late loans by count and principal.
// An empty portfolio yields zero rates.
func (l *Ledger) DelinquencyRate(ctx context.Context) (portfolio.Delinquency, error) {
	return cachedReport(ctx, l, ReportDelinquency, portfolio.ComputeDelinquency)
}

// PortfolioProfitability reports the interest earned across the portfolio.
func (l *Ledger) PortfolioProfitability(ctx context.Context) (portfolio.Profitability, error) {
	return cachedReport(ctx, l, ReportProfitability, portfolio.ComputeProfitability)
}

// cachedReport serves name from the cache or computes it from a fresh
// snapshot. The cache generation is read before the snapshot so a report
// that raced a mutation is not stored.
func cachedReport[T any](ctx context.Context, l *Ledger, name string, compute func([]models.Loan) T) (T, error) {
	var (
		report     T
		generation int64
	)
	useCache := l.cache != nil
	if useCache {
		var err error
		if generation, err = l.cache.Generation(ctx); err != nil {
			l.logger.Warn("report cache unavailable", zap.String("report", name), zap.Error(err))
			useCache = false
		}
	}
	if useCache {
		hit, err := l.cache.Get(ctx, name, &report)
		switch {
		case err != nil:
			l.logger.Warn("report cache read failed", zap.String("report", name), zap.Error(err))
		case hit:
			return report, nil
		}
	}

	loans, err := l.snapshot(ctx)
	if err != nil {
		return report, l.fail("report_"+name, err)
	}
	report = compute(loans)

	if useCache {
		stored, err := l.cache.Set(ctx, generation, name, report)
		switch {
		case err != nil:
			l.logger.Warn("report cache write failed", zap.String("report", name), zap.Error(err))
		case !stored:
			l.logger.Debug("portfolio changed while computing report, not caching", zap.String("report", name))
		}
	}
	return report, nil
}

// snapshot reads every loan consistently and evaluates lateness as of now.
func (l *Ledger) snapshot(ctx context.Context) ([]models.Loan, error) {
	loans, err := l.storage.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read portfolio snapshot: %w", err)
	}
	now := l.now().UTC()
	for i := range loans {
		lifecycle.Refresh(&loans[i], now)
	}
	return loans, nil
}
