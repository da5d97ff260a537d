// Package portfolio aggregates read-only financial figures over a snapshot of
// loans. Sums and averages are accumulated at full precision; call Rounded on
// a report to get the 2-decimal presentation form.
package portfolio

import (
	"github.com/mcclellann/microcredit/pkg/models"
	"github.com/mcclellann/microcredit/pkg/money"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Performance covers loans that are currently being repaid on schedule.
type Performance struct {
	Count          int             `json:"count"`
	TotalPrincipal decimal.Decimal `json:"total_principal"`
	AverageRate    decimal.Decimal `json:"average_rate"`
	TotalOwed      decimal.Decimal `json:"total_owed"`
	TotalInterest  decimal.Decimal `json:"total_interest"`
}

// StatusBucket is one row of the status distribution.
type StatusBucket struct {
	Status           models.LoanStatus `json:"status"`
	Count            int               `json:"count"`
	TotalPrincipal   decimal.Decimal   `json:"total_principal"`
	AveragePrincipal decimal.Decimal   `json:"average_principal"`
}

type Distribution struct {
	Buckets []StatusBucket `json:"buckets"`
}

type Delinquency struct {
	LateCount      int             `json:"late_count"`
	TotalCount     int             `json:"total_count"`
	CountRate      decimal.Decimal `json:"count_rate"`
	LatePrincipal  decimal.Decimal `json:"late_principal"`
	TotalPrincipal decimal.Decimal `json:"total_principal"`
	PrincipalRate  decimal.Decimal `json:"principal_rate"`
}

type Profitability struct {
	Count             int             `json:"count"`
	TotalInterest     decimal.Decimal `json:"total_interest"`
	AverageInterest   decimal.Decimal `json:"average_interest"`
	AverageAmountPaid decimal.Decimal `json:"average_amount_paid"`
}

// ComputePerformance restricts to Approved and PartiallyPaid loans.
func ComputePerformance(loans []models.Loan) Performance {
	p := Performance{
		TotalPrincipal: decimal.Zero,
		AverageRate:    decimal.Zero,
		TotalOwed:      decimal.Zero,
		TotalInterest:  decimal.Zero,
	}
	rateSum := decimal.Zero
	for i := range loans {
		l := &loans[i]
		if l.Status != models.LoanStatusApproved && l.Status != models.LoanStatusPartiallyPaid {
			continue
		}
		p.Count++
		p.TotalPrincipal = p.TotalPrincipal.Add(l.Principal)
		p.TotalOwed = p.TotalOwed.Add(l.TotalOwed)
		p.TotalInterest = p.TotalInterest.Add(l.Interest())
		rateSum = rateSum.Add(l.Rate)
	}
	p.AverageRate = average(rateSum, p.Count)
	return p
}

// ComputeDistribution groups loans by status. Statuses with no loans are
// omitted; buckets follow models.LoanStatuses order.
func ComputeDistribution(loans []models.Loan) Distribution {
	byStatus := make(map[models.LoanStatus]*StatusBucket)
	for i := range loans {
		l := &loans[i]
		b, ok := byStatus[l.Status]
		if !ok {
			b = &StatusBucket{Status: l.Status, TotalPrincipal: decimal.Zero}
			byStatus[l.Status] = b
		}
		b.Count++
		b.TotalPrincipal = b.TotalPrincipal.Add(l.Principal)
	}

	d := Distribution{Buckets: make([]StatusBucket, 0, len(byStatus))}
	for _, st := range models.LoanStatuses {
		b, ok := byStatus[st]
		if !ok {
			continue
		}
		b.AveragePrincipal = average(b.TotalPrincipal, b.Count)
		d.Buckets = append(d.Buckets, *b)
	}
	return d
}

// ComputeDelinquency returns zero rates for an empty portfolio.
func ComputeDelinquency(loans []models.Loan) Delinquency {
	d := Delinquency{
		TotalCount:     len(loans),
		LatePrincipal:  decimal.Zero,
		TotalPrincipal: decimal.Zero,
	}
	for i := range loans {
		l := &loans[i]
		d.TotalPrincipal = d.TotalPrincipal.Add(l.Principal)
		if l.Status == models.LoanStatusLate {
			d.LateCount++
			d.LatePrincipal = d.LatePrincipal.Add(l.Principal)
		}
	}
	d.CountRate = percent(decimal.NewFromInt(int64(d.LateCount)), decimal.NewFromInt(int64(d.TotalCount)))
	d.PrincipalRate = percent(d.LatePrincipal, d.TotalPrincipal)
	return d
}

// ComputeProfitability spans every loan regardless of status.
func ComputeProfitability(loans []models.Loan) Profitability {
	p := Profitability{Count: len(loans), TotalInterest: decimal.Zero}
	paid := decimal.Zero
	for i := range loans {
		p.TotalInterest = p.TotalInterest.Add(loans[i].Interest())
		paid = paid.Add(loans[i].AmountPaid)
	}
	p.AverageInterest = average(p.TotalInterest, p.Count)
	p.AverageAmountPaid = average(paid, p.Count)
	return p
}

// Rounded returns a copy with every amount rounded to cents for display.
func (p Performance) Rounded() Performance {
	p.TotalPrincipal = money.RoundCurrency(p.TotalPrincipal)
	p.AverageRate = money.RoundCurrency(p.AverageRate)
	p.TotalOwed = money.RoundCurrency(p.TotalOwed)
	p.TotalInterest = money.RoundCurrency(p.TotalInterest)
	return p
}

func (d Distribution) Rounded() Distribution {
	out := Distribution{Buckets: make([]StatusBucket, len(d.Buckets))}
	for i, b := range d.Buckets {
		b.TotalPrincipal = money.RoundCurrency(b.TotalPrincipal)
		b.AveragePrincipal = money.RoundCurrency(b.AveragePrincipal)
		out.Buckets[i] = b
	}
	return out
}

func (d Delinquency) Rounded() Delinquency {
	d.CountRate = money.RoundCurrency(d.CountRate)
	d.LatePrincipal = money.RoundCurrency(d.LatePrincipal)
	d.TotalPrincipal = money.RoundCurrency(d.TotalPrincipal)
	d.PrincipalRate = money.RoundCurrency(d.PrincipalRate)
	return d
}

func (p Profitability) Rounded() Profitability {
	p.TotalInterest = money.RoundCurrency(p.TotalInterest)
	p.AverageInterest = money.RoundCurrency(p.AverageInterest)
	p.AverageAmountPaid = money.RoundCurrency(p.AverageAmountPaid)
	return p
}

func average(sum decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
