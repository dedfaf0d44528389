package ledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"snackpos/backend/internal/domain"
	"snackpos/backend/internal/store"
)

const defaultRevenueWindow = 30 * 24 * time.Hour

// salesOnly lists every sale matching filter, ignoring its type and limit.
func (l *Ledger) salesOnly(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	filter.Type = domain.TxTypeSale
	filter.Limit = 0
	filter.Ascending = true
	return l.repo.ListTransactions(ctx, filter)
}

// Stats aggregates sale rows: count, items, sum, average, max and min.
func (l *Ledger) Stats(ctx context.Context, filter domain.TransactionFilter) (domain.SalesStats, error) {
	rows, err := l.salesOnly(ctx, filter)
	if err != nil {
		return domain.SalesStats{}, err
	}
	return summarize(rows), nil
}

func summarize(rows []domain.Transaction) domain.SalesStats {
	stats := domain.SalesStats{
		TotalRevenue: decimal.Zero,
		AverageSale:  decimal.Zero,
		HighestSale:  decimal.Zero,
		LowestSale:   decimal.Zero,
	}
	for i, t := range rows {
		stats.TransactionCount++
		stats.ItemsSold += t.Quantity
		stats.TotalRevenue = stats.TotalRevenue.Add(t.Amount)
		if i == 0 || t.Amount.GreaterThan(stats.HighestSale) {
			stats.HighestSale = t.Amount
		}
		if i == 0 || t.Amount.LessThan(stats.LowestSale) {
			stats.LowestSale = t.Amount
		}
	}
	if stats.TransactionCount > 0 {
		stats.AverageSale = stats.TotalRevenue.Div(decimal.NewFromInt(int64(stats.TransactionCount))).Round(2)
	}
	return stats
}

// BucketKey formats t into the revenue bucket label for period.
func BucketKey(t time.Time, period string) (string, error) {
	t = t.UTC()
	switch period {
	case domain.PeriodHour:
		return t.Format("2006-01-02 15:00"), nil
	case domain.PeriodDay, "":
		return t.Format("2006-01-02"), nil
	case domain.PeriodWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), nil
	case domain.PeriodMonth:
		return t.Format("2006-01"), nil
	}
	return "", fmt.Errorf("%w: unknown period %q", store.ErrInvalidTransaction, period)
}

// RevenueByPeriod buckets sale revenue by hour, day, ISO week or month. The
// range defaults to the last 30 days.
func (l *Ledger) RevenueByPeriod(ctx context.Context, period string, filter domain.TransactionFilter) ([]domain.RevenueBucket, error) {
	period = strings.ToLower(strings.TrimSpace(period))
	if _, err := BucketKey(time.Time{}, period); err != nil {
		return nil, err
	}
	if filter.From == nil {
		from := l.now().Add(-defaultRevenueWindow)
		filter.From = &from
	}

	rows, err := l.salesOnly(ctx, filter)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string]*domain.RevenueBucket)
	for _, t := range rows {
		key, _ := BucketKey(t.CreatedAt, period)
		b, ok := buckets[key]
		if !ok {
			b = &domain.RevenueBucket{Period: key, Revenue: decimal.Zero}
			buckets[key] = b
		}
		b.Transactions++
		b.ItemsSold += t.Quantity
		b.Revenue = b.Revenue.Add(t.Amount)
	}

	out := make([]domain.RevenueBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b domain.RevenueBucket) int {
		return strings.Compare(a.Period, b.Period)
	})
	return out, nil
}

// PaymentMethodStats groups sale revenue by payment method, largest first.
func (l *Ledger) PaymentMethodStats(ctx context.Context, filter domain.TransactionFilter) ([]domain.PaymentMethodStat, error) {
	rows, err := l.salesOnly(ctx, filter)
	if err != nil {
		return nil, err
	}

	byMethod := make(map[string]*domain.PaymentMethodStat)
	for _, t := range rows {
		stat, ok := byMethod[t.PaymentMethod]
		if !ok {
			stat = &domain.PaymentMethodStat{PaymentMethod: t.PaymentMethod, Revenue: decimal.Zero}
			byMethod[t.PaymentMethod] = stat
		}
		stat.Transactions++
		stat.Revenue = stat.Revenue.Add(t.Amount)
	}

	out := make([]domain.PaymentMethodStat, 0, len(byMethod))
	for _, stat := range byMethod {
		out = append(out, *stat)
	}
	slices.SortFunc(out, func(a, b domain.PaymentMethodStat) int {
		if c := b.Revenue.Cmp(a.Revenue); c != 0 {
			return c
		}
		return cmp.Compare(a.PaymentMethod, b.PaymentMethod)
	})
	return out, nil
}
