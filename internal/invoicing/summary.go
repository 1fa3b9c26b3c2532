package invoicing

import (
	"context"
	"sort"

	"golang.org/x/sync/singleflight"
)

var summaryGroup singleflight.Group

// Summary returns per-currency dashboard totals for the user.
func (s *Service) Summary(ctx context.Context, userID string) ([]CurrencySummary, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	key, err := s.cache.BuildKey(ctx, userID, "summary")
	if err != nil {
		s.logger.WarnContext(ctx, "summary cache unavailable", "error", err)
		return s.buildSummary(ctx, userID)
	}

	// The flight is shared, so it must outlive any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	ch := summaryGroup.DoChan(key, func() (interface{}, error) {
		var out []CurrencySummary
		err := s.cache.FetchJSON(flightCtx, key, &out, func(ctx context.Context) (any, error) {
			return s.buildSummary(ctx, userID)
		})
		return out, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]CurrencySummary), nil
	}
}

func (s *Service) buildSummary(ctx context.Context, userID string) ([]CurrencySummary, error) {
	rows, err := s.repo.SummaryRows(ctx, userID)
	if err != nil {
		return nil, err
	}
	return aggregateSummary(rows), nil
}

func aggregateSummary(rows []SummaryRow) []CurrencySummary {
	byCurrency := map[Currency]*CurrencySummary{}
	for _, row := range rows {
		sum, ok := byCurrency[row.Currency]
		if !ok {
			sum = &CurrencySummary{Currency: row.Currency}
			byCurrency[row.Currency] = sum
		}
		sum.InvoiceCount += row.Count
		sum.TotalInvoiced = sum.TotalInvoiced.Add(row.Total)
		sum.TotalReceived = sum.TotalReceived.Add(row.Paid)
		switch row.Status {
		case StatusPaid:
			sum.PaidCount += row.Count
		case StatusCancelled:
			sum.CancelledCount += row.Count
		case StatusPending:
			sum.PendingCount += row.Count
		case StatusPartiallyPaid:
			sum.PartialCount += row.Count
		case StatusOverdue:
			sum.OverdueCount += row.Count
		case StatusDraft:
			sum.DraftCount += row.Count
		}
		if row.Status != StatusPaid && row.Status != StatusCancelled {
			sum.TotalOutstanding = sum.TotalOutstanding.Add(row.Total.Sub(row.Paid))
		}
	}

	out := make([]CurrencySummary, 0, len(byCurrency))
	for _, sum := range byCurrency {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}
