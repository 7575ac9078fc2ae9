package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"posledger/backend/internal/domain"
)

const reportTopLimit = 3

// DailySummary reports posted sales for one store-local day plus the current
// low-stock picture. The sales part may come from the rollup cache.
func (s *Service) DailySummary(ctx context.Context, date string) (domain.DailySummary, error) {
	if _, err := s.authorize(ctx, domain.CapViewReports); err != nil {
		return domain.DailySummary{}, err
	}
	from, to, err := s.parseDay(date)
	if err != nil {
		return domain.DailySummary{}, err
	}
	day := from.Format("2006-01-02")

	rollup, err := s.salesRollup(ctx, day, from, to)
	if err != nil {
		return domain.DailySummary{}, err
	}

	lowCount, lowItems, err := s.repo.GetLowStock(ctx, s.lowStock, reportTopLimit)
	if err != nil {
		return domain.DailySummary{}, err
	}

	return domain.DailySummary{
		Date:          day,
		TotalSales:    rollup.TotalSales,
		Transactions:  rollup.Transactions,
		LowStockCount: lowCount,
		TopItems:      rollup.TopItems,
		LowStockItems: lowItems,
	}, nil
}

func (s *Service) salesRollup(ctx context.Context, day string, from, to time.Time) (domain.SalesRollup, error) {
	cached, ok, err := s.rollups.Get(ctx, day)
	if err != nil {
		s.log.Warn("sales rollup cache read failed", zap.String("day", day), zap.Error(err))
	}
	if ok && cached != nil {
		return *cached, nil
	}

	rollup, err := s.repo.GetSalesRollup(ctx, from, to, reportTopLimit)
	if err != nil {
		return domain.SalesRollup{}, err
	}
	if err := s.rollups.Set(ctx, day, &rollup, s.rollupTTL); err != nil {
		s.log.Warn("sales rollup cache write failed", zap.String("day", day), zap.Error(err))
	}
	return rollup, nil
}
