package cache

import (
	"context"
	"time"

	"posledger/backend/internal/domain"
)

// SalesRollupCache memoizes the posted-sales part of a daily summary, keyed
// by the store-local day ("2006-01-02"). Low-stock figures are never cached.
type SalesRollupCache interface {
	Get(ctx context.Context, day string) (*domain.SalesRollup, bool, error)
	Set(ctx context.Context, day string, value *domain.SalesRollup, ttl time.Duration) error
	Delete(ctx context.Context, day string) error
}

type NoopSalesRollupCache struct{}

func (NoopSalesRollupCache) Get(_ context.Context, _ string) (*domain.SalesRollup, bool, error) {
	return nil, false, nil
}

func (NoopSalesRollupCache) Set(_ context.Context, _ string, _ *domain.SalesRollup, _ time.Duration) error {
	return nil
}

func (NoopSalesRollupCache) Delete(_ context.Context, _ string) error {
	return nil
}

func rollupKey(day string) string {
	return "pos:rollup:" + day
}
