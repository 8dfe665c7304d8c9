package cache

import (
	"context"
	"time"

	"kasirinaja/ledger/internal/domain"
)

// SummaryCache holds order summary projections. Entries carry the order
// version they were built from, so a stale read can be detected by callers.
type SummaryCache interface {
	Get(ctx context.Context, orderID string) (*domain.OrderSummary, bool, error)
	Set(ctx context.Context, summary *domain.OrderSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, orderID string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.OrderSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ *domain.OrderSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func summaryKey(orderID string) string {
	return "ledger:order-summary:" + orderID
}
