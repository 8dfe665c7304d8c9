package store

import (
	"context"

	"kasirinaja/ledger/internal/domain"
)

// Catalog resolves the price and tax rate a product sells at right now.
type Catalog interface {
	PriceSnapshot(ctx context.Context, productRef string) (domain.PriceSnapshot, error)
}

type AuditFilter struct {
	StoreRef   string
	EntityType string
	EntityID   string
	Limit      int
}

type Repository interface {
	Catalog

	GetOrder(ctx context.Context, id string) (domain.Order, error)
	GetShift(ctx context.Context, id string) (domain.ShiftReport, error)
	// GetActiveShiftByCashier returns the cashier's OPEN or SUSPENDED shift.
	GetActiveShiftByCashier(ctx context.Context, cashierRef string) (domain.ShiftReport, error)
	GetRefund(ctx context.Context, id string) (domain.Refund, error)
	ListRefundsByOrder(ctx context.Context, orderRef string) ([]domain.Refund, error)
	StockLevel(ctx context.Context, storeRef string, productRef string) (int, error)
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]domain.AuditLog, error)

	// Apply writes every aggregate in the change set or none of them. An
	// aggregate with Version 0 is inserted; any other aggregate is written only
	// if the stored version still equals its Version, otherwise Apply fails
	// with domain.ErrConcurrencyConflict. On success the Version of each
	// written aggregate is advanced in place.
	Apply(ctx context.Context, changes Changes) error
}

type StockChange struct {
	StoreRef   string
	ProductRef string
	// Delta is negative for a deduction.
	Delta int
}

type Changes struct {
	Orders    []*domain.Order
	Shifts    []*domain.ShiftReport
	Refunds   []*domain.Refund
	Stock     []StockChange
	AuditLogs []domain.AuditLog
}

// DeductStock queues removal of the moved quantities from the store's
// inventory. Apply fails with domain.ErrValidation if stock would go negative.
func (c *Changes) DeductStock(storeRef string, moves []domain.StockMovement) {
	for _, m := range moves {
		c.Stock = append(c.Stock, StockChange{StoreRef: storeRef, ProductRef: m.ProductRef, Delta: -m.Quantity})
	}
}

func (c *Changes) RestoreStock(storeRef string, moves []domain.StockMovement) {
	for _, m := range moves {
		c.Stock = append(c.Stock, StockChange{StoreRef: storeRef, ProductRef: m.ProductRef, Delta: m.Quantity})
	}
}

func (c *Changes) Audit(entry domain.AuditLog) {
	c.AuditLogs = append(c.AuditLogs, entry)
}

func (c Changes) Empty() bool {
	return len(c.Orders) == 0 && len(c.Shifts) == 0 && len(c.Refunds) == 0 && len(c.Stock) == 0 && len(c.AuditLogs) == 0
}
