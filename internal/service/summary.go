package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/money"
	"kasirinaja/ledger/internal/order"
	"kasirinaja/ledger/internal/refund"
)

// OrderSummary returns the receipt projection of an order. Projections are
// cached until the next write to the order or one of its refunds.
func (s *Service) OrderSummary(ctx context.Context, orderID string) (domain.OrderSummary, error) {
	logger := s.log.WithFields(logrus.Fields{"funcName": "OrderSummary", "order": orderID})

	cached, ok, err := s.summaries.Get(ctx, orderID)
	if err != nil {
		logger.Warnf("read summary cache: %v", err)
	}
	if ok && cached != nil {
		return *cached, nil
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderSummary{}, err
	}
	refunds, err := s.repo.ListRefundsByOrder(ctx, orderID)
	if err != nil {
		return domain.OrderSummary{}, err
	}

	summary := buildSummary(o, refunds)
	s.cacheSummary(ctx, logger, &summary, summaryStamp(o, refunds))
	return summary, nil
}

// cacheSummary stores a projection only if the order and its refunds are
// unchanged since it was built. Writers invalidate while holding the order
// lock, so the check and the Set run under that lock too.
func (s *Service) cacheSummary(ctx context.Context, logger logrus.FieldLogger, summary *domain.OrderSummary, stamp string) {
	err := s.withLocks(ctx, []string{orderKey(summary.OrderID)}, func() error {
		o, err := s.repo.GetOrder(ctx, summary.OrderID)
		if err != nil {
			return err
		}
		refunds, err := s.repo.ListRefundsByOrder(ctx, summary.OrderID)
		if err != nil {
			return err
		}
		if summaryStamp(o, refunds) != stamp {
			logger.Debug("order changed while building summary; not caching")
			return nil
		}
		return s.summaries.Set(ctx, summary, s.summaryTTL)
	})
	switch {
	case errors.Is(err, domain.ErrConcurrencyConflict):
		logger.Debug("order is being written; not caching summary")
	case err != nil:
		logger.Warnf("write summary cache: %v", err)
	}
}

// summaryStamp identifies the stored state a summary was built from.
func summaryStamp(o domain.Order, refunds []domain.Refund) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(o.Version, 10))
	for _, r := range refunds {
		b.WriteByte('|')
		b.WriteString(r.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(r.Version, 10))
	}
	return b.String()
}

func buildSummary(o domain.Order, refunds []domain.Refund) domain.OrderSummary {
	lineDiscount, tax := order.LineTotals(o)
	paid, credit := order.LedgerTotals(o.Payments)
	refundable := money.Zero
	if o.Status == domain.OrderCompleted {
		refundable = refund.Refundable(o, refunds, "")
	}
	return domain.OrderSummary{
		OrderID:          o.ID,
		Status:           o.Status,
		PaymentStatus:    o.PaymentStatus,
		Subtotal:         o.Subtotal,
		LineDiscount:     lineDiscount,
		GlobalDiscount:   o.GlobalDiscount,
		TaxAmount:        tax,
		TotalAmount:      o.TotalAmount,
		AmountPaid:       paid,
		AmountCredit:     credit,
		Change:           order.Change(o),
		RefundedAmount:   refund.CompletedTotal(refunds),
		RefundableAmount: refundable,
		ByMethod:         order.Breakdown(o),
		Version:          o.Version,
	}
}
