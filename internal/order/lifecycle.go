package order

import (
	"fmt"
	"strings"
	"time"

	"kasirinaja/ledger/internal/domain"
)

// MarkCompleted finalizes a paid (fully, partially or on credit) order and
// freezes its totals.
func MarkCompleted(o domain.Order, at time.Time) (domain.Order, error) {
	if o.Status != domain.OrderPending {
		return domain.Order{}, domain.IllegalTransition("order", o.Status, domain.OrderCompleted)
	}
	next, err := Recompute(o)
	if err != nil {
		return domain.Order{}, err
	}
	if next.PaymentStatus == domain.PaymentStatusUnpaid {
		return domain.Order{}, fmt.Errorf("%w: order %s has no payment recorded", domain.ErrIllegalTransition, o.ID)
	}
	if !next.TotalAmount.IsPositive() {
		return domain.Order{}, domain.Invalidf("order total must be positive, got %s", next.TotalAmount)
	}
	completedAt := at
	next.Status = domain.OrderCompleted
	next.CompletedAt = &completedAt
	return next, nil
}

// Cancel moves a pending order to CANCELLED and returns the stock that was
// taken for its lines so the caller can put it back.
func Cancel(o domain.Order, reason string, at time.Time) (domain.Order, []domain.StockMovement, error) {
	if o.Status != domain.OrderPending {
		return domain.Order{}, nil, domain.IllegalTransition("order", o.Status, domain.OrderCancelled)
	}
	next := o.Clone()
	cancelledAt := at
	next.Status = domain.OrderCancelled
	next.CancelledAt = &cancelledAt
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	note := "cancelled: " + reason
	if next.Notes == "" {
		next.Notes = note
	} else {
		next.Notes = next.Notes + "\n" + note
	}
	return next, StockMovements(next.Lines), nil
}

func MarkRefunded(o domain.Order, at time.Time) (domain.Order, error) {
	if o.Status != domain.OrderCompleted {
		return domain.Order{}, domain.IllegalTransition("order", o.Status, domain.OrderRefunded)
	}
	next := o.Clone()
	refundedAt := at
	next.Status = domain.OrderRefunded
	next.RefundedAt = &refundedAt
	return next, nil
}

// StockMovements folds lines into one movement per product, in first-seen order.
func StockMovements(lines []domain.LineItem) []domain.StockMovement {
	index := make(map[string]int, len(lines))
	out := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		if i, ok := index[line.ProductRef]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductRef] = len(out)
		out = append(out, domain.StockMovement{ProductRef: line.ProductRef, Quantity: line.Quantity})
	}
	return out
}
