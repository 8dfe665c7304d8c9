package service

import (
	"context"
	"fmt"
	"strings"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/order"
	"kasirinaja/ledger/internal/shift"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// CreateOrder snapshots catalog prices for every line, takes the stock and
// stores the order PENDING.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	storeRef := s.storeRef(req.StoreRef)

	lines := make([]domain.LineItem, 0, len(req.Lines))
	for _, lr := range req.Lines {
		line, err := s.newLine(ctx, lr)
		if err != nil {
			return domain.Order{}, err
		}
		lines = append(lines, line)
	}

	o, err := order.New(xid.New("ord"), storeRef, actor.CashierRef, lines, req.GlobalDiscountPercent, req.GlobalDiscountFixed, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	o.Notes = strings.TrimSpace(req.Notes)

	changes := store.Changes{Orders: []*domain.Order{&o}}
	changes.DeductStock(storeRef, order.StockMovements(o.Lines))
	s.audit(&changes, actor, storeRef, "order.create", "order", o.ID, fmt.Sprintf("lines=%d total=%s", len(o.Lines), o.TotalAmount))
	if err := s.commit(ctx, "CreateOrder", changes); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (s *Service) AddLine(ctx context.Context, orderID string, req domain.LineRequest) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = s.withLocks(ctx, []string{orderKey(orderID)}, func() error {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		line, err := s.newLine(ctx, req)
		if err != nil {
			return err
		}
		next, err := order.AddLine(o, line)
		if err != nil {
			return err
		}
		added, _, _ := next.Line(line.ID)

		changes := store.Changes{Orders: []*domain.Order{&next}}
		changes.DeductStock(next.StoreRef, order.StockMovements([]domain.LineItem{added}))
		s.audit(&changes, actor, next.StoreRef, "order.line_add", "order", next.ID, fmt.Sprintf("product=%s qty=%d total=%s", added.ProductRef, added.Quantity, next.TotalAmount))
		if err := s.commit(ctx, "AddLine", changes); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// UpdateLine edits quantity or discounts in place. A quantity change moves
// the difference in or out of stock.
func (s *Service) UpdateLine(ctx context.Context, orderID string, lineID string, req domain.UpdateLineRequest) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = s.withLocks(ctx, []string{orderKey(orderID)}, func() error {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		before, _, ok := o.Line(lineID)
		if !ok {
			return domain.NotFoundf("line %s on order %s", lineID, orderID)
		}
		next, err := order.UpdateLine(o, lineID, order.LineChange{
			Quantity:        req.Quantity,
			DiscountPercent: req.DiscountPercent,
			DiscountFixed:   req.DiscountFixed,
		})
		if err != nil {
			return err
		}
		after, _, _ := next.Line(lineID)

		changes := store.Changes{Orders: []*domain.Order{&next}}
		switch delta := after.Quantity - before.Quantity; {
		case delta > 0:
			changes.DeductStock(next.StoreRef, []domain.StockMovement{{ProductRef: after.ProductRef, Quantity: delta}})
		case delta < 0:
			changes.RestoreStock(next.StoreRef, []domain.StockMovement{{ProductRef: after.ProductRef, Quantity: -delta}})
		}
		s.audit(&changes, actor, next.StoreRef, "order.line_update", "order", next.ID, fmt.Sprintf("line=%s qty=%d total=%s", lineID, after.Quantity, next.TotalAmount))
		if err := s.commit(ctx, "UpdateLine", changes); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

func (s *Service) RemoveLine(ctx context.Context, orderID string, lineID string) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = s.withLocks(ctx, []string{orderKey(orderID)}, func() error {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, removed, err := order.RemoveLine(o, lineID)
		if err != nil {
			return err
		}

		changes := store.Changes{Orders: []*domain.Order{&next}}
		changes.RestoreStock(next.StoreRef, order.StockMovements([]domain.LineItem{removed}))
		s.audit(&changes, actor, next.StoreRef, "order.line_remove", "order", next.ID, fmt.Sprintf("line=%s product=%s total=%s", removed.ID, removed.ProductRef, next.TotalAmount))
		if err := s.commit(ctx, "RemoveLine", changes); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

func (s *Service) SetGlobalDiscount(ctx context.Context, orderID string, req domain.GlobalDiscountRequest) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = s.withLocks(ctx, []string{orderKey(orderID)}, func() error {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, err := order.SetGlobalDiscount(o, req.Percent, req.Fixed)
		if err != nil {
			return err
		}

		changes := store.Changes{Orders: []*domain.Order{&next}}
		s.audit(&changes, actor, next.StoreRef, "order.discount", "order", next.ID, fmt.Sprintf("percent=%s fixed=%s total=%s", req.Percent, req.Fixed, next.TotalAmount))
		if err := s.commit(ctx, "SetGlobalDiscount", changes); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// AddPayment records a payment and, when the cashier has a shift running,
// rolls the settlement into it within the same write.
func (s *Service) AddPayment(ctx context.Context, orderID string, req domain.PaymentRequest) (domain.PaymentResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	current, err := s.activeShift(ctx, actor.CashierRef)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	keys := []string{orderKey(orderID)}
	if current != nil {
		keys = append(keys, shiftKey(current.ID))
	}

	var resp domain.PaymentResponse
	err = s.withLocks(ctx, keys, func() error {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		sh, err := s.reloadShift(ctx, current)
		if err != nil {
			return err
		}
		res, err := order.AddPayment(o, order.PaymentInput{
			ID:         xid.New("pay"),
			Method:     req.Method,
			Amount:     req.Amount,
			CashierRef: actor.CashierRef,
			Reference:  strings.TrimSpace(req.Reference),
			At:         s.now(),
			Shift:      sh,
		})
		if err != nil {
			return err
		}

		changes := store.Changes{Orders: []*domain.Order{&res.Order}}
		if res.Shift != nil {
			changes.Shifts = append(changes.Shifts, res.Shift)
		}
		s.audit(&changes, actor, res.Order.StoreRef, "payment.add", "order", res.Order.ID,
			fmt.Sprintf("payment=%s method=%s amount=%s status=%s", res.Payment.ID, res.Payment.Method, res.Payment.Amount, res.Order.PaymentStatus))
		if err := s.commit(ctx, "AddPayment", changes); err != nil {
			return err
		}
		resp = domain.PaymentResponse{Payment: res.Payment, Order: res.Order, Change: res.Change}
		return nil
	})
	return resp, err
}

// CancelPayment voids one ledger entry of a pending order and backs a
// settlement out of the shift it was rolled into, if that shift is still open.
func (s *Service) CancelPayment(ctx context.Context, orderID string, paymentID string, reason string) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	peek, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	keys := []string{orderKey(orderID)}
	for _, p := range peek.Payments {
		if p.ID == paymentID && p.ShiftRef != "" {
			keys = append(keys, shiftKey(p.ShiftRef))
		}
	}

	var result domain.Order
	err = s.withLocks(ctx, keys, func() error {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, cancelled, err := order.CancelPayment(o, paymentID, strings.TrimSpace(reason), s.now())
		if err != nil {
			return err
		}

		changes := store.Changes{Orders: []*domain.Order{&next}}
		shifts := map[string]*domain.ShiftReport{}
		if err := s.reverseSettlement(ctx, shifts, o.Payments, cancelled, false); err != nil {
			return err
		}
		for _, sh := range shifts {
			changes.Shifts = append(changes.Shifts, sh)
		}
		s.audit(&changes, actor, next.StoreRef, "payment.cancel", "order", next.ID,
			fmt.Sprintf("payment=%s amount=%s reason=%s", cancelled.ID, cancelled.Amount, cancelled.CancelReason))
		if err := s.commit(ctx, "CancelPayment", changes); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

func (s *Service) CompleteOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = s.withLocks(ctx, []string{orderKey(orderID)}, func() error {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, err := order.MarkCompleted(o, s.now())
		if err != nil {
			return err
		}

		changes := store.Changes{Orders: []*domain.Order{&next}}
		s.audit(&changes, actor, next.StoreRef, "order.complete", "order", next.ID,
			fmt.Sprintf("total=%s payment_status=%s", next.TotalAmount, next.PaymentStatus))
		if err := s.commit(ctx, "CompleteOrder", changes); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// CancelOrder cancels every active payment, reverses their settlements out of
// still-open shifts, puts the stock back and moves the order to CANCELLED.
func (s *Service) CancelOrder(ctx context.Context, orderID string, reason string) (domain.CancelOrderResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CancelOrderResponse{}, err
	}
	peek, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.CancelOrderResponse{}, err
	}
	keys := []string{orderKey(orderID)}
	for _, p := range peek.Payments {
		if p.IsActive && p.ShiftRef != "" {
			keys = append(keys, shiftKey(p.ShiftRef))
		}
	}
	reason = strings.TrimSpace(reason)

	var resp domain.CancelOrderResponse
	err = s.withLocks(ctx, keys, func() error {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPending {
			return domain.IllegalTransition("order", o.Status, domain.OrderCancelled)
		}

		at := s.now()
		next := o
		shifts := map[string]*domain.ShiftReport{}
		var cancelled []domain.Payment
		for _, p := range o.Payments {
			if !p.IsActive {
				continue
			}
			var voided domain.Payment
			next, voided, err = order.CancelPayment(next, p.ID, "order cancelled: "+reason, at)
			if err != nil {
				return err
			}
			if err := s.reverseSettlement(ctx, shifts, o.Payments, voided, true); err != nil {
				return err
			}
			cancelled = append(cancelled, voided)
		}

		next, moves, err := order.Cancel(next, reason, at)
		if err != nil {
			return err
		}

		changes := store.Changes{Orders: []*domain.Order{&next}}
		for _, sh := range shifts {
			changes.Shifts = append(changes.Shifts, sh)
		}
		changes.RestoreStock(next.StoreRef, moves)
		s.audit(&changes, actor, next.StoreRef, "order.cancel", "order", next.ID,
			fmt.Sprintf("payments_cancelled=%d reason=%s", len(cancelled), reason))
		if err := s.commit(ctx, "CancelOrder", changes); err != nil {
			return err
		}
		resp = domain.CancelOrderResponse{Order: next, RestoredStock: moves, CancelledPayments: cancelled}
		return nil
	})
	return resp, err
}

// reverseSettlement takes a cancelled payment back out of the shift it was
// recorded in. Shifts are loaded once into shifts and updated there. Credit
// entries and payments whose shift has closed leave shift totals untouched.
func (s *Service) reverseSettlement(ctx context.Context, shifts map[string]*domain.ShiftReport, original []domain.Payment, cancelled domain.Payment, countCancellation bool) error {
	if cancelled.ShiftRef == "" {
		return nil
	}
	wasSettlement := false
	for _, p := range original {
		if p.ID == cancelled.ID {
			wasSettlement = p.IsSettlement()
		}
	}
	if !wasSettlement {
		return nil
	}

	sh, ok := shifts[cancelled.ShiftRef]
	if !ok {
		loaded, err := s.repo.GetShift(ctx, cancelled.ShiftRef)
		if err != nil {
			return err
		}
		if loaded.Status == domain.ShiftClosed {
			return nil
		}
		sh = &loaded
		shifts[loaded.ID] = sh
	}

	updated, err := shift.ReverseSale(*sh, cancelled.Amount, cancelled.Method)
	if err != nil {
		return err
	}
	if countCancellation {
		updated, err = shift.AddCancellation(updated, cancelled.Amount)
		if err != nil {
			return err
		}
	}
	*sh = updated
	return nil
}

func (s *Service) newLine(ctx context.Context, req domain.LineRequest) (domain.LineItem, error) {
	if strings.TrimSpace(req.ProductRef) == "" {
		return domain.LineItem{}, domain.Invalidf("product is required")
	}
	snapshot, err := s.repo.PriceSnapshot(ctx, strings.TrimSpace(req.ProductRef))
	if err != nil {
		return domain.LineItem{}, err
	}
	return domain.LineItem{
		ID:              xid.New("line"),
		ProductRef:      snapshot.ProductRef,
		Quantity:        req.Quantity,
		UnitPrice:       snapshot.UnitPrice,
		TaxRatePercent:  snapshot.TaxRatePercent,
		DiscountPercent: req.DiscountPercent,
		DiscountFixed:   req.DiscountFixed,
	}, nil
}
