package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/order"
	"kasirinaja/ledger/internal/refund"
	"kasirinaja/ledger/internal/shift"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

// CreateRefund opens a PENDING refund against a completed order. The
// requesting cashier's running shift, if any, is remembered for payout.
func (s *Service) CreateRefund(ctx context.Context, req domain.RefundCreateRequest) (domain.Refund, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Refund{}, err
	}
	current, err := s.activeShift(ctx, actor.CashierRef)
	if err != nil {
		return domain.Refund{}, err
	}

	var result domain.Refund
	err = s.withLocks(ctx, []string{orderKey(req.OrderRef)}, func() error {
		o, err := s.repo.GetOrder(ctx, req.OrderRef)
		if err != nil {
			return err
		}
		siblings, err := s.repo.ListRefundsByOrder(ctx, o.ID)
		if err != nil {
			return err
		}

		id := xid.New("rfd")
		items := make([]refund.ItemInput, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, refund.ItemInput{ID: xid.New("rfi"), Request: item})
		}
		in := refund.CreateInput{
			ID:          id,
			Order:       o,
			Siblings:    siblings,
			Type:        req.Type,
			Amount:      req.Amount,
			Reason:      req.Reason,
			Items:       items,
			RequestedBy: actor.CashierRef,
			At:          s.now(),
		}
		if current != nil {
			in.ShiftRef = current.ID
		}
		r, err := refund.New(in)
		if err != nil {
			return err
		}

		changes := store.Changes{Refunds: []*domain.Refund{&r}}
		s.audit(&changes, actor, o.StoreRef, "refund.create", "refund", r.ID,
			fmt.Sprintf("order=%s type=%s total=%s", o.ID, r.Type, r.TotalRefundAmount))
		if err := s.commit(ctx, "CreateRefund", changes); err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (s *Service) GetRefund(ctx context.Context, id string) (domain.Refund, error) {
	return s.repo.GetRefund(ctx, id)
}

func (s *Service) AddRefundItem(ctx context.Context, refundID string, req domain.RefundItemRequest) (domain.Refund, error) {
	return s.mutateRefund(ctx, refundID, "AddRefundItem", "refund.item_add", func(rc refundContext) (domain.Refund, string, error) {
		next, err := refund.AddItem(rc.refund, rc.order, rc.siblings, refund.ItemInput{ID: xid.New("rfi"), Request: req}, rc.at)
		return next, fmt.Sprintf("line=%s qty=%d total=%s", req.OriginalLineRef, req.Quantity, next.TotalRefundAmount), err
	})
}

func (s *Service) RemoveRefundItem(ctx context.Context, refundID string, itemID string) (domain.Refund, error) {
	return s.mutateRefund(ctx, refundID, "RemoveRefundItem", "refund.item_remove", func(rc refundContext) (domain.Refund, string, error) {
		next, err := refund.RemoveItem(rc.refund, itemID, rc.at)
		return next, fmt.Sprintf("item=%s total=%s", itemID, next.TotalRefundAmount), err
	})
}

func (s *Service) ApproveRefund(ctx context.Context, refundID string) (domain.Refund, error) {
	return s.mutateRefund(ctx, refundID, "ApproveRefund", "refund.approve", func(rc refundContext) (domain.Refund, string, error) {
		next, err := refund.Approve(rc.refund, rc.order, rc.siblings, rc.actor.CashierRef, rc.at)
		return next, fmt.Sprintf("total=%s", rc.refund.TotalRefundAmount), err
	})
}

func (s *Service) RejectRefund(ctx context.Context, refundID string, reason string) (domain.Refund, error) {
	return s.mutateRefund(ctx, refundID, "RejectRefund", "refund.reject", func(rc refundContext) (domain.Refund, string, error) {
		next, err := refund.Reject(rc.refund, reason, rc.actor.CashierRef, rc.at)
		return next, "reason=" + strings.TrimSpace(reason), err
	})
}

func (s *Service) StartRefundProcessing(ctx context.Context, refundID string) (domain.Refund, error) {
	return s.mutateRefund(ctx, refundID, "StartRefundProcessing", "refund.process", func(rc refundContext) (domain.Refund, string, error) {
		next, err := refund.StartProcessing(rc.refund, rc.at)
		return next, "", err
	})
}

func (s *Service) FailRefund(ctx context.Context, refundID string, reason string) (domain.Refund, error) {
	return s.mutateRefund(ctx, refundID, "FailRefund", "refund.fail", func(rc refundContext) (domain.Refund, string, error) {
		next, err := refund.Fail(rc.refund, reason, rc.at)
		return next, "reason=" + strings.TrimSpace(reason), err
	})
}

func (s *Service) CancelRefund(ctx context.Context, refundID string, reason string) (domain.Refund, error) {
	return s.mutateRefund(ctx, refundID, "CancelRefund", "refund.cancel", func(rc refundContext) (domain.Refund, string, error) {
		next, err := refund.Cancel(rc.refund, reason, rc.at)
		return next, "reason=" + strings.TrimSpace(reason), err
	})
}

// CompleteRefund pays the refund out. The payout is charged to the shift the
// refund was requested on while that shift is still running, otherwise to
// the completing cashier's shift. Returned items go back into stock, exchange
// items come out of it, and the order becomes REFUNDED once completed refunds
// cover its total.
func (s *Service) CompleteRefund(ctx context.Context, refundID string) (domain.Refund, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Refund{}, err
	}
	peek, err := s.repo.GetRefund(ctx, refundID)
	if err != nil {
		return domain.Refund{}, err
	}
	payout, err := s.payoutShift(ctx, peek.ShiftRef, actor.CashierRef)
	if err != nil {
		return domain.Refund{}, err
	}
	keys := []string{orderKey(peek.OrderRef), refundKey(refundID)}
	if payout != nil {
		keys = append(keys, shiftKey(payout.ID))
	}

	var result domain.Refund
	err = s.withLocks(ctx, keys, func() error {
		r, err := s.repo.GetRefund(ctx, refundID)
		if err != nil {
			return err
		}
		o, err := s.repo.GetOrder(ctx, r.OrderRef)
		if err != nil {
			return err
		}
		siblings, err := s.repo.ListRefundsByOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		sh, err := s.reloadShift(ctx, payout)
		if err != nil {
			return err
		}

		at := s.now()
		done, err := refund.Complete(r, at)
		if err != nil {
			return err
		}

		changes := store.Changes{Refunds: []*domain.Refund{&done}}
		if sh != nil {
			updated, err := shift.AddRefund(*sh, done.TotalRefundAmount)
			if err != nil {
				return err
			}
			changes.Shifts = append(changes.Shifts, &updated)
		}

		completed := make([]domain.Refund, 0, len(siblings))
		for _, sibling := range siblings {
			if sibling.ID != done.ID {
				completed = append(completed, sibling)
			}
		}
		completed = append(completed, done)
		if o.Status == domain.OrderCompleted && refund.CompletedTotal(completed).GreaterThanOrEqual(o.TotalAmount) {
			refunded, err := order.MarkRefunded(o, at)
			if err != nil {
				return err
			}
			changes.Orders = append(changes.Orders, &refunded)
		}

		for _, item := range done.Items {
			if item.IsReturned && item.ProductRef != "" {
				changes.RestoreStock(o.StoreRef, []domain.StockMovement{{ProductRef: item.ProductRef, Quantity: item.Quantity}})
			}
			if item.IsExchange && item.ExchangeProductRef != "" {
				changes.DeductStock(o.StoreRef, []domain.StockMovement{{ProductRef: item.ExchangeProductRef, Quantity: item.ExchangeQuantity}})
			}
		}

		detail := fmt.Sprintf("order=%s total=%s", o.ID, done.TotalRefundAmount)
		if sh != nil {
			detail += " shift=" + sh.ID
		}
		s.audit(&changes, actor, o.StoreRef, "refund.complete", "refund", done.ID, detail)
		if err := s.commit(ctx, "CompleteRefund", changes); err != nil {
			return err
		}
		result = done
		return nil
	})
	return result, err
}

func (s *Service) payoutShift(ctx context.Context, requestedOn string, cashierRef string) (*domain.ShiftReport, error) {
	if requestedOn != "" {
		sh, err := s.repo.GetShift(ctx, requestedOn)
		if err == nil && sh.Status != domain.ShiftClosed {
			return &sh, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return s.activeShift(ctx, cashierRef)
}

type refundContext struct {
	actor    domain.Actor
	refund   domain.Refund
	order    domain.Order
	siblings []domain.Refund
	at       time.Time
}

// mutateRefund locks the refund together with its order, since approval
// decisions depend on every other refund of that order.
func (s *Service) mutateRefund(ctx context.Context, refundID string, funcName string, action string, mutate func(refundContext) (domain.Refund, string, error)) (domain.Refund, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Refund{}, err
	}
	peek, err := s.repo.GetRefund(ctx, refundID)
	if err != nil {
		return domain.Refund{}, err
	}

	var result domain.Refund
	err = s.withLocks(ctx, []string{orderKey(peek.OrderRef), refundKey(refundID)}, func() error {
		r, err := s.repo.GetRefund(ctx, refundID)
		if err != nil {
			return err
		}
		o, err := s.repo.GetOrder(ctx, r.OrderRef)
		if err != nil {
			return err
		}
		siblings, err := s.repo.ListRefundsByOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		next, detail, err := mutate(refundContext{actor: actor, refund: r, order: o, siblings: siblings, at: s.now()})
		if err != nil {
			return err
		}

		changes := store.Changes{Refunds: []*domain.Refund{&next}}
		s.audit(&changes, actor, o.StoreRef, action, "refund", next.ID, strings.TrimSpace(fmt.Sprintf("status=%s %s", next.Status, detail)))
		if err := s.commit(ctx, funcName, changes); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}
