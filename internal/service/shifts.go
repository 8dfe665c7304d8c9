package service

import (
	"context"
	"fmt"
	"strings"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/shift"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.ShiftReport, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftReport{}, err
	}

	var result domain.ShiftReport
	err = s.withLocks(ctx, []string{cashierKey(actor.CashierRef)}, func() error {
		existing, err := s.activeShift(ctx, actor.CashierRef)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.Conflictf("cashier %s already has active shift %s", actor.CashierRef, existing.ID)
		}
		sh, err := shift.Open(shift.OpenInput{
			ID:             xid.New("shift"),
			StoreRef:       s.storeRef(req.StoreRef),
			CashierRef:     actor.CashierRef,
			RegisterRef:    strings.TrimSpace(req.RegisterRef),
			OpeningBalance: req.OpeningBalance,
			At:             s.now(),
		})
		if err != nil {
			return err
		}

		changes := store.Changes{Shifts: []*domain.ShiftReport{&sh}}
		s.audit(&changes, actor, sh.StoreRef, "shift.open", "shift", sh.ID,
			fmt.Sprintf("register=%s opening=%s", sh.RegisterRef, sh.OpeningBalance))
		if err := s.commit(ctx, "OpenShift", changes); err != nil {
			return err
		}
		result = sh
		return nil
	})
	return result, err
}

func (s *Service) GetShift(ctx context.Context, id string) (domain.ShiftReport, error) {
	return s.repo.GetShift(ctx, id)
}

func (s *Service) GetActiveShift(ctx context.Context) (domain.ShiftReport, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	return s.repo.GetActiveShiftByCashier(ctx, actor.CashierRef)
}

func (s *Service) SuspendShift(ctx context.Context, id string, reason string) (domain.ShiftReport, error) {
	reason = strings.TrimSpace(reason)
	return s.mutateShift(ctx, id, "SuspendShift", "shift.suspend", func(sh domain.ShiftReport) (domain.ShiftReport, string, error) {
		next, err := shift.Suspend(sh, reason)
		return next, "reason=" + reason, err
	})
}

func (s *Service) ResumeShift(ctx context.Context, id string) (domain.ShiftReport, error) {
	return s.mutateShift(ctx, id, "ResumeShift", "shift.resume", func(sh domain.ShiftReport) (domain.ShiftReport, string, error) {
		next, err := shift.Resume(sh)
		return next, "", err
	})
}

// CloseShift records the counted drawer. A non-zero discrepancy is logged at
// warn level so it shows up without reading the audit trail.
func (s *Service) CloseShift(ctx context.Context, id string, req domain.ShiftCloseRequest) (domain.ShiftReport, error) {
	closed, err := s.mutateShift(ctx, id, "CloseShift", "shift.close", func(sh domain.ShiftReport) (domain.ShiftReport, string, error) {
		next, err := shift.Close(sh, req.ActualBalance, strings.TrimSpace(req.Notes), s.now())
		if err != nil {
			return domain.ShiftReport{}, "", err
		}
		return next, fmt.Sprintf("expected=%s actual=%s discrepancy=%s", next.ExpectedBalance, next.ActualBalance, next.Discrepancy), nil
	})
	if err != nil {
		return domain.ShiftReport{}, err
	}
	if !closed.Discrepancy.IsZero() {
		s.log.WithField("funcName", "CloseShift").WithField("shift", closed.ID).
			Warnf("shift closed with discrepancy %s", closed.Discrepancy)
	}
	return closed, nil
}

func (s *Service) RecordCashMovement(ctx context.Context, id string, req domain.CashMovementRequest) (domain.ShiftReport, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	movement := domain.CashMovement{
		ID:         xid.New("cash"),
		Direction:  req.Direction,
		Amount:     req.Amount,
		Reason:     strings.TrimSpace(req.Reason),
		CashierRef: actor.CashierRef,
		CreatedAt:  s.now(),
	}
	if movement.Reason == "" {
		return domain.ShiftReport{}, domain.Invalidf("cash movement reason is required")
	}
	return s.mutateShift(ctx, id, "RecordCashMovement", "shift.cash_movement", func(sh domain.ShiftReport) (domain.ShiftReport, string, error) {
		if sh.Status != domain.ShiftOpen {
			return domain.ShiftReport{}, "", domain.Invalidf("shift %s is %s; cash movements need an open shift", sh.ID, sh.Status)
		}
		next, err := shift.RecordCashMovement(sh, movement)
		return next, fmt.Sprintf("direction=%s amount=%s reason=%s", movement.Direction, movement.Amount, movement.Reason), err
	})
}

func (s *Service) mutateShift(ctx context.Context, id string, funcName string, action string, mutate func(domain.ShiftReport) (domain.ShiftReport, string, error)) (domain.ShiftReport, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftReport{}, err
	}

	var result domain.ShiftReport
	err = s.withLocks(ctx, []string{shiftKey(id)}, func() error {
		sh, err := s.repo.GetShift(ctx, id)
		if err != nil {
			return err
		}
		next, detail, err := mutate(sh)
		if err != nil {
			return err
		}

		changes := store.Changes{Shifts: []*domain.ShiftReport{&next}}
		s.audit(&changes, actor, next.StoreRef, action, "shift", next.ID, detail)
		if err := s.commit(ctx, funcName, changes); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}
