// Package shift reconciles a cashier's register session: running sales,
// refunds and manual cash movements against the opening float.
package shift

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/money"
)

type OpenInput struct {
	ID             string
	StoreRef       string
	CashierRef     string
	RegisterRef    string
	OpeningBalance decimal.Decimal
	At             time.Time
}

func Open(in OpenInput) (domain.ShiftReport, error) {
	if in.ID == "" || in.CashierRef == "" || in.RegisterRef == "" {
		return domain.ShiftReport{}, domain.Invalidf("shift id, cashier and register are required")
	}
	if in.OpeningBalance.IsNegative() {
		return domain.ShiftReport{}, domain.Invalidf("opening balance cannot be negative")
	}
	if !money.IsCents(in.OpeningBalance) {
		return domain.ShiftReport{}, domain.Invalidf("opening balance %s has sub-cent precision", in.OpeningBalance)
	}
	s := domain.ShiftReport{
		ID:                 in.ID,
		StoreRef:           in.StoreRef,
		CashierRef:         in.CashierRef,
		RegisterRef:        in.RegisterRef,
		OpeningBalance:     in.OpeningBalance,
		ActualBalance:      money.Zero,
		ClosingBalance:     money.Zero,
		Discrepancy:        money.Zero,
		TotalSales:         money.Zero,
		TotalRefunds:       money.Zero,
		TotalCashIn:        money.Zero,
		TotalCashOut:       money.Zero,
		TotalCancellations: money.Zero,
		PerMethodTotals:    make(map[domain.PaymentMethod]decimal.Decimal),
		PerMethodCounts:    make(map[domain.PaymentMethod]int),
		Status:             domain.ShiftOpen,
		OpenedAt:           in.At,
	}
	return recalculate(s), nil
}

// AddSale rolls one settlement into the shift. Non-positive amounts are ignored.
func AddSale(s domain.ShiftReport, amount decimal.Decimal, method domain.PaymentMethod) (domain.ShiftReport, error) {
	return apply(s, amount, func(next *domain.ShiftReport) {
		next.TotalSales = next.TotalSales.Add(amount)
		next.PerMethodTotals[method] = next.PerMethodTotals[method].Add(amount)
		next.PerMethodCounts[method]++
	})
}

// ReverseSale backs a cancelled settlement out of sales and the method counters.
func ReverseSale(s domain.ShiftReport, amount decimal.Decimal, method domain.PaymentMethod) (domain.ShiftReport, error) {
	if amount.IsPositive() && (amount.GreaterThan(s.PerMethodTotals[method]) || s.PerMethodCounts[method] < 1) {
		return domain.ShiftReport{}, domain.Invalidf("shift %s has no %s sale of %s to reverse", s.ID, method, amount)
	}
	return apply(s, amount, func(next *domain.ShiftReport) {
		next.TotalSales = next.TotalSales.Sub(amount)
		next.PerMethodTotals[method] = next.PerMethodTotals[method].Sub(amount)
		next.PerMethodCounts[method]--
	})
}

func AddRefund(s domain.ShiftReport, amount decimal.Decimal) (domain.ShiftReport, error) {
	return apply(s, amount, func(next *domain.ShiftReport) {
		next.TotalRefunds = next.TotalRefunds.Add(amount)
	})
}

func AddCashIn(s domain.ShiftReport, amount decimal.Decimal) (domain.ShiftReport, error) {
	return apply(s, amount, func(next *domain.ShiftReport) {
		next.TotalCashIn = next.TotalCashIn.Add(amount)
	})
}

func AddCashOut(s domain.ShiftReport, amount decimal.Decimal) (domain.ShiftReport, error) {
	return apply(s, amount, func(next *domain.ShiftReport) {
		next.TotalCashOut = next.TotalCashOut.Add(amount)
	})
}

// AddCancellation records cancelled value for reporting; it does not move
// the expected balance.
func AddCancellation(s domain.ShiftReport, amount decimal.Decimal) (domain.ShiftReport, error) {
	return apply(s, amount, func(next *domain.ShiftReport) {
		next.TotalCancellations = next.TotalCancellations.Add(amount)
	})
}

// RecordCashMovement appends a manual drawer movement and updates the matching total.
func RecordCashMovement(s domain.ShiftReport, movement domain.CashMovement) (domain.ShiftReport, error) {
	if !movement.Amount.IsPositive() {
		return domain.ShiftReport{}, domain.Invalidf("cash movement amount must be positive")
	}
	if !money.IsCents(movement.Amount) {
		return domain.ShiftReport{}, domain.Invalidf("cash movement amount %s has sub-cent precision", movement.Amount)
	}
	var (
		next domain.ShiftReport
		err  error
	)
	switch movement.Direction {
	case domain.CashIn:
		next, err = AddCashIn(s, movement.Amount)
	case domain.CashOut:
		next, err = AddCashOut(s, movement.Amount)
	default:
		return domain.ShiftReport{}, domain.Invalidf("unknown cash direction %q", movement.Direction)
	}
	if err != nil {
		return domain.ShiftReport{}, err
	}
	next.CashMovements = append(next.CashMovements, movement)
	return next, nil
}

// Close records the counted drawer and freezes the shift. The discrepancy is
// kept signed and never corrected.
func Close(s domain.ShiftReport, actualBalance decimal.Decimal, notes string, at time.Time) (domain.ShiftReport, error) {
	if s.Status != domain.ShiftOpen && s.Status != domain.ShiftSuspended {
		return domain.ShiftReport{}, domain.IllegalTransition("shift", s.Status, domain.ShiftClosed)
	}
	if actualBalance.IsNegative() {
		return domain.ShiftReport{}, domain.Invalidf("actual balance cannot be negative")
	}
	if !money.IsCents(actualBalance) {
		return domain.ShiftReport{}, domain.Invalidf("actual balance %s has sub-cent precision", actualBalance)
	}
	next := recalculate(s.Clone())
	closedAt := at
	next.ActualBalance = actualBalance
	next.ClosingBalance = actualBalance
	next.Discrepancy = actualBalance.Sub(next.ExpectedBalance)
	next.Status = domain.ShiftClosed
	next.Notes = notes
	next.ClosedAt = &closedAt
	return next, nil
}

func Suspend(s domain.ShiftReport, reason string) (domain.ShiftReport, error) {
	if s.Status != domain.ShiftOpen {
		return domain.ShiftReport{}, domain.IllegalTransition("shift", s.Status, domain.ShiftSuspended)
	}
	next := s.Clone()
	next.Status = domain.ShiftSuspended
	next.SuspendReason = reason
	return next, nil
}

func Resume(s domain.ShiftReport) (domain.ShiftReport, error) {
	if s.Status != domain.ShiftSuspended {
		return domain.ShiftReport{}, domain.IllegalTransition("shift", s.Status, domain.ShiftOpen)
	}
	next := s.Clone()
	next.Status = domain.ShiftOpen
	next.SuspendReason = ""
	return next, nil
}

func ExpectedBalance(s domain.ShiftReport) decimal.Decimal {
	return s.OpeningBalance.
		Add(s.TotalSales).
		Sub(s.TotalRefunds).
		Add(s.TotalCashIn).
		Sub(s.TotalCashOut)
}

func apply(s domain.ShiftReport, amount decimal.Decimal, mutate func(next *domain.ShiftReport)) (domain.ShiftReport, error) {
	if s.Status == domain.ShiftClosed {
		return domain.ShiftReport{}, fmt.Errorf("%w: shift %s is closed", domain.ErrIllegalTransition, s.ID)
	}
	if !amount.IsPositive() {
		return s, nil
	}
	next := s.Clone()
	if next.PerMethodTotals == nil {
		next.PerMethodTotals = make(map[domain.PaymentMethod]decimal.Decimal)
	}
	if next.PerMethodCounts == nil {
		next.PerMethodCounts = make(map[domain.PaymentMethod]int)
	}
	mutate(&next)
	return recalculate(next), nil
}

func recalculate(s domain.ShiftReport) domain.ShiftReport {
	s.ExpectedBalance = ExpectedBalance(s)
	s.NetSales = s.TotalSales.Sub(s.TotalRefunds)
	return s
}
