package order

import (
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/money"
	"kasirinaja/ledger/internal/shift"
)

type PaymentInput struct {
	ID         string
	Method     domain.PaymentMethod
	Amount     decimal.Decimal
	CashierRef string
	Reference  string
	At         time.Time
	// Shift is the cashier's current shift, if any. Settlements are rolled
	// into it.
	Shift *domain.ShiftReport
}

type PaymentResult struct {
	Payment domain.Payment
	Order   domain.Order
	Shift   *domain.ShiftReport
	Change  decimal.Decimal
}

// AddPayment appends a ledger entry and re-derives the order's payment status.
// Over-payment is accepted and surfaced as change.
func AddPayment(o domain.Order, in PaymentInput) (PaymentResult, error) {
	if !in.Method.Valid() {
		return PaymentResult{}, domain.Invalidf("unsupported payment method %q", in.Method)
	}
	if !in.Amount.IsPositive() {
		return PaymentResult{}, domain.Invalidf("payment amount must be positive")
	}
	if !money.IsCents(in.Amount) {
		return PaymentResult{}, domain.Invalidf("payment amount %s has sub-cent precision", in.Amount)
	}
	if in.ID == "" || in.CashierRef == "" {
		return PaymentResult{}, domain.Invalidf("payment id and cashier are required")
	}
	switch o.Status {
	case domain.OrderCancelled, domain.OrderCompleted, domain.OrderRefunded:
		return PaymentResult{}, domain.Invalidf("order %s is %s and accepts no payments", o.ID, o.Status)
	}

	payment := domain.Payment{
		ID:         in.ID,
		OrderRef:   o.ID,
		Method:     in.Method,
		Amount:     in.Amount,
		Status:     domain.PaymentStatePaid,
		IsActive:   true,
		CashierRef: in.CashierRef,
		Reference:  in.Reference,
		CreatedAt:  in.At,
	}
	if in.Method == domain.PaymentCredit {
		payment.Status = domain.PaymentStateCredit
	}

	var nextShift *domain.ShiftReport
	if in.Shift != nil {
		payment.ShiftRef = in.Shift.ID
		if payment.IsSettlement() {
			if in.Shift.Status == domain.ShiftSuspended {
				return PaymentResult{}, domain.Invalidf("shift %s is suspended", in.Shift.ID)
			}
			updated, err := shift.AddSale(*in.Shift, payment.Amount, payment.Method)
			if err != nil {
				return PaymentResult{}, err
			}
			nextShift = &updated
		}
	}

	next := o.Clone()
	next.Payments = append(next.Payments, payment)
	next.PaymentStatus = DerivePaymentStatus(next.Payments, next.TotalAmount)

	return PaymentResult{
		Payment: payment,
		Order:   next,
		Shift:   nextShift,
		Change:  Change(next),
	}, nil
}

// CancelPayment deactivates a ledger entry. It never touches shift totals;
// the caller reverses those in the same unit of work.
func CancelPayment(o domain.Order, paymentID string, reason string, at time.Time) (domain.Order, domain.Payment, error) {
	if o.Status != domain.OrderPending {
		return domain.Order{}, domain.Payment{}, domain.Invalidf("payments of a %s order cannot be cancelled", o.Status)
	}
	next := o.Clone()
	for i, payment := range next.Payments {
		if payment.ID != paymentID {
			continue
		}
		if payment.Status == domain.PaymentStateCancelled {
			return domain.Order{}, domain.Payment{}, domain.IllegalTransition("payment", payment.Status, domain.PaymentStateCancelled)
		}
		cancelledAt := at
		payment.Status = domain.PaymentStateCancelled
		payment.IsActive = false
		payment.CancelReason = reason
		payment.CancelledAt = &cancelledAt
		next.Payments[i] = payment
		next.PaymentStatus = DerivePaymentStatus(next.Payments, next.TotalAmount)
		return next, payment, nil
	}
	return domain.Order{}, domain.Payment{}, domain.NotFoundf("payment %s on order %s", paymentID, o.ID)
}

// LedgerTotals returns the settled amount and the amount on credit, counting
// active entries only.
func LedgerTotals(payments []domain.Payment) (paid decimal.Decimal, credit decimal.Decimal) {
	paid, credit = money.Zero, money.Zero
	for _, p := range payments {
		if !p.IsActive {
			continue
		}
		switch {
		case p.Method == domain.PaymentCredit && p.Status == domain.PaymentStateCredit:
			credit = credit.Add(p.Amount)
		case p.Method != domain.PaymentCredit && p.Status == domain.PaymentStatePaid:
			paid = paid.Add(p.Amount)
		}
	}
	return paid, credit
}

func DerivePaymentStatus(payments []domain.Payment, total decimal.Decimal) domain.PaymentStatus {
	paid, credit := LedgerTotals(payments)
	switch {
	case paid.GreaterThanOrEqual(total):
		return domain.PaymentStatusPaid
	case credit.GreaterThanOrEqual(total) && paid.IsZero():
		return domain.PaymentStatusCredit
	case paid.Add(credit).IsPositive():
		return domain.PaymentStatusPartiallyPaid
	default:
		return domain.PaymentStatusUnpaid
	}
}

func Change(o domain.Order) decimal.Decimal {
	paid, _ := LedgerTotals(o.Payments)
	return money.Max(money.Zero, paid.Sub(o.TotalAmount))
}

// Breakdown groups active payments by method in the canonical method order.
func Breakdown(o domain.Order) []domain.MethodTotal {
	byMethod := make(map[domain.PaymentMethod]domain.MethodTotal)
	for _, p := range o.Payments {
		if !p.IsActive {
			continue
		}
		current := byMethod[p.Method]
		current.Method = p.Method
		current.Count++
		current.Amount = current.Amount.Add(p.Amount)
		byMethod[p.Method] = current
	}
	out := make([]domain.MethodTotal, 0, len(byMethod))
	for _, method := range domain.PaymentMethods {
		if total, ok := byMethod[method]; ok {
			out = append(out, total)
		}
	}
	return out
}
