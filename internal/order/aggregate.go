// Package order owns the order aggregate: line pricing roll-up, the payment
// ledger and the PENDING/COMPLETED/CANCELLED/REFUNDED lifecycle. Every
// function takes the current aggregate by value and returns the next state;
// on error the caller keeps what it had.
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/money"
	"kasirinaja/ledger/internal/pricing"
)

// New builds a PENDING order from priced lines and rejects a non-positive total.
func New(id string, storeRef string, cashierRef string, lines []domain.LineItem, discountPercent decimal.Decimal, discountFixed decimal.Decimal, at time.Time) (domain.Order, error) {
	if id == "" || cashierRef == "" {
		return domain.Order{}, domain.Invalidf("order id and cashier are required")
	}
	if len(lines) == 0 {
		return domain.Order{}, domain.Invalidf("order needs at least one line")
	}

	o := domain.Order{
		ID:                    id,
		StoreRef:              storeRef,
		CashierRef:            cashierRef,
		Lines:                 lines,
		GlobalDiscountPercent: discountPercent,
		GlobalDiscountFixed:   discountFixed,
		Status:                domain.OrderPending,
		PaymentStatus:         domain.PaymentStatusUnpaid,
		CreatedAt:             at,
	}
	o, err := Recompute(o)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.TotalAmount.IsPositive() {
		return domain.Order{}, domain.Invalidf("order total must be positive, got %s", o.TotalAmount)
	}
	return o, nil
}

// Recompute re-prices every line and derives subtotal, global discount,
// total and payment status from scratch. It is idempotent.
func Recompute(o domain.Order) (domain.Order, error) {
	o = o.Clone()
	if !money.IsValidPercent(o.GlobalDiscountPercent) {
		return domain.Order{}, domain.Invalidf("global discount percent %s out of range", o.GlobalDiscountPercent)
	}
	if o.GlobalDiscountFixed.IsNegative() {
		return domain.Order{}, domain.Invalidf("global fixed discount cannot be negative")
	}
	if !money.IsCents(o.GlobalDiscountFixed) {
		return domain.Order{}, domain.Invalidf("global fixed discount %s has sub-cent precision", o.GlobalDiscountFixed)
	}

	subtotal := money.Zero
	for i, line := range o.Lines {
		priced, err := pricing.Reprice(line)
		if err != nil {
			return domain.Order{}, err
		}
		o.Lines[i] = priced
		subtotal = subtotal.Add(priced.FinalPrice)
	}

	globalDiscount := money.Percent(subtotal, o.GlobalDiscountPercent).Add(o.GlobalDiscountFixed)
	total := subtotal.Sub(globalDiscount)
	if total.IsNegative() {
		return domain.Order{}, domain.Invalidf("discount %s exceeds subtotal %s", globalDiscount, subtotal)
	}

	o.Subtotal = subtotal
	o.GlobalDiscount = globalDiscount
	o.TotalAmount = total
	o.PaymentStatus = DerivePaymentStatus(o.Payments, total)
	return o, nil
}

func AddLine(o domain.Order, line domain.LineItem) (domain.Order, error) {
	if err := requireOpen(o); err != nil {
		return domain.Order{}, err
	}
	if line.ID == "" || line.ProductRef == "" {
		return domain.Order{}, domain.Invalidf("line id and product are required")
	}
	if _, _, exists := o.Line(line.ID); exists {
		return domain.Order{}, domain.Invalidf("line %s already on order", line.ID)
	}
	next := o.Clone()
	next.Lines = append(next.Lines, line)
	return Recompute(next)
}

func RemoveLine(o domain.Order, lineID string) (domain.Order, domain.LineItem, error) {
	if err := requireOpen(o); err != nil {
		return domain.Order{}, domain.LineItem{}, err
	}
	removed, idx, ok := o.Line(lineID)
	if !ok {
		return domain.Order{}, domain.LineItem{}, domain.NotFoundf("line %s", lineID)
	}
	next := o.Clone()
	next.Lines = append(next.Lines[:idx], next.Lines[idx+1:]...)
	next, err := Recompute(next)
	if err != nil {
		return domain.Order{}, domain.LineItem{}, err
	}
	return next, removed, nil
}

// LineChange carries the fields of a line that may be edited in place. Nil
// fields are left as they are.
type LineChange struct {
	Quantity        *int
	DiscountPercent *decimal.Decimal
	DiscountFixed   *decimal.Decimal
}

func UpdateLine(o domain.Order, lineID string, change LineChange) (domain.Order, error) {
	if err := requireOpen(o); err != nil {
		return domain.Order{}, err
	}
	line, idx, ok := o.Line(lineID)
	if !ok {
		return domain.Order{}, domain.NotFoundf("line %s", lineID)
	}
	if change.Quantity != nil {
		line.Quantity = *change.Quantity
	}
	if change.DiscountPercent != nil {
		line.DiscountPercent = *change.DiscountPercent
	}
	if change.DiscountFixed != nil {
		line.DiscountFixed = *change.DiscountFixed
	}
	next := o.Clone()
	next.Lines[idx] = line
	return Recompute(next)
}

func SetGlobalDiscount(o domain.Order, percent decimal.Decimal, fixed decimal.Decimal) (domain.Order, error) {
	if err := requireOpen(o); err != nil {
		return domain.Order{}, err
	}
	next := o.Clone()
	next.GlobalDiscountPercent = percent
	next.GlobalDiscountFixed = fixed
	return Recompute(next)
}

// LineTotals sums the per-line discount and tax amounts.
func LineTotals(o domain.Order) (discount decimal.Decimal, tax decimal.Decimal) {
	discount, tax = money.Zero, money.Zero
	for _, line := range o.Lines {
		discount = discount.Add(line.DiscountAmount)
		tax = tax.Add(line.TaxAmount)
	}
	return discount, tax
}

func requireOpen(o domain.Order) error {
	if o.Status != domain.OrderPending {
		return domain.Invalidf("order %s is %s and can no longer be modified", o.ID, o.Status)
	}
	return nil
}
