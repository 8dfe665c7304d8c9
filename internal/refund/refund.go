package refund

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/money"
)

type ItemInput struct {
	ID      string
	Request domain.RefundItemRequest
}

type CreateInput struct {
	ID          string
	Order       domain.Order
	Siblings    []domain.Refund
	Type        domain.RefundType
	Amount      decimal.Decimal
	Reason      string
	Items       []ItemInput
	RequestedBy string
	ShiftRef    string
	At          time.Time
}

// New validates a refund request against the order and the refunds already
// issued for it, and returns it PENDING.
func New(in CreateInput) (domain.Refund, error) {
	if in.ID == "" || in.RequestedBy == "" {
		return domain.Refund{}, domain.Invalidf("refund id and requester are required")
	}
	if in.Type != domain.RefundFull && in.Type != domain.RefundPartial {
		return domain.Refund{}, domain.Invalidf("unknown refund type %q", in.Type)
	}
	if !money.IsCents(in.Amount) {
		return domain.Refund{}, domain.Invalidf("refund amount %s has sub-cent precision", in.Amount)
	}
	switch in.Order.Status {
	case domain.OrderCompleted:
	case domain.OrderRefunded:
		return domain.Refund{}, domain.Invalidf("order %s is already fully refunded", in.Order.ID)
	default:
		return domain.Refund{}, domain.Invalidf("order %s is %s; only completed orders can be refunded", in.Order.ID, in.Order.Status)
	}

	r := domain.Refund{
		ID:          in.ID,
		OrderRef:    in.Order.ID,
		Type:        in.Type,
		Reason:      strings.TrimSpace(in.Reason),
		Status:      domain.RefundPending,
		ShiftRef:    in.ShiftRef,
		RequestedBy: in.RequestedBy,
		CreatedAt:   in.At,
		UpdatedAt:   in.At,
	}

	if len(in.Items) == 0 {
		if !in.Amount.IsPositive() {
			return domain.Refund{}, domain.Invalidf("refund amount must be positive")
		}
		r.Items = []domain.RefundItem{{
			ID:            in.ID + "-amount",
			RefundRef:     in.ID,
			Quantity:      1,
			UnitPrice:     in.Amount,
			RefundAmount:  in.Amount,
			RestockingFee: money.Zero,
		}}
	} else {
		for _, item := range in.Items {
			built, err := buildItem(r, in.Order, in.Siblings, item)
			if err != nil {
				return domain.Refund{}, err
			}
			r.Items = append(r.Items, built)
		}
	}

	r = Recalculate(r)
	if len(in.Items) > 0 && in.Amount.IsPositive() && !in.Amount.Equal(r.TotalRefundAmount) {
		return domain.Refund{}, domain.Invalidf("requested amount %s does not match item total %s", in.Amount, r.TotalRefundAmount)
	}
	if err := checkAmount(r, in.Order, in.Siblings); err != nil {
		return domain.Refund{}, err
	}
	return r, nil
}

// AddItem is only allowed while the refund is still awaiting a decision.
func AddItem(r domain.Refund, o domain.Order, siblings []domain.Refund, item ItemInput, at time.Time) (domain.Refund, error) {
	if r.Status != domain.RefundPending {
		return domain.Refund{}, domain.Invalidf("refund %s is %s; items are frozen", r.ID, r.Status)
	}
	built, err := buildItem(r, o, siblings, item)
	if err != nil {
		return domain.Refund{}, err
	}
	next := r.Clone()
	next.Items = append(next.Items, built)
	next.UpdatedAt = at
	return Recalculate(next), nil
}

func RemoveItem(r domain.Refund, itemID string, at time.Time) (domain.Refund, error) {
	if r.Status != domain.RefundPending {
		return domain.Refund{}, domain.Invalidf("refund %s is %s; items are frozen", r.ID, r.Status)
	}
	next := r.Clone()
	for i, item := range next.Items {
		if item.ID == itemID {
			next.Items = append(next.Items[:i], next.Items[i+1:]...)
			next.UpdatedAt = at
			return Recalculate(next), nil
		}
	}
	return domain.Refund{}, domain.NotFoundf("refund item %s", itemID)
}

// Recalculate derives the refund totals from its items.
func Recalculate(r domain.Refund) domain.Refund {
	amounts := make([]decimal.Decimal, 0, len(r.Items))
	restocking := make([]decimal.Decimal, 0, len(r.Items))
	for _, item := range r.Items {
		amounts = append(amounts, item.RefundAmount)
		restocking = append(restocking, item.RestockingFee)
	}
	gross, fees := money.Sum(amounts...), money.Sum(restocking...)
	r.RefundAmount = gross
	r.RestockingFee = fees
	r.TotalRefundAmount = gross.Sub(fees)
	return r
}

// Refundable is the order total minus every approved, processing or
// completed refund other than exclude.
func Refundable(o domain.Order, refunds []domain.Refund, exclude string) decimal.Decimal {
	reserved := money.Zero
	for _, r := range refunds {
		if r.ID == exclude || r.OrderRef != o.ID || !r.Status.CountsAgainstOrder() {
			continue
		}
		reserved = reserved.Add(r.TotalRefundAmount)
	}
	return o.TotalAmount.Sub(reserved)
}

// CompletedTotal sums refunds that have actually been paid out.
func CompletedTotal(refunds []domain.Refund) decimal.Decimal {
	total := money.Zero
	for _, r := range refunds {
		if r.Status == domain.RefundCompleted {
			total = total.Add(r.TotalRefundAmount)
		}
	}
	return total
}

func checkAmount(r domain.Refund, o domain.Order, siblings []domain.Refund) error {
	refundable := Refundable(o, siblings, r.ID)
	if !refundable.IsPositive() {
		return domain.Invalidf("order %s has nothing left to refund", o.ID)
	}
	amount := r.TotalRefundAmount
	if !amount.IsPositive() {
		return domain.Invalidf("refund total must be positive, got %s", amount)
	}
	if amount.GreaterThan(refundable) {
		return domain.Invalidf("refund %s exceeds refundable amount %s", amount, refundable)
	}
	if r.Type == domain.RefundFull && !amount.Equal(refundable) {
		return domain.Invalidf("full refund must equal refundable amount %s, got %s", refundable, amount)
	}
	return nil
}

func buildItem(r domain.Refund, o domain.Order, siblings []domain.Refund, in ItemInput) (domain.RefundItem, error) {
	req := in.Request
	line, _, ok := o.Line(req.OriginalLineRef)
	if !ok {
		return domain.RefundItem{}, domain.NotFoundf("line %s on order %s", req.OriginalLineRef, o.ID)
	}
	if req.Quantity < 1 {
		return domain.RefundItem{}, domain.Invalidf("refund quantity must be positive")
	}
	taken := refundedQuantity(line.ID, r, siblings)
	if taken+req.Quantity > line.Quantity {
		return domain.RefundItem{}, domain.Invalidf("line %s has %d units left to refund, requested %d", line.ID, line.Quantity-taken, req.Quantity)
	}
	if req.RestockingFee.IsNegative() {
		return domain.RefundItem{}, domain.Invalidf("restocking fee cannot be negative")
	}
	if !money.IsCents(req.RestockingFee) {
		return domain.RefundItem{}, domain.Invalidf("restocking fee %s has sub-cent precision", req.RestockingFee)
	}
	if req.IsExchange && (req.ExchangeProductRef == "" || req.ExchangeQuantity < 1) {
		return domain.RefundItem{}, domain.Invalidf("exchange needs a product and a positive quantity")
	}

	share := LineShares(o)[line.ID]
	unitPrice := UnitRefundPrice(o, line)
	amount := shareOfUnits(share, line.Quantity, taken+req.Quantity).Sub(shareOfUnits(share, line.Quantity, taken))
	if req.RefundAmount != nil {
		amount = *req.RefundAmount
		if amount.IsNegative() {
			return domain.RefundItem{}, domain.Invalidf("refund amount cannot be negative")
		}
		if !money.IsCents(amount) {
			return domain.RefundItem{}, domain.Invalidf("refund amount %s has sub-cent precision", amount)
		}
	}
	if req.RestockingFee.GreaterThan(amount) {
		return domain.RefundItem{}, domain.Invalidf("restocking fee %s exceeds item refund %s", req.RestockingFee, amount)
	}

	return domain.RefundItem{
		ID:                 in.ID,
		RefundRef:          r.ID,
		OriginalLineRef:    line.ID,
		ProductRef:         line.ProductRef,
		Quantity:           req.Quantity,
		UnitPrice:          unitPrice,
		RefundAmount:       amount,
		RestockingFee:      req.RestockingFee,
		IsReturned:         req.IsReturned,
		IsExchange:         req.IsExchange,
		ExchangeProductRef: req.ExchangeProductRef,
		ExchangeQuantity:   req.ExchangeQuantity,
	}, nil
}

// LineShares splits the order total across its lines in proportion to each
// line's final price. Shares are rounded to cents and the rounding remainder
// is carried by the largest line, so the shares add up to the order total.
func LineShares(o domain.Order) map[string]decimal.Decimal {
	shares := make(map[string]decimal.Decimal, len(o.Lines))
	if len(o.Lines) == 0 || !o.Subtotal.IsPositive() {
		return shares
	}
	rounded := make([]decimal.Decimal, 0, len(o.Lines))
	largest := 0
	for i, line := range o.Lines {
		share := money.Round(line.FinalPrice.Mul(o.TotalAmount).Div(o.Subtotal))
		shares[line.ID] = share
		rounded = append(rounded, share)
		if line.FinalPrice.GreaterThan(o.Lines[largest].FinalPrice) {
			largest = i
		}
	}
	if remainder := o.TotalAmount.Sub(money.Sum(rounded...)); !remainder.IsZero() {
		id := o.Lines[largest].ID
		shares[id] = shares[id].Add(remainder)
	}
	return shares
}

// UnitRefundPrice is what one unit of the line cost the customer on average.
// Item refunds are priced from the line share instead, so that returning
// every unit gives back exactly the share.
func UnitRefundPrice(o domain.Order, line domain.LineItem) decimal.Decimal {
	if line.Quantity < 1 {
		return money.Zero
	}
	return shareOfUnits(LineShares(o)[line.ID], line.Quantity, 1)
}

// shareOfUnits is the cumulative refund for the first units of a line.
func shareOfUnits(share decimal.Decimal, quantity int, units int) decimal.Decimal {
	if quantity < 1 || units < 1 {
		return money.Zero
	}
	return money.Round(share.Mul(decimal.NewFromInt(int64(units))).Div(decimal.NewFromInt(int64(quantity))))
}

func refundedQuantity(lineID string, current domain.Refund, siblings []domain.Refund) int {
	qty := 0
	for _, item := range current.Items {
		if item.OriginalLineRef == lineID {
			qty += item.Quantity
		}
	}
	for _, other := range siblings {
		if other.ID == current.ID || !other.Status.CountsAgainstOrder() {
			continue
		}
		for _, item := range other.Items {
			if item.OriginalLineRef == lineID {
				qty += item.Quantity
			}
		}
	}
	return qty
}
