package order

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/money"
	"kasirinaja/ledger/internal/shift"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func d(raw string) decimal.Decimal { return money.MustParse(raw) }

func line(id string, product string, qty int, price string, discountPct string, taxPct string) domain.LineItem {
	return domain.LineItem{
		ID:              id,
		ProductRef:      product,
		Quantity:        qty,
		UnitPrice:       d(price),
		DiscountPercent: d(discountPct),
		TaxRatePercent:  d(taxPct),
	}
}

func newOrder(t *testing.T) domain.Order {
	t.Helper()
	o, err := New("ord-1", "store-1", "cashier-1", []domain.LineItem{line("l1", "coffee", 2, "100", "10", "20")}, money.Zero, money.Zero, now)
	require.NoError(t, err)
	return o
}

func pay(t *testing.T, o domain.Order, id string, method domain.PaymentMethod, amount string) PaymentResult {
	t.Helper()
	res, err := AddPayment(o, PaymentInput{ID: id, Method: method, Amount: d(amount), CashierRef: "cashier-1", At: now})
	require.NoError(t, err)
	return res
}

func TestNewOrderTotals(t *testing.T) {
	o := newOrder(t)

	assert.Equal(t, domain.OrderPending, o.Status)
	assert.Equal(t, domain.PaymentStatusUnpaid, o.PaymentStatus)
	assert.True(t, o.Subtotal.Equal(d("216")))
	assert.True(t, o.GlobalDiscount.IsZero())
	assert.True(t, o.TotalAmount.Equal(d("216")))
}

func TestNewOrderRejectsEmptyAndZeroTotal(t *testing.T) {
	_, err := New("ord-1", "store-1", "cashier-1", nil, money.Zero, money.Zero, now)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = New("ord-1", "store-1", "cashier-1", []domain.LineItem{line("l1", "coffee", 1, "10", "100", "0")}, money.Zero, money.Zero, now)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGlobalDiscountSumsPercentAndFixed(t *testing.T) {
	o, err := New("ord-1", "store-1", "cashier-1", []domain.LineItem{line("l1", "coffee", 2, "100", "0", "0")}, d("10"), d("5"), now)
	require.NoError(t, err)

	assert.True(t, o.GlobalDiscount.Equal(d("25")), "got %s", o.GlobalDiscount)
	assert.True(t, o.TotalAmount.Equal(d("175")))
}

func TestGlobalDiscountCannotExceedSubtotal(t *testing.T) {
	o := newOrder(t)
	_, err := SetGlobalDiscount(o, money.Zero, d("300"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = SetGlobalDiscount(o, d("101"), money.Zero)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubCentDiscountNeverReachesTotals(t *testing.T) {
	o := newOrder(t)
	_, err := SetGlobalDiscount(o, money.Zero, decimal.RequireFromString("0.005"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = New("ord-2", "store-1", "cashier-1", []domain.LineItem{line("l1", "coffee", 2, "100", "10", "20")}, money.Zero, decimal.RequireFromString("1.001"), now)
	assert.ErrorIs(t, err, domain.ErrValidation)

	res := pay(t, o, "p1", domain.PaymentCash, "216")
	assert.Equal(t, domain.PaymentStatusPaid, res.Order.PaymentStatus)
	assert.True(t, res.Change.IsZero())
}

func TestRecomputeIsIdempotent(t *testing.T) {
	o := newOrder(t)
	again, err := Recompute(o)
	require.NoError(t, err)
	assert.Equal(t, o, again)
}

func TestLineEditsRecomputeTotals(t *testing.T) {
	o := newOrder(t)

	o, err := AddLine(o, line("l2", "tea", 1, "10", "0", "0"))
	require.NoError(t, err)
	assert.True(t, o.TotalAmount.Equal(d("226")))

	_, err = AddLine(o, line("l2", "tea", 1, "10", "0", "0"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	qty := 3
	o, err = UpdateLine(o, "l2", LineChange{Quantity: &qty})
	require.NoError(t, err)
	assert.True(t, o.TotalAmount.Equal(d("246")))

	o, removed, err := RemoveLine(o, "l2")
	require.NoError(t, err)
	assert.Equal(t, 3, removed.Quantity)
	assert.True(t, o.TotalAmount.Equal(d("216")))

	_, _, err = RemoveLine(o, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPartialThenFullPayment(t *testing.T) {
	o := newOrder(t)

	first := pay(t, o, "p1", domain.PaymentCash, "100")
	assert.Equal(t, domain.PaymentStatusPartiallyPaid, first.Order.PaymentStatus)
	assert.True(t, first.Change.IsZero())

	second := pay(t, first.Order, "p2", domain.PaymentCreditCard, "116")
	assert.Equal(t, domain.PaymentStatusPaid, second.Order.PaymentStatus)
	assert.True(t, second.Change.IsZero())
	assert.Len(t, second.Order.Payments, 2)
	assert.Len(t, o.Payments, 0, "input order must stay untouched")
}

func TestOverpaymentYieldsChange(t *testing.T) {
	res := pay(t, newOrder(t), "p1", domain.PaymentCash, "250")
	assert.Equal(t, domain.PaymentStatusPaid, res.Order.PaymentStatus)
	assert.True(t, res.Change.Equal(d("34")), "got %s", res.Change)
}

func TestCreditOnlyOrder(t *testing.T) {
	res := pay(t, newOrder(t), "p1", domain.PaymentCredit, "216")
	assert.Equal(t, domain.PaymentStateCredit, res.Payment.Status)
	assert.Equal(t, domain.PaymentStatusCredit, res.Order.PaymentStatus)

	mixed := pay(t, res.Order, "p2", domain.PaymentCash, "10")
	assert.Equal(t, domain.PaymentStatusPartiallyPaid, mixed.Order.PaymentStatus)
}

func TestAddPaymentValidation(t *testing.T) {
	o := newOrder(t)
	cases := []PaymentInput{
		{ID: "p", Method: "GOLD", Amount: d("1"), CashierRef: "c"},
		{ID: "p", Method: domain.PaymentCash, Amount: money.Zero, CashierRef: "c"},
		{ID: "p", Method: domain.PaymentCash, Amount: decimal.RequireFromString("1.005"), CashierRef: "c"},
		{ID: "", Method: domain.PaymentCash, Amount: d("1"), CashierRef: "c"},
	}
	for _, in := range cases {
		_, err := AddPayment(o, in)
		assert.ErrorIs(t, err, domain.ErrValidation, "input %+v", in)
	}

	cancelled, _, err := Cancel(o, "", now)
	require.NoError(t, err)
	_, err = AddPayment(cancelled, PaymentInput{ID: "p", Method: domain.PaymentCash, Amount: d("1"), CashierRef: "c"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAddPaymentRollsSettlementIntoShift(t *testing.T) {
	s, err := shift.Open(shift.OpenInput{ID: "s1", CashierRef: "cashier-1", RegisterRef: "r1", OpeningBalance: d("50"), At: now})
	require.NoError(t, err)

	res, err := AddPayment(newOrder(t), PaymentInput{ID: "p1", Method: domain.PaymentCash, Amount: d("216"), CashierRef: "cashier-1", Shift: &s})
	require.NoError(t, err)
	require.NotNil(t, res.Shift)
	assert.Equal(t, "s1", res.Payment.ShiftRef)
	assert.True(t, res.Shift.ExpectedBalance.Equal(d("266")))
	assert.Equal(t, 1, res.Shift.PerMethodCounts[domain.PaymentCash])

	credit, err := AddPayment(newOrder(t), PaymentInput{ID: "p2", Method: domain.PaymentCredit, Amount: d("216"), CashierRef: "cashier-1", Shift: &s})
	require.NoError(t, err)
	assert.Nil(t, credit.Shift, "credit is not a settlement")

	suspended, err := shift.Suspend(s, "break")
	require.NoError(t, err)
	_, err = AddPayment(newOrder(t), PaymentInput{ID: "p3", Method: domain.PaymentCash, Amount: d("1"), CashierRef: "cashier-1", Shift: &suspended})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCancelPayment(t *testing.T) {
	res := pay(t, newOrder(t), "p1", domain.PaymentCash, "216")

	o, cancelled, err := CancelPayment(res.Order, "p1", "wrong amount", now)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStateCancelled, cancelled.Status)
	assert.False(t, cancelled.IsActive)
	assert.Equal(t, domain.PaymentStatusUnpaid, o.PaymentStatus)

	_, _, err = CancelPayment(o, "p1", "again", now)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	_, _, err = CancelPayment(o, "nope", "", now)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkCompleted(t *testing.T) {
	o := newOrder(t)
	_, err := MarkCompleted(o, now)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition, "unpaid order")

	partial := pay(t, o, "p1", domain.PaymentCash, "10").Order
	done, err := MarkCompleted(partial, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = MarkCompleted(done, now)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	_, err = AddLine(done, line("l9", "tea", 1, "1", "0", "0"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCancelReturnsStock(t *testing.T) {
	o, err := New("ord-1", "store-1", "cashier-1", []domain.LineItem{
		line("l1", "coffee", 2, "10", "0", "0"),
		line("l2", "tea", 1, "5", "0", "0"),
		line("l3", "coffee", 3, "10", "0", "0"),
	}, money.Zero, money.Zero, now)
	require.NoError(t, err)

	cancelled, moves, err := Cancel(o, "customer left", now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "cancelled: customer left")
	assert.Equal(t, []domain.StockMovement{{ProductRef: "coffee", Quantity: 5}, {ProductRef: "tea", Quantity: 1}}, moves)

	_, _, err = Cancel(cancelled, "", now)
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))
}

func TestMarkRefunded(t *testing.T) {
	o := pay(t, newOrder(t), "p1", domain.PaymentCash, "216").Order
	_, err := MarkRefunded(o, now)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	done, err := MarkCompleted(o, now)
	require.NoError(t, err)
	refunded, err := MarkRefunded(done, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRefunded, refunded.Status)
}

func TestBreakdownFollowsMethodOrder(t *testing.T) {
	o := newOrder(t)
	o = pay(t, o, "p1", domain.PaymentVoucher, "16").Order
	o = pay(t, o, "p2", domain.PaymentCash, "100").Order
	o = pay(t, o, "p3", domain.PaymentCash, "100").Order

	got := Breakdown(o)
	require.Len(t, got, 2)
	assert.Equal(t, domain.PaymentCash, got[0].Method)
	assert.Equal(t, 2, got[0].Count)
	assert.True(t, got[0].Amount.Equal(d("200")))
	assert.Equal(t, domain.PaymentVoucher, got[1].Method)
}
