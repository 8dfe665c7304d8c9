package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/lock"
	"kasirinaja/ledger/internal/money"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/store/memory"
)

const testStore = "store-1"

func d(raw string) decimal.Decimal { return money.MustParse(raw) }

type fixture struct {
	svc   *Service
	repo  *memory.Store
	locks *lock.Local
	cache *recordingCache
	logs  *test.Hook
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	repo.PutProduct(domain.PriceSnapshot{ProductRef: "coffee", UnitPrice: d("100"), TaxRatePercent: d("20")})
	repo.PutProduct(domain.PriceSnapshot{ProductRef: "tea", UnitPrice: d("50"), TaxRatePercent: d("0")})
	repo.SetStock(testStore, "coffee", 10)
	repo.SetStock(testStore, "tea", 10)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	locks := lock.NewLocal()
	summaries := newRecordingCache()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := New(repo, Options{
		Locker:         locks,
		Summaries:      summaries,
		Logger:         logger,
		DefaultStoreID: testStore,
		Clock:          func() time.Time { return clock },
	})
	return fixture{svc: svc, repo: repo, locks: locks, cache: summaries, logs: hook}
}

func asCashier(ref string) context.Context {
	return WithActor(context.Background(), domain.Actor{CashierRef: ref})
}

// placeOrder creates 2 x coffee at 10% off with 20% tax: 180 + 36 = 216.
func (f fixture) placeOrder(t *testing.T, ctx context.Context) domain.Order {
	t.Helper()
	o, err := f.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		Lines: []domain.LineRequest{{ProductRef: "coffee", Quantity: 2, DiscountPercent: d("10")}},
	})
	require.NoError(t, err)
	require.True(t, o.TotalAmount.Equal(d("216")), "total %s", o.TotalAmount)
	return o
}

func (f fixture) stock(t *testing.T, product string) int {
	t.Helper()
	qty, err := f.repo.StockLevel(context.Background(), testStore, product)
	require.NoError(t, err)
	return qty
}

func (f fixture) paidOrder(t *testing.T, ctx context.Context) domain.Order {
	t.Helper()
	o := f.placeOrder(t, ctx)
	_, err := f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("216")})
	require.NoError(t, err)
	completed, err := f.svc.CompleteOrder(ctx, o.ID)
	require.NoError(t, err)
	return completed
}

func TestCheckoutShiftReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")

	sh, err := f.svc.OpenShift(ctx, domain.ShiftOpenRequest{RegisterRef: "reg-1", OpeningBalance: d("50")})
	require.NoError(t, err)
	assert.Equal(t, testStore, sh.StoreRef)

	o := f.placeOrder(t, ctx)
	assert.Equal(t, 8, f.stock(t, "coffee"))

	partial, err := f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("100")})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyPaid, partial.Order.PaymentStatus)
	assert.Equal(t, sh.ID, partial.Payment.ShiftRef)

	full, err := f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("116")})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, full.Order.PaymentStatus)
	assert.True(t, full.Change.IsZero())

	completed, err := f.svc.CompleteOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, completed.Status)

	running, err := f.svc.GetActiveShift(ctx)
	require.NoError(t, err)
	assert.True(t, running.ExpectedBalance.Equal(d("266")), "expected %s", running.ExpectedBalance)
	assert.Equal(t, 2, running.PerMethodCounts[domain.PaymentCash])

	closed, err := f.svc.CloseShift(ctx, sh.ID, domain.ShiftCloseRequest{ActualBalance: d("260")})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftClosed, closed.Status)
	assert.True(t, closed.Discrepancy.Equal(d("-6")), "discrepancy %s", closed.Discrepancy)

	_, err = f.svc.GetActiveShift(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	warned := false
	for _, entry := range f.logs.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["shift"] == sh.ID {
			warned = true
		}
	}
	assert.True(t, warned, "discrepancy should be logged")
}

func TestMutationsRequireActor(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), domain.CreateOrderRequest{
		Lines: []domain.LineRequest{{ProductRef: "coffee", Quantity: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.OpenShift(context.Background(), domain.ShiftOpenRequest{RegisterRef: "reg-1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOneActiveShiftPerCashier(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")

	_, err := f.svc.OpenShift(ctx, domain.ShiftOpenRequest{RegisterRef: "reg-1", OpeningBalance: d("10")})
	require.NoError(t, err)
	_, err = f.svc.OpenShift(ctx, domain.ShiftOpenRequest{RegisterRef: "reg-2", OpeningBalance: d("10")})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	_, err = f.svc.OpenShift(asCashier("cashier-2"), domain.ShiftOpenRequest{RegisterRef: "reg-2", OpeningBalance: d("10")})
	assert.NoError(t, err)
}

func TestSuspendedShiftRejectsSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")

	sh, err := f.svc.OpenShift(ctx, domain.ShiftOpenRequest{RegisterRef: "reg-1", OpeningBalance: d("0")})
	require.NoError(t, err)
	o := f.placeOrder(t, ctx)

	_, err = f.svc.SuspendShift(ctx, sh.ID, "lunch")
	require.NoError(t, err)
	_, err = f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("216")})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.RecordCashMovement(ctx, sh.ID, domain.CashMovementRequest{Direction: domain.CashIn, Amount: d("5"), Reason: "float"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.ResumeShift(ctx, sh.ID)
	require.NoError(t, err)
	_, err = f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("216")})
	require.NoError(t, err)

	updated, err := f.svc.RecordCashMovement(ctx, sh.ID, domain.CashMovementRequest{Direction: domain.CashOut, Amount: d("16"), Reason: "supplies"})
	require.NoError(t, err)
	assert.True(t, updated.ExpectedBalance.Equal(d("200")))
	require.Len(t, updated.CashMovements, 1)
	assert.Equal(t, "cashier-1", updated.CashMovements[0].CashierRef)
}

func TestLineEditsMoveStock(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")
	o := f.placeOrder(t, ctx)

	o, err := f.svc.AddLine(ctx, o.ID, domain.LineRequest{ProductRef: "tea", Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, f.stock(t, "tea"))
	assert.True(t, o.TotalAmount.Equal(d("366")))

	teaLine := o.Lines[1]
	qty := 1
	o, err = f.svc.UpdateLine(ctx, o.ID, teaLine.ID, domain.UpdateLineRequest{Quantity: &qty})
	require.NoError(t, err)
	assert.Equal(t, 9, f.stock(t, "tea"))

	o, err = f.svc.RemoveLine(ctx, o.ID, teaLine.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, f.stock(t, "tea"))
	assert.Len(t, o.Lines, 1)

	o, err = f.svc.SetGlobalDiscount(ctx, o.ID, domain.GlobalDiscountRequest{Fixed: d("16")})
	require.NoError(t, err)
	assert.True(t, o.TotalAmount.Equal(d("200")))
}

func TestInsufficientStockLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")

	_, err := f.svc.CreateOrder(ctx, domain.CreateOrderRequest{
		Lines: []domain.LineRequest{{ProductRef: "coffee", Quantity: 11}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 10, f.stock(t, "coffee"))

	logs, err := f.svc.ListAuditLogs(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCancelOrderReversesShiftAndStock(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")

	sh, err := f.svc.OpenShift(ctx, domain.ShiftOpenRequest{RegisterRef: "reg-1", OpeningBalance: d("50")})
	require.NoError(t, err)
	o := f.placeOrder(t, ctx)
	_, err = f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("100")})
	require.NoError(t, err)
	_, err = f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCredit, Amount: d("116")})
	require.NoError(t, err)

	resp, err := f.svc.CancelOrder(ctx, o.ID, "customer left")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, resp.Order.Status)
	assert.Len(t, resp.CancelledPayments, 2)
	assert.Equal(t, []domain.StockMovement{{ProductRef: "coffee", Quantity: 2}}, resp.RestoredStock)
	assert.Equal(t, 10, f.stock(t, "coffee"))

	after, err := f.svc.GetShift(ctx, sh.ID)
	require.NoError(t, err)
	assert.True(t, after.TotalSales.IsZero())
	assert.True(t, after.ExpectedBalance.Equal(d("50")))
	assert.True(t, after.TotalCancellations.Equal(d("100")))
	assert.Equal(t, 0, after.PerMethodCounts[domain.PaymentCash])

	_, err = f.svc.CancelOrder(ctx, o.ID, "again")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestCancelPaymentBacksOutSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")

	sh, err := f.svc.OpenShift(ctx, domain.ShiftOpenRequest{RegisterRef: "reg-1", OpeningBalance: d("0")})
	require.NoError(t, err)
	o := f.placeOrder(t, ctx)
	paid, err := f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCreditCard, Amount: d("216")})
	require.NoError(t, err)

	next, err := f.svc.CancelPayment(ctx, o.ID, paid.Payment.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnpaid, next.PaymentStatus)

	after, err := f.svc.GetShift(ctx, sh.ID)
	require.NoError(t, err)
	assert.True(t, after.TotalSales.IsZero())
	assert.True(t, after.TotalCancellations.IsZero())
}

func TestFullRefundLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")

	sh, err := f.svc.OpenShift(ctx, domain.ShiftOpenRequest{RegisterRef: "reg-1", OpeningBalance: d("50")})
	require.NoError(t, err)
	o := f.paidOrder(t, ctx)

	r, err := f.svc.CreateRefund(ctx, domain.RefundCreateRequest{OrderRef: o.ID, Type: domain.RefundFull, Amount: d("216"), Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundPending, r.Status)
	assert.Equal(t, sh.ID, r.ShiftRef)

	manager := asCashier("manager-1")
	r, err = f.svc.ApproveRefund(manager, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "manager-1", r.DecidedBy)

	_, err = f.svc.CreateRefund(ctx, domain.RefundCreateRequest{OrderRef: o.ID, Type: domain.RefundPartial, Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	r, err = f.svc.StartRefundProcessing(manager, r.ID)
	require.NoError(t, err)
	r, err = f.svc.CompleteRefund(manager, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)

	refunded, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRefunded, refunded.Status)

	after, err := f.svc.GetShift(ctx, sh.ID)
	require.NoError(t, err)
	assert.True(t, after.TotalRefunds.Equal(d("216")))
	assert.True(t, after.ExpectedBalance.Equal(d("50")))

	_, err = f.svc.CreateRefund(ctx, domain.RefundCreateRequest{OrderRef: o.ID, Type: domain.RefundPartial, Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestItemRefundReturnsStock(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")
	o := f.paidOrder(t, ctx)
	require.Equal(t, 8, f.stock(t, "coffee"))

	r, err := f.svc.CreateRefund(ctx, domain.RefundCreateRequest{
		OrderRef: o.ID,
		Type:     domain.RefundPartial,
		Items:    []domain.RefundItemRequest{{OriginalLineRef: o.Lines[0].ID, Quantity: 1, IsReturned: true, RestockingFee: d("8")}},
	})
	require.NoError(t, err)
	assert.True(t, r.TotalRefundAmount.Equal(d("100")))
	assert.Empty(t, r.ShiftRef)

	r, err = f.svc.AddRefundItem(ctx, r.ID, domain.RefundItemRequest{OriginalLineRef: o.Lines[0].ID, Quantity: 1})
	require.NoError(t, err)
	require.Len(t, r.Items, 2)
	r, err = f.svc.RemoveRefundItem(ctx, r.ID, r.Items[1].ID)
	require.NoError(t, err)
	require.Len(t, r.Items, 1)

	_, err = f.svc.ApproveRefund(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.svc.StartRefundProcessing(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.svc.CompleteRefund(ctx, r.ID)
	require.NoError(t, err)

	assert.Equal(t, 9, f.stock(t, "coffee"))
	still, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, still.Status)
}

func TestRefundRejectAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")
	o := f.paidOrder(t, ctx)

	first, err := f.svc.CreateRefund(ctx, domain.RefundCreateRequest{OrderRef: o.ID, Type: domain.RefundPartial, Amount: d("50")})
	require.NoError(t, err)
	rejected, err := f.svc.RejectRefund(ctx, first.ID, "no receipt")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundRejected, rejected.Status)
	assert.Equal(t, "no receipt", rejected.RejectionReason)

	second, err := f.svc.CreateRefund(ctx, domain.RefundCreateRequest{OrderRef: o.ID, Type: domain.RefundPartial, Amount: d("50")})
	require.NoError(t, err)
	cancelled, err := f.svc.CancelRefund(ctx, second.ID, "customer changed mind")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCancelled, cancelled.Status)

	third, err := f.svc.CreateRefund(ctx, domain.RefundCreateRequest{OrderRef: o.ID, Type: domain.RefundPartial, Amount: d("50")})
	require.NoError(t, err)
	_, err = f.svc.ApproveRefund(ctx, third.ID)
	require.NoError(t, err)
	_, err = f.svc.StartRefundProcessing(ctx, third.ID)
	require.NoError(t, err)
	failed, err := f.svc.FailRefund(ctx, third.ID, "gateway down")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundFailed, failed.Status)

	_, err = f.svc.ApproveRefund(ctx, third.ID)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestHeldLockSurfacesAsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")
	o := f.placeOrder(t, ctx)

	lease, err := f.locks.Acquire(context.Background(), orderKey(o.ID))
	require.NoError(t, err)

	_, err = f.svc.AddLine(ctx, o.ID, domain.LineRequest{ProductRef: "tea", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	require.NoError(t, lease.Release(context.Background()))
	_, err = f.svc.AddLine(ctx, o.ID, domain.LineRequest{ProductRef: "tea", Quantity: 1})
	assert.NoError(t, err)
}

func TestConcurrentPaymentsNeverLoseUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")
	o := f.placeOrder(t, ctx)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("10")})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	}

	stored, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Payments, succeeded)
}

func TestOrderSummaryIsCachedUntilNextWrite(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")
	o := f.placeOrder(t, ctx)
	_, err := f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("250")})
	require.NoError(t, err)

	summary, err := f.svc.OrderSummary(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, summary.AmountPaid.Equal(d("250")))
	assert.True(t, summary.Change.Equal(d("34")))
	assert.True(t, summary.LineDiscount.Equal(d("20")))
	assert.True(t, summary.TaxAmount.Equal(d("36")))
	assert.True(t, summary.RefundableAmount.IsZero())
	require.Len(t, summary.ByMethod, 1)
	assert.Equal(t, 1, f.cache.sets)

	_, err = f.svc.OrderSummary(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.sets)

	_, err = f.svc.CompleteOrder(ctx, o.ID)
	require.NoError(t, err)
	summary, err = f.svc.OrderSummary(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.cache.sets)
	assert.Equal(t, domain.OrderCompleted, summary.Status)
	assert.True(t, summary.RefundableAmount.Equal(d("216")))
}

func TestSummaryBuiltBeforeAWriteIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")
	o := f.placeOrder(t, ctx)

	var once sync.Once
	interleaved := &interleavingRepo{Repository: f.repo, afterRefundList: func() {
		once.Do(func() {
			_, err := f.svc.AddPayment(ctx, o.ID, domain.PaymentRequest{Method: domain.PaymentCash, Amount: d("100")})
			require.NoError(t, err)
		})
	}}
	logger, _ := test.NewNullLogger()
	reader := New(interleaved, Options{Locker: f.locks, Summaries: f.cache, Logger: logger, DefaultStoreID: testStore})

	stale, err := reader.OrderSummary(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stale.AmountPaid.IsZero())
	assert.Equal(t, 0, f.cache.sets, "projection read before the payment must not be cached")

	fresh, err := f.svc.OrderSummary(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, fresh.AmountPaid.Equal(d("100")))
	assert.Equal(t, domain.PaymentStatusPartiallyPaid, fresh.PaymentStatus)
	assert.Equal(t, 1, f.cache.sets)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := asCashier("cashier-1")
	o := f.paidOrder(t, ctx)

	logs, err := f.svc.ListAuditLogs(ctx, store.AuditFilter{EntityType: "order", EntityID: o.ID})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "order.complete", logs[0].Action)
	assert.Equal(t, "order.create", logs[2].Action)
	assert.Equal(t, "cashier-1", logs[0].CashierRef)
}

type recordingCache struct {
	mu      sync.Mutex
	entries map[string]domain.OrderSummary
	sets    int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: make(map[string]domain.OrderSummary)}
}

func (c *recordingCache) Get(_ context.Context, orderID string) (*domain.OrderSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary, ok := c.entries[orderID]
	if !ok {
		return nil, false, nil
	}
	return &summary, true, nil
}

func (c *recordingCache) Set(_ context.Context, summary *domain.OrderSummary, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[summary.OrderID] = *summary
	c.sets++
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orderID)
	return nil
}

// interleavingRepo runs a hook after listing refunds, between the summary
// reader's load and its cache write.
type interleavingRepo struct {
	store.Repository
	afterRefundList func()
}

func (r *interleavingRepo) ListRefundsByOrder(ctx context.Context, orderRef string) ([]domain.Refund, error) {
	refunds, err := r.Repository.ListRefundsByOrder(ctx, orderRef)
	r.afterRefundList()
	return refunds, err
}
