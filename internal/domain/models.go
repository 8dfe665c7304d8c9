package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	CashierRef string
}

type LineItem struct {
	ID              string          `json:"id"`
	ProductRef      string          `json:"product_ref"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TaxRatePercent  decimal.Decimal `json:"tax_rate_percent"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountFixed   decimal.Decimal `json:"discount_fixed"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	FinalPrice      decimal.Decimal `json:"final_price"`
}

type Order struct {
	ID                    string          `json:"id"`
	StoreRef              string          `json:"store_ref"`
	CashierRef            string          `json:"cashier_ref"`
	Lines                 []LineItem      `json:"lines"`
	GlobalDiscountPercent decimal.Decimal `json:"global_discount_percent"`
	GlobalDiscountFixed   decimal.Decimal `json:"global_discount_fixed"`
	Subtotal              decimal.Decimal `json:"subtotal"`
	GlobalDiscount        decimal.Decimal `json:"global_discount"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	Payments              []Payment       `json:"payments"`
	Status                OrderStatus     `json:"status"`
	PaymentStatus         PaymentStatus   `json:"payment_status"`
	Notes                 string          `json:"notes,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	CancelledAt           *time.Time      `json:"cancelled_at,omitempty"`
	RefundedAt            *time.Time      `json:"refunded_at,omitempty"`
}

// Clone returns a copy whose lines and payments can be mutated without
// touching the receiver.
func (o Order) Clone() Order {
	o.Lines = slices.Clone(o.Lines)
	o.Payments = slices.Clone(o.Payments)
	return o
}

func (o Order) Line(id string) (LineItem, int, bool) {
	for i, line := range o.Lines {
		if line.ID == id {
			return line, i, true
		}
	}
	return LineItem{}, -1, false
}

type Payment struct {
	ID           string          `json:"id"`
	OrderRef     string          `json:"order_ref"`
	Method       PaymentMethod   `json:"method"`
	Amount       decimal.Decimal `json:"amount"`
	Status       PaymentState    `json:"status"`
	IsActive     bool            `json:"is_active"`
	ShiftRef     string          `json:"shift_ref,omitempty"`
	CashierRef   string          `json:"cashier_ref"`
	Reference    string          `json:"reference,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsSettlement reports whether the payment counts as funds actually received.
func (p Payment) IsSettlement() bool {
	return p.IsActive && p.Method != PaymentCredit && p.Status == PaymentStatePaid
}

type CashMovement struct {
	ID         string          `json:"id"`
	Direction  CashDirection   `json:"direction"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	CashierRef string          `json:"cashier_ref"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ShiftReport struct {
	ID                 string                            `json:"id"`
	StoreRef           string                            `json:"store_ref"`
	CashierRef         string                            `json:"cashier_ref"`
	RegisterRef        string                            `json:"register_ref"`
	OpeningBalance     decimal.Decimal                   `json:"opening_balance"`
	ActualBalance      decimal.Decimal                   `json:"actual_balance"`
	ClosingBalance     decimal.Decimal                   `json:"closing_balance"`
	ExpectedBalance    decimal.Decimal                   `json:"expected_balance"`
	Discrepancy        decimal.Decimal                   `json:"discrepancy"`
	TotalSales         decimal.Decimal                   `json:"total_sales"`
	TotalRefunds       decimal.Decimal                   `json:"total_refunds"`
	NetSales           decimal.Decimal                   `json:"net_sales"`
	TotalCashIn        decimal.Decimal                   `json:"total_cash_in"`
	TotalCashOut       decimal.Decimal                   `json:"total_cash_out"`
	TotalCancellations decimal.Decimal                   `json:"total_cancellations"`
	PerMethodTotals    map[PaymentMethod]decimal.Decimal `json:"per_method_totals"`
	PerMethodCounts    map[PaymentMethod]int             `json:"per_method_counts"`
	Status             ShiftStatus                       `json:"status"`
	SuspendReason      string                            `json:"suspend_reason,omitempty"`
	Notes              string                            `json:"notes,omitempty"`
	CashMovements      []CashMovement                    `json:"cash_movements"`
	Version            int64                             `json:"version"`
	OpenedAt           time.Time                         `json:"opened_at"`
	ClosedAt           *time.Time                        `json:"closed_at,omitempty"`
}

func (s ShiftReport) Clone() ShiftReport {
	s.PerMethodTotals = maps.Clone(s.PerMethodTotals)
	s.PerMethodCounts = maps.Clone(s.PerMethodCounts)
	s.CashMovements = slices.Clone(s.CashMovements)
	return s
}

type RefundItem struct {
	ID                 string          `json:"id"`
	RefundRef          string          `json:"refund_ref"`
	OriginalLineRef    string          `json:"original_line_ref,omitempty"`
	ProductRef         string          `json:"product_ref,omitempty"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	RefundAmount       decimal.Decimal `json:"refund_amount"`
	RestockingFee      decimal.Decimal `json:"restocking_fee"`
	IsReturned         bool            `json:"is_returned"`
	IsExchange         bool            `json:"is_exchange"`
	ExchangeProductRef string          `json:"exchange_product_ref,omitempty"`
	ExchangeQuantity   int             `json:"exchange_quantity,omitempty"`
}

type Refund struct {
	ID                string          `json:"id"`
	OrderRef          string          `json:"order_ref"`
	Type              RefundType      `json:"type"`
	Reason            string          `json:"reason"`
	Items             []RefundItem    `json:"items"`
	RefundAmount      decimal.Decimal `json:"refund_amount"`
	RestockingFee     decimal.Decimal `json:"restocking_fee"`
	TotalRefundAmount decimal.Decimal `json:"total_refund_amount"`
	Status            RefundStatus    `json:"status"`
	ShiftRef          string          `json:"shift_ref,omitempty"`
	RequestedBy       string          `json:"requested_by"`
	DecidedBy         string          `json:"decided_by,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

func (r Refund) Clone() Refund {
	r.Items = slices.Clone(r.Items)
	return r
}

type PriceSnapshot struct {
	ProductRef     string          `json:"product_ref"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
}

type StockMovement struct {
	ProductRef string `json:"product_ref"`
	Quantity   int    `json:"quantity"`
}

type MethodTotal struct {
	Method PaymentMethod   `json:"method"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderSummary is the read-only projection handed to receipt, invoice and
// notification consumers.
type OrderSummary struct {
	OrderID          string          `json:"order_id"`
	Status           OrderStatus     `json:"status"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	LineDiscount     decimal.Decimal `json:"line_discount"`
	GlobalDiscount   decimal.Decimal `json:"global_discount"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	AmountCredit     decimal.Decimal `json:"amount_credit"`
	Change           decimal.Decimal `json:"change"`
	RefundedAmount   decimal.Decimal `json:"refunded_amount"`
	RefundableAmount decimal.Decimal `json:"refundable_amount"`
	ByMethod         []MethodTotal   `json:"by_method"`
	Version          int64           `json:"version"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	StoreRef   string    `json:"store_ref"`
	CashierRef string    `json:"cashier_ref"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
