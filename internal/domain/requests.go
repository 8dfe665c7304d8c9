package domain

import "github.com/shopspring/decimal"

type LineRequest struct {
	ProductRef      string          `json:"product_ref" validate:"required"`
	Quantity        int             `json:"quantity" validate:"gt=0"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountFixed   decimal.Decimal `json:"discount_fixed"`
}

type CreateOrderRequest struct {
	StoreRef              string          `json:"store_ref"`
	Lines                 []LineRequest   `json:"lines" validate:"required,min=1,dive"`
	GlobalDiscountPercent decimal.Decimal `json:"global_discount_percent"`
	GlobalDiscountFixed   decimal.Decimal `json:"global_discount_fixed"`
	Notes                 string          `json:"notes" validate:"max=500"`
}

type UpdateLineRequest struct {
	Quantity        *int             `json:"quantity,omitempty" validate:"omitempty,gt=0"`
	DiscountPercent *decimal.Decimal `json:"discount_percent,omitempty"`
	DiscountFixed   *decimal.Decimal `json:"discount_fixed,omitempty"`
}

type GlobalDiscountRequest struct {
	Percent decimal.Decimal `json:"percent"`
	Fixed   decimal.Decimal `json:"fixed"`
}

type PaymentRequest struct {
	Method    PaymentMethod   `json:"method" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"max=120"`
}

type PaymentResponse struct {
	Payment Payment         `json:"payment"`
	Order   Order           `json:"order"`
	Change  decimal.Decimal `json:"change"`
}

type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type CancelOrderResponse struct {
	Order             Order           `json:"order"`
	RestoredStock     []StockMovement `json:"restored_stock"`
	CancelledPayments []Payment       `json:"cancelled_payments"`
}

type ShiftOpenRequest struct {
	StoreRef       string          `json:"store_ref"`
	RegisterRef    string          `json:"register_ref" validate:"required"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type ShiftCloseRequest struct {
	ActualBalance decimal.Decimal `json:"actual_balance"`
	Notes         string          `json:"notes" validate:"max=500"`
}

type CashMovementRequest struct {
	Direction CashDirection   `json:"direction" validate:"required,oneof=IN OUT"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason" validate:"required,max=200"`
}

type RefundItemRequest struct {
	OriginalLineRef    string           `json:"original_line_ref" validate:"required"`
	Quantity           int              `json:"quantity" validate:"gt=0"`
	RefundAmount       *decimal.Decimal `json:"refund_amount,omitempty"`
	RestockingFee      decimal.Decimal  `json:"restocking_fee"`
	IsReturned         bool             `json:"is_returned"`
	IsExchange         bool             `json:"is_exchange"`
	ExchangeProductRef string           `json:"exchange_product_ref,omitempty"`
	ExchangeQuantity   int              `json:"exchange_quantity,omitempty" validate:"gte=0"`
}

// RefundCreateRequest either lists items taken from the original order or,
// when Items is empty, refunds a plain Amount against the order total.
type RefundCreateRequest struct {
	OrderRef string              `json:"order_ref" validate:"required"`
	Type     RefundType          `json:"type" validate:"required,oneof=FULL PARTIAL"`
	Amount   decimal.Decimal     `json:"amount"`
	Reason   string              `json:"reason" validate:"max=500"`
	Items    []RefundItemRequest `json:"items" validate:"dive"`
}
