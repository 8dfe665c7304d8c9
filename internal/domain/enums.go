package domain

type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "CASH"
	PaymentCreditCard   PaymentMethod = "CREDIT_CARD"
	PaymentMobileMoney  PaymentMethod = "MOBILE_MONEY"
	PaymentCredit       PaymentMethod = "CREDIT"
	PaymentBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentCheck        PaymentMethod = "CHECK"
	PaymentVoucher      PaymentMethod = "VOUCHER"
)

// PaymentMethods lists every accepted method in display order.
var PaymentMethods = []PaymentMethod{
	PaymentCash,
	PaymentCreditCard,
	PaymentMobileMoney,
	PaymentCredit,
	PaymentBankTransfer,
	PaymentCheck,
	PaymentVoucher,
}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

// PaymentState is the lifecycle of a single ledger entry.
type PaymentState string

const (
	PaymentStatePaid      PaymentState = "PAID"
	PaymentStateCredit    PaymentState = "CREDIT"
	PaymentStateCancelled PaymentState = "CANCELLED"
)

// PaymentStatus is derived for an order from its active payments.
type PaymentStatus string

const (
	PaymentStatusUnpaid        PaymentStatus = "UNPAID"
	PaymentStatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentStatusPaid          PaymentStatus = "PAID"
	PaymentStatusCredit        PaymentStatus = "CREDIT"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

type ShiftStatus string

const (
	ShiftOpen      ShiftStatus = "OPEN"
	ShiftSuspended ShiftStatus = "SUSPENDED"
	ShiftClosed    ShiftStatus = "CLOSED"
)

type CashDirection string

const (
	CashIn  CashDirection = "IN"
	CashOut CashDirection = "OUT"
)

type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundApproved   RefundStatus = "APPROVED"
	RefundRejected   RefundStatus = "REJECTED"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
	RefundCancelled  RefundStatus = "CANCELLED"
)

func (s RefundStatus) Terminal() bool {
	switch s {
	case RefundRejected, RefundCompleted, RefundFailed, RefundCancelled:
		return true
	}
	return false
}

// CountsAgainstOrder reports whether a refund in this state reserves part of
// the order's refundable amount.
func (s RefundStatus) CountsAgainstOrder() bool {
	return s == RefundApproved || s == RefundProcessing || s == RefundCompleted
}

type RefundType string

const (
	RefundFull    RefundType = "FULL"
	RefundPartial RefundType = "PARTIAL"
)
