package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderCloneDetachesSlices(t *testing.T) {
	original := Order{
		Lines:    []LineItem{{ID: "line-1", Quantity: 1}},
		Payments: []Payment{{ID: "pay-1"}},
	}
	copied := original.Clone()
	copied.Lines[0].Quantity = 5
	copied.Payments[0].ID = "pay-2"

	assert.Equal(t, 1, original.Lines[0].Quantity)
	assert.Equal(t, "pay-1", original.Payments[0].ID)
}

func TestShiftCloneDetachesCounters(t *testing.T) {
	original := ShiftReport{
		PerMethodTotals: map[PaymentMethod]decimal.Decimal{PaymentCash: decimal.NewFromInt(10)},
		PerMethodCounts: map[PaymentMethod]int{PaymentCash: 1},
	}
	copied := original.Clone()
	copied.PerMethodCounts[PaymentCash] = 9

	assert.Equal(t, 1, original.PerMethodCounts[PaymentCash])
}

func TestRefundStatusClassification(t *testing.T) {
	assert.True(t, RefundCompleted.Terminal())
	assert.False(t, RefundProcessing.Terminal())
	assert.True(t, RefundApproved.CountsAgainstOrder())
	assert.False(t, RefundPending.CountsAgainstOrder())
	assert.False(t, RefundFailed.CountsAgainstOrder())
}

func TestSettlementExcludesCreditAndCancelled(t *testing.T) {
	assert.True(t, Payment{Method: PaymentCash, Status: PaymentStatePaid, IsActive: true}.IsSettlement())
	assert.False(t, Payment{Method: PaymentCredit, Status: PaymentStateCredit, IsActive: true}.IsSettlement())
	assert.False(t, Payment{Method: PaymentCash, Status: PaymentStateCancelled, IsActive: false}.IsSettlement())
}
