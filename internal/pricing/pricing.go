// Package pricing computes the derived amounts of a single order line.
package pricing

import (
	"github.com/shopspring/decimal"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/money"
)

type Input struct {
	UnitPrice       decimal.Decimal
	Quantity        int
	DiscountPercent decimal.Decimal
	DiscountFixed   decimal.Decimal
	TaxRatePercent  decimal.Decimal
}

type Result struct {
	BaseTotal        decimal.Decimal
	DiscountAmount   decimal.Decimal
	NetAfterDiscount decimal.Decimal
	TaxAmount        decimal.Decimal
	FinalPrice       decimal.Decimal
}

// Price applies the line discount first and levies tax on what remains.
// Percent and fixed discounts are added together. Rounding happens only on
// the percent discount and on the tax.
func Price(in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	base := in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity)))
	discount := money.Percent(base, in.DiscountPercent).Add(in.DiscountFixed)
	net := base.Sub(discount)
	if net.IsNegative() {
		return Result{}, domain.Invalidf("discount %s exceeds line total %s", discount, base)
	}
	tax := money.Percent(net, in.TaxRatePercent)

	return Result{
		BaseTotal:        base,
		DiscountAmount:   discount,
		NetAfterDiscount: net,
		TaxAmount:        tax,
		FinalPrice:       net.Add(tax),
	}, nil
}

// Reprice returns the line with every derived field replaced from its inputs.
func Reprice(line domain.LineItem) (domain.LineItem, error) {
	res, err := Price(Input{
		UnitPrice:       line.UnitPrice,
		Quantity:        line.Quantity,
		DiscountPercent: line.DiscountPercent,
		DiscountFixed:   line.DiscountFixed,
		TaxRatePercent:  line.TaxRatePercent,
	})
	if err != nil {
		return domain.LineItem{}, err
	}
	line.DiscountAmount = res.DiscountAmount
	line.TaxAmount = res.TaxAmount
	line.FinalPrice = res.FinalPrice
	return line, nil
}

func validate(in Input) error {
	if in.Quantity < 1 {
		return domain.Invalidf("quantity must be positive, got %d", in.Quantity)
	}
	if in.UnitPrice.IsNegative() {
		return domain.Invalidf("unit price cannot be negative")
	}
	if !money.IsCents(in.UnitPrice) {
		return domain.Invalidf("unit price %s has sub-cent precision", in.UnitPrice)
	}
	if !money.IsValidPercent(in.DiscountPercent) {
		return domain.Invalidf("discount percent %s out of range", in.DiscountPercent)
	}
	if in.DiscountFixed.IsNegative() {
		return domain.Invalidf("fixed discount cannot be negative")
	}
	if !money.IsCents(in.DiscountFixed) {
		return domain.Invalidf("fixed discount %s has sub-cent precision", in.DiscountFixed)
	}
	if !money.IsValidPercent(in.TaxRatePercent) {
		return domain.Invalidf("tax rate %s out of range", in.TaxRatePercent)
	}
	return nil
}
