package gateway

import "github.com/shopspring/decimal"

// AmountPolicy converts stored order totals into the settlement currency.
//
// Totals whose integer part is below SmallAmountThreshold are taken to be in
// the storefront's pricing unit and multiplied by ConversionRate (rounded up).
// Anything still below MinimumAmount is raised to it; the sandbox rejects
// smaller transactions.
type AmountPolicy struct {
	ConversionRate       decimal.Decimal
	SmallAmountThreshold int64
	MinimumAmount        int64
}

// DefaultAmountPolicy matches the sandbox merchant account.
func DefaultAmountPolicy() AmountPolicy {
	return AmountPolicy{
		ConversionRate:       decimal.NewFromInt(16000),
		SmallAmountThreshold: 1000,
		MinimumAmount:        10000,
	}
}

// Normalize returns the amount to charge in settlement units.
func (p AmountPolicy) Normalize(total decimal.Decimal) int64 {
	amount := total.IntPart()
	if amount < p.SmallAmountThreshold {
		amount = total.Mul(p.ConversionRate).Ceil().IntPart()
	}
	if amount < p.MinimumAmount {
		amount = p.MinimumAmount
	}
	return amount
}
