package payments

import (
	"context"

	"github.com/shopspring/decimal"
)

// Bypass is the development gateway. Fees are fixed and every call
// succeeds with the reference "bypass", so flows can be exercised
// end to end without a processor account.
type Bypass struct{}

var (
	bypassPaymentFee = decimal.RequireFromString("10.00")
	bypassPayoutFee  = decimal.RequireFromString("2.00")
)

func (b *Bypass) PaymentFee(decimal.Decimal) decimal.Decimal { return bypassPaymentFee }
func (b *Bypass) PayoutFee(decimal.Decimal) decimal.Decimal  { return bypassPayoutFee }

func (b *Bypass) GenerateToken(context.Context, decimal.Decimal) (string, error) {
	return "bypass", nil
}

func (b *Bypass) Charge(context.Context, string, string) (string, error) {
	return "bypass", nil
}

func (b *Bypass) Refund(context.Context, string, decimal.Decimal) (string, error) {
	return "bypass", nil
}

func (b *Bypass) Payout(context.Context, string, decimal.Decimal) (string, error) {
	return "bypass", nil
}
