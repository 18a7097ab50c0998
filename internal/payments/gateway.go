package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/errs"
)

// Gateway keys
const (
	InterfaceBypass = "bypass"
	InterfacePaypal = "paypal"
)

// FeeQuoter prices the processor's cut without moving money. Billing
// uses this alone, so bill previews never touch the network.
type FeeQuoter interface {
	PaymentFee(amount decimal.Decimal) decimal.Decimal
	PayoutFee(amount decimal.Decimal) decimal.Decimal
}

// Gateway is a payment processor. Charge runs a client payment that was
// authorized with a token from GenerateToken, Refund returns money to
// the payer of a previous charge, Payout sends money to an external
// destination. All three return the processor's external reference.
type Gateway interface {
	FeeQuoter

	GenerateToken(ctx context.Context, amount decimal.Decimal) (string, error)
	Charge(ctx context.Context, paymentID, payerID string) (string, error)
	Refund(ctx context.Context, externalRef string, amount decimal.Decimal) (string, error)
	Payout(ctx context.Context, destination string, amount decimal.Decimal) (string, error)
}

// Registry resolves gateway keys to live gateways. The bypass gateway
// is refused outside development.
type Registry struct {
	cfg      *config.Config
	gateways map[string]Gateway
}

func NewRegistry(cfg *config.Config, paypal Gateway) *Registry {
	return &Registry{
		cfg: cfg,
		gateways: map[string]Gateway{
			InterfaceBypass: &Bypass{},
			InterfacePaypal: paypal,
		},
	}
}

func (r *Registry) Get(key string) (Gateway, error) {
	if key == InterfaceBypass && !r.cfg.IsDevelopment() {
		return nil, errs.Configuration("bypass payment interface is not allowed in production")
	}
	gw, ok := r.gateways[key]
	if !ok {
		return nil, errs.Configuration("payment interface " + key + " is not defined")
	}
	return gw, nil
}

// Quoter returns the fee calculator for a key, with the same
// environment restrictions as Get.
func (r *Registry) Quoter(key string) (FeeQuoter, error) {
	gw, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	return gw, nil
}
