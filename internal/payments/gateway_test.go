package payments

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/errs"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Environment: env,
		Processor: config.ProcessorFees{
			PaymentPercent: decimal.RequireFromString("0.029"),
			PaymentFlat:    decimal.RequireFromString("0.30"),
			PayoutPercent:  decimal.RequireFromString("0.020"),
			PayoutMax:      decimal.RequireFromString("1.00"),
		},
	}
}

func TestRegistryGet(t *testing.T) {
	dev := testConfig("development")
	prod := testConfig("production")
	paypal := NewPaypal(dev, zap.NewNop())

	t.Run("bypass allowed in development", func(t *testing.T) {
		r := NewRegistry(dev, paypal)
		if _, err := r.Get(InterfaceBypass); err != nil {
			t.Fatalf("Get(bypass) = %v, want nil", err)
		}
	})

	t.Run("bypass refused in production", func(t *testing.T) {
		r := NewRegistry(prod, paypal)
		_, err := r.Get(InterfaceBypass)
		if errs.KindOf(err) != errs.KindConfiguration {
			t.Fatalf("Get(bypass) error kind = %v, want configuration", errs.KindOf(err))
		}
	})

	t.Run("paypal allowed in production", func(t *testing.T) {
		r := NewRegistry(prod, paypal)
		if _, err := r.Get(InterfacePaypal); err != nil {
			t.Fatalf("Get(paypal) = %v, want nil", err)
		}
	})

	t.Run("unknown interface", func(t *testing.T) {
		r := NewRegistry(dev, paypal)
		_, err := r.Get("stripe")
		if errs.KindOf(err) != errs.KindConfiguration {
			t.Fatalf("Get(stripe) error kind = %v, want configuration", errs.KindOf(err))
		}
	})
}

func TestBypassFees(t *testing.T) {
	b := &Bypass{}
	amount := decimal.RequireFromString("1234.56")

	if got := b.PaymentFee(amount); !got.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("PaymentFee() = %s, want 10.00", got)
	}
	if got := b.PayoutFee(amount); !got.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("PayoutFee() = %s, want 2.00", got)
	}
}

func TestPaypalPaymentFee(t *testing.T) {
	p := NewPaypal(testConfig("development"), zap.NewNop())

	tests := []struct {
		amount   string
		expected string
	}{
		// (amount*0.029 + 0.30) / (1 - 0.029), half-up to cents
		{"100", "3.30"},
		{"60.00", "2.10"},
		{"0", "0.31"},
	}

	for _, tt := range tests {
		got := p.PaymentFee(decimal.RequireFromString(tt.amount))
		if !got.Equal(decimal.RequireFromString(tt.expected)) {
			t.Errorf("PaymentFee(%s) = %s, want %s", tt.amount, got, tt.expected)
		}
	}

	t.Run("fee covers itself", func(t *testing.T) {
		// Charging amount+fee should net out to roughly the amount
		// after the processor takes percent of the gross plus flat.
		amount := decimal.RequireFromString("250.00")
		fee := p.PaymentFee(amount)
		gross := amount.Add(fee)
		processorCut := gross.Mul(decimal.RequireFromString("0.029")).Add(decimal.RequireFromString("0.30"))
		net := gross.Sub(processorCut)
		if net.Sub(amount).Abs().GreaterThan(decimal.RequireFromString("0.01")) {
			t.Errorf("net after processor cut = %s, want ~%s", net, amount)
		}
	})
}

func TestPaypalPayoutFee(t *testing.T) {
	p := NewPaypal(testConfig("development"), zap.NewNop())

	tests := []struct {
		amount   string
		expected string
	}{
		{"10", "0.20"},   // 2% under the cap
		{"50", "1.00"},   // exactly at the cap
		{"5000", "1.00"}, // capped
	}

	for _, tt := range tests {
		got := p.PayoutFee(decimal.RequireFromString(tt.amount))
		if !got.Equal(decimal.RequireFromString(tt.expected)) {
			t.Errorf("PayoutFee(%s) = %s, want %s", tt.amount, got, tt.expected)
		}
	}
}

func TestPaypalPayoutRequiresDestination(t *testing.T) {
	p := NewPaypal(testConfig("development"), zap.NewNop())
	_, err := p.Payout(context.Background(), "", decimal.RequireFromString("10"))
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("Payout with empty destination error kind = %v, want validation", errs.KindOf(err))
	}
}
