package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/errs"
)

// Paypal talks to the processor bridge, an internal service that owns
// the PayPal credentials. Fee math stays local so quotes work offline.
type Paypal struct {
	baseURL    string
	fees       config.ProcessorFees
	httpClient *http.Client
	log        *zap.Logger
}

func NewPaypal(cfg *config.Config, log *zap.Logger) *Paypal {
	return &Paypal{
		baseURL: strings.TrimRight(cfg.ProcessorBridgeURL, "/"),
		fees:    cfg.Processor,
		httpClient: &http.Client{
			Timeout: cfg.ProcessorTimeout,
		},
		log: log,
	}
}

// PaymentFee grosses up the processor's percent-plus-flat cut so the
// amount that survives the fee equals the requested amount.
func (p *Paypal) PaymentFee(amount decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return amount.Mul(p.fees.PaymentPercent).Add(p.fees.PaymentFlat).
		Div(one.Sub(p.fees.PaymentPercent)).Round(2)
}

// PayoutFee is percent of the amount, capped at the processor maximum.
func (p *Paypal) PayoutFee(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(p.fees.PayoutPercent)
	if fee.GreaterThan(p.fees.PayoutMax) {
		fee = p.fees.PayoutMax
	}
	return fee.Round(2)
}

type tokenResult struct {
	PaymentID string `json:"payment_id"`
}

func (p *Paypal) GenerateToken(ctx context.Context, amount decimal.Decimal) (string, error) {
	var result tokenResult
	err := p.post(ctx, "/internal/payments/token", map[string]any{
		"amount":   amount.StringFixed(2),
		"currency": "USD",
	}, &result)
	if err != nil {
		return "", err
	}
	return result.PaymentID, nil
}

type chargeResult struct {
	SaleID string `json:"sale_id"`
}

func (p *Paypal) Charge(ctx context.Context, paymentID, payerID string) (string, error) {
	var result chargeResult
	err := p.post(ctx, fmt.Sprintf("/internal/payments/%s/execute", paymentID), map[string]any{
		"payer_id": payerID,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.SaleID, nil
}

type refundResult struct {
	RefundID string `json:"refund_id"`
}

func (p *Paypal) Refund(ctx context.Context, externalRef string, amount decimal.Decimal) (string, error) {
	var result refundResult
	err := p.post(ctx, "/internal/refunds", map[string]any{
		"sale_id":  externalRef,
		"amount":   amount.StringFixed(2),
		"currency": "USD",
	}, &result)
	if err != nil {
		return "", err
	}
	return result.RefundID, nil
}

type payoutResult struct {
	BatchID string `json:"batch_id"`
}

func (p *Paypal) Payout(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	if destination == "" {
		return "", errs.Validation("payout destination email is required")
	}
	var result payoutResult
	err := p.post(ctx, "/internal/payouts", map[string]any{
		"receiver": destination,
		"amount":   amount.StringFixed(2),
		"currency": "USD",
	}, &result)
	if err != nil {
		return "", err
	}
	return result.BatchID, nil
}

func (p *Paypal) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errs.Gateway("processor bridge unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		p.log.Warn("processor bridge error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return errs.Gateway(fmt.Sprintf("processor bridge returned %d: %s", resp.StatusCode, string(b)), nil)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
