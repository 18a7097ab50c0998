package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/errs"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/payments"
)

// Bill is a full money breakdown for a request at its current state.
// Partner is the effective price after any late-delivery discount,
// Platform and Sponsor split the fee, Processor is the external
// processor's cut, ToPay is what the client owes right now.
type Bill struct {
	Partner        decimal.Decimal `json:"partner"`
	Platform       decimal.Decimal `json:"platform"`
	Sponsor        decimal.Decimal `json:"sponsor"`
	SponsorPercent decimal.Decimal `json:"sponsor_percent"`
	Processor      decimal.Decimal `json:"processor"`
	Total          decimal.Decimal `json:"total"`
	ToPay          decimal.Decimal `json:"to_pay"`

	FirstPayment  decimal.Decimal `json:"first_payment"`
	SecondPayment decimal.Decimal `json:"second_payment"`
}

// BillInput carries everything a quote depends on. Offer, PartnerLevel
// and SponsorLevel are only read before a partner is accepted; after
// acceptance the request's frozen price and sponsor percent rule.
type BillInput struct {
	Request      *models.Request
	Offer        *models.RoundPartner
	PartnerLevel string // level of the offering partner
	SponsorLevel string // client's sponsor's referral level
	Transactions []models.Transaction
	Quoter       payments.FeeQuoter
	Now          time.Time
}

// Engine computes bills and refund splits from the fee schedule. It is
// pure: no storage, no network, money moves elsewhere.
type Engine struct {
	fees config.FeeSchedule
	proc config.ProcessorFees
}

func NewEngine(fees config.FeeSchedule, proc config.ProcessorFees) *Engine {
	return &Engine{fees: fees, proc: proc}
}

// Partner level lowers the platform share, sponsor level raises it.
var (
	partnerLevelSteps = map[string]int64{
		models.LevelGold:   2,
		models.LevelSilver: 1,
		models.LevelBronze: 0,
	}
	sponsorLevelSteps = map[string]int64{
		models.SponsorLevelA: 0,
		models.SponsorLevelB: 1,
		models.SponsorLevelC: 2,
	}
)

// CalculateBill quotes the request at its current state. Before a
// partner is accepted the quote prices the given offer; afterwards it
// prices the frozen agreement, discounted when delivery ran late.
func (e *Engine) CalculateBill(in BillInput) (Bill, error) {
	req := in.Request
	one := decimal.NewFromInt(1)

	var price, platformPercent decimal.Decimal
	if req.PartnerID != nil {
		if req.Price == nil || req.SponsorPercent == nil {
			return Bill{}, errs.StateConflict("request has a partner but no frozen price")
		}
		discount := req.PenaltyDiscount(e.fees.PenaltyDiscounts, in.Now)
		price = one.Sub(discount).Mul(*req.Price).Round(2)
		platformPercent = e.fees.TotalFee.Sub(*req.SponsorPercent)
	} else {
		if in.Offer == nil || in.Offer.Price == nil {
			return Bill{}, errs.Validation("an offer is required to quote an unaccepted request")
		}
		partnerSteps, ok := partnerLevelSteps[in.PartnerLevel]
		if !ok {
			return Bill{}, errs.Validation("unknown partner level " + in.PartnerLevel)
		}
		sponsorSteps, ok := sponsorLevelSteps[in.SponsorLevel]
		if !ok {
			return Bill{}, errs.Validation("unknown sponsor level " + in.SponsorLevel)
		}
		price = *in.Offer.Price
		platformPercent = e.fees.MaxPlatformFee.
			Sub(e.fees.PlatformFeeRate.Mul(decimal.NewFromInt(partnerSteps))).
			Add(e.fees.SponsorFeeRate.Mul(decimal.NewFromInt(sponsorSteps)))
		// A fee schedule with steep level discounts must not push the
		// platform share below zero; the sponsor absorbs the rest.
		if platformPercent.IsNegative() {
			platformPercent = decimal.Zero
		}
	}

	sponsorShare := e.fees.TotalFee.Sub(platformPercent)
	payoutFee := in.Quoter.PayoutFee(price).Add(in.Quoter.PayoutFee(price.Mul(sponsorShare)))

	platformPay := price.Mul(platformPercent).Round(2)
	feeAmount := price.Mul(e.fees.TotalFee).Round(2)
	sponsorPay := feeAmount.Sub(platformPay)

	bill := Bill{
		Partner:        price,
		Platform:       platformPay,
		Sponsor:        sponsorPay,
		SponsorPercent: sponsorShare,
	}

	switch req.Status {
	case models.RequestStatusTodo:
		gross := price.Add(feeAmount).Add(payoutFee)
		first := gross.Mul(e.fees.FirstClientPayment).Round(2)
		second := gross.Sub(first)
		bill.FirstPayment = first
		bill.SecondPayment = second
		bill.ToPay = in.Quoter.PaymentFee(first).Add(first)
		bill.Processor = in.Quoter.PaymentFee(first).
			Add(in.Quoter.PaymentFee(second)).
			Add(payoutFee)
		bill.Total = price.Add(feeAmount).Add(bill.Processor)

	case models.RequestStatusInProgress, models.RequestStatusDelivered:
		firstTx := firstPayment(in.Transactions)
		if firstTx == nil {
			return Bill{}, errs.StateConflict("request is past acceptance but has no payment on record")
		}
		first, firstFee := firstTx.PaymentPlusFee(e.proc.PaymentPercent, e.proc.PaymentFlat)
		second := price.Add(feeAmount).Add(payoutFee).Sub(first)
		bill.FirstPayment = first
		bill.SecondPayment = second
		bill.ToPay = in.Quoter.PaymentFee(second).Add(second)
		bill.Processor = firstFee.Add(payoutFee).Add(in.Quoter.PaymentFee(second))
		bill.Total = price.Add(feeAmount).Add(bill.Processor)

	default:
		// Nothing left to pay, totals come from what actually moved.
		var amounts, fees decimal.Decimal
		for i := range in.Transactions {
			a, f := in.Transactions[i].PaymentPlusFee(e.proc.PaymentPercent, e.proc.PaymentFlat)
			amounts = amounts.Add(a)
			fees = fees.Add(f)
		}
		bill.Processor = fees.Add(payoutFee)
		bill.Total = amounts.Add(fees)
		bill.ToPay = decimal.Zero
	}

	return bill, nil
}

// RefundItem is one processor refund to run: return Amount against the
// charge identified by TransactionID.
type RefundItem struct {
	TransactionID uuid.UUID
	ExternalRef   string
	Amount        decimal.Decimal
}

// RefundPlan is the split of a cancellation refund. Total is what the
// platform keeps, Refund is what goes back to the client.
type RefundPlan struct {
	Platform  decimal.Decimal `json:"platform"`
	Processor decimal.Decimal `json:"processor"`
	Total     decimal.Decimal `json:"total"`
	Refund    decimal.Decimal `json:"refund"`

	Items []RefundItem `json:"-"`
}

// PlanRefund computes the cancellation split: the platform keeps its
// maximum fee on the agreed price plus the processor cost of refunding
// it, both deducted from the first installment only. Every later
// installment returns in full.
func (e *Engine) PlanRefund(req *models.Request, txs []models.Transaction, quoter payments.FeeQuoter) (RefundPlan, error) {
	switch req.Status {
	case models.RequestStatusTodo, models.RequestStatusDone, models.RequestStatusCanceled:
		return RefundPlan{}, errs.StateConflict("request cannot be refunded in status " + req.Status)
	}
	if req.Price == nil {
		return RefundPlan{}, errs.StateConflict("request has no frozen price to refund against")
	}

	platformPay := req.Price.Mul(e.fees.MaxPlatformFee).Round(2)

	var paid []*models.Transaction
	for i := range txs {
		if txs[i].Operation == models.OpRequestPayment {
			paid = append(paid, &txs[i])
		}
	}
	if len(paid) == 0 {
		return RefundPlan{}, errs.StateConflict("request has no payments to refund")
	}

	processorPay := quoter.PaymentFee(platformPay)
	if len(paid) > 1 {
		processorPay = processorPay.Add(e.proc.PaymentFlat)
	}

	keep := platformPay.Add(processorPay)
	plan := RefundPlan{
		Platform:  platformPay,
		Processor: processorPay,
		Total:     keep,
		Refund:    req.Price.Sub(keep),
	}

	for i, t := range paid {
		amount := t.Amount
		if i == 0 {
			amount = amount.Sub(keep)
		}
		ref := ""
		if t.ExternalReference != nil {
			ref = *t.ExternalReference
		}
		plan.Items = append(plan.Items, RefundItem{
			TransactionID: t.ID,
			ExternalRef:   ref,
			Amount:        amount,
		})
	}

	return plan, nil
}

func firstPayment(txs []models.Transaction) *models.Transaction {
	for i := range txs {
		if txs[i].Operation == models.OpRequestPayment {
			return &txs[i]
		}
	}
	return nil
}
