package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/errs"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/payments"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testEngine() *Engine {
	fees := config.FeeSchedule{
		TotalFee:           dec("0.200"),
		MaxPlatformFee:     dec("0.150"),
		PlatformFeeRate:    dec("0.025"),
		SponsorFeeRate:     dec("0.025"),
		FirstClientPayment: dec("0.600"),
		MinOfferPrice:      dec("20"),
		PenaltyDiscounts:   []decimal.Decimal{dec("0"), dec("0.05"), dec("0.10"), dec("0.15"), dec("0.20")},
	}
	proc := config.ProcessorFees{
		PaymentPercent: dec("0.029"),
		PaymentFlat:    dec("0.30"),
		PayoutPercent:  dec("0.020"),
		PayoutMax:      dec("1.00"),
	}
	return NewEngine(fees, proc)
}

func paymentTx(amount string) models.Transaction {
	ref := "sale-1"
	return models.Transaction{
		ID:                uuid.New(),
		Operation:         models.OpRequestPayment,
		Amount:            dec(amount),
		ExternalReference: &ref,
	}
}

func assertMoney(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestCalculateBillQuote(t *testing.T) {
	e := testEngine()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	price := dec("100")

	offerBill := func(partnerLevel, sponsorLevel string) (Bill, error) {
		return e.CalculateBill(BillInput{
			Request:      &models.Request{Status: models.RequestStatusTodo},
			Offer:        &models.RoundPartner{Price: &price},
			PartnerLevel: partnerLevel,
			SponsorLevel: sponsorLevel,
			Quoter:       &payments.Bypass{},
			Now:          now,
		})
	}

	t.Run("gold partner with a-level sponsor", func(t *testing.T) {
		bill, err := offerBill(models.LevelGold, models.SponsorLevelA)
		if err != nil {
			t.Fatal(err)
		}
		// platform share 0.150 - 2*0.025 = 0.100, sponsor gets the rest
		assertMoney(t, "Partner", bill.Partner, "100")
		assertMoney(t, "Platform", bill.Platform, "10.00")
		assertMoney(t, "Sponsor", bill.Sponsor, "10.00")
		assertMoney(t, "SponsorPercent", bill.SponsorPercent, "0.100")
		// gross 100 + 20 + 4 payout, first 60% of it
		assertMoney(t, "FirstPayment", bill.FirstPayment, "74.40")
		assertMoney(t, "SecondPayment", bill.SecondPayment, "49.60")
		assertMoney(t, "ToPay", bill.ToPay, "84.40")
		assertMoney(t, "Processor", bill.Processor, "24.00")
		assertMoney(t, "Total", bill.Total, "144.00")
	})

	t.Run("bronze partner with c-level sponsor", func(t *testing.T) {
		bill, err := offerBill(models.LevelBronze, models.SponsorLevelC)
		if err != nil {
			t.Fatal(err)
		}
		// platform share 0.150 + 2*0.025 = 0.200, nothing for the sponsor
		assertMoney(t, "Platform", bill.Platform, "20.00")
		assertMoney(t, "Sponsor", bill.Sponsor, "0")
		assertMoney(t, "SponsorPercent", bill.SponsorPercent, "0")
	})

	t.Run("fee split always sums to the total fee", func(t *testing.T) {
		feeAmount := dec("20.00")
		for _, pl := range []string{models.LevelGold, models.LevelSilver, models.LevelBronze} {
			for _, sl := range []string{models.SponsorLevelA, models.SponsorLevelB, models.SponsorLevelC} {
				bill, err := offerBill(pl, sl)
				if err != nil {
					t.Fatal(err)
				}
				if !bill.Platform.Add(bill.Sponsor).Equal(feeAmount) {
					t.Errorf("%s/%s: platform %s + sponsor %s != %s", pl, sl, bill.Platform, bill.Sponsor, feeAmount)
				}
			}
		}
	})

	t.Run("higher partner level never raises the platform share", func(t *testing.T) {
		gold, _ := offerBill(models.LevelGold, models.SponsorLevelB)
		silver, _ := offerBill(models.LevelSilver, models.SponsorLevelB)
		bronze, _ := offerBill(models.LevelBronze, models.SponsorLevelB)
		if gold.Platform.GreaterThan(silver.Platform) || silver.Platform.GreaterThan(bronze.Platform) {
			t.Errorf("platform share not monotone: gold %s, silver %s, bronze %s",
				gold.Platform, silver.Platform, bronze.Platform)
		}
	})

	t.Run("steep level discount clamps the platform share at zero", func(t *testing.T) {
		fees := config.FeeSchedule{
			TotalFee:           dec("0.200"),
			MaxPlatformFee:     dec("0.150"),
			PlatformFeeRate:    dec("0.100"),
			SponsorFeeRate:     dec("0.025"),
			FirstClientPayment: dec("0.600"),
			MinOfferPrice:      dec("20"),
			PenaltyDiscounts:   []decimal.Decimal{dec("0")},
		}
		steep := NewEngine(fees, config.ProcessorFees{
			PaymentPercent: dec("0.029"),
			PaymentFlat:    dec("0.30"),
			PayoutPercent:  dec("0.020"),
			PayoutMax:      dec("1.00"),
		})
		bill, err := steep.CalculateBill(BillInput{
			Request:      &models.Request{Status: models.RequestStatusTodo},
			Offer:        &models.RoundPartner{Price: &price},
			PartnerLevel: models.LevelGold,
			SponsorLevel: models.SponsorLevelA,
			Quoter:       &payments.Bypass{},
			Now:          now,
		})
		if err != nil {
			t.Fatal(err)
		}
		// 0.150 - 2*0.100 would go negative; the sponsor takes it all.
		assertMoney(t, "Platform", bill.Platform, "0")
		assertMoney(t, "Sponsor", bill.Sponsor, "20.00")
		assertMoney(t, "SponsorPercent", bill.SponsorPercent, "0.200")
	})

	t.Run("unknown partner level", func(t *testing.T) {
		_, err := offerBill("platinum", models.SponsorLevelA)
		if errs.KindOf(err) != errs.KindValidation {
			t.Fatalf("error kind = %v, want validation", errs.KindOf(err))
		}
	})

	t.Run("missing offer", func(t *testing.T) {
		_, err := e.CalculateBill(BillInput{
			Request: &models.Request{Status: models.RequestStatusTodo},
			Quoter:  &payments.Bypass{},
			Now:     now,
		})
		if errs.KindOf(err) != errs.KindValidation {
			t.Fatalf("error kind = %v, want validation", errs.KindOf(err))
		}
	})
}

func TestCalculateBillSecondInstallment(t *testing.T) {
	e := testEngine()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	partnerID := uuid.New()
	price := dec("100")
	sponsorPercent := dec("0.100")

	req := &models.Request{
		Status:         models.RequestStatusInProgress,
		PartnerID:      &partnerID,
		Price:          &price,
		SponsorPercent: &sponsorPercent,
	}

	bill, err := e.CalculateBill(BillInput{
		Request:      req,
		Transactions: []models.Transaction{paymentTx("84.40")},
		Quoter:       &payments.Bypass{},
		Now:          now,
	})
	if err != nil {
		t.Fatal(err)
	}

	// First installment nets 84.40 minus the processor cut of 2.75.
	assertMoney(t, "FirstPayment", bill.FirstPayment, "81.65")
	// 100 + 20 fee + 4 payout - 81.65 already paid.
	assertMoney(t, "SecondPayment", bill.SecondPayment, "42.35")
	assertMoney(t, "ToPay", bill.ToPay, "52.35")
	assertMoney(t, "Processor", bill.Processor, "16.75")
	assertMoney(t, "Total", bill.Total, "136.75")

	t.Run("no payment on record", func(t *testing.T) {
		_, err := e.CalculateBill(BillInput{
			Request: req,
			Quoter:  &payments.Bypass{},
			Now:     now,
		})
		if errs.KindOf(err) != errs.KindStateConflict {
			t.Fatalf("error kind = %v, want state conflict", errs.KindOf(err))
		}
	})
}

func TestCalculateBillLateDelivery(t *testing.T) {
	e := testEngine()
	partnerID := uuid.New()
	price := dec("100")
	sponsorPercent := dec("0.100")
	promise := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	delivered := promise.Add(2 * 24 * time.Hour)

	req := &models.Request{
		Status:         models.RequestStatusDelivered,
		PartnerID:      &partnerID,
		Price:          &price,
		SponsorPercent: &sponsorPercent,
		DatePromise:    &promise,
		DateDelivered:  &delivered,
	}

	bill, err := e.CalculateBill(BillInput{
		Request:      req,
		Transactions: []models.Transaction{paymentTx("84.40")},
		Quoter:       &payments.Bypass{},
		Now:          delivered,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Two days late: 10% discount off the agreed price.
	assertMoney(t, "Partner", bill.Partner, "90.00")
	assertMoney(t, "Platform", bill.Platform, "9.00")
	assertMoney(t, "Sponsor", bill.Sponsor, "9.00")
}

func TestCalculateBillSettled(t *testing.T) {
	e := testEngine()
	now := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	partnerID := uuid.New()
	price := dec("100")
	sponsorPercent := dec("0.100")

	req := &models.Request{
		Status:         models.RequestStatusPending,
		PartnerID:      &partnerID,
		Price:          &price,
		SponsorPercent: &sponsorPercent,
	}

	bill, err := e.CalculateBill(BillInput{
		Request: req,
		Transactions: []models.Transaction{
			paymentTx("84.40"),
			paymentTx("52.35"),
			{Operation: models.OpPlatformFee, Amount: dec("10.00")},
		},
		Quoter: &payments.Bypass{},
		Now:    now,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Processor cuts: 2.75 on 84.40, 1.82 on 52.35, plus 4 payout.
	assertMoney(t, "ToPay", bill.ToPay, "0")
	assertMoney(t, "Processor", bill.Processor, "8.57")
	assertMoney(t, "Total", bill.Total, "136.75")
}

func TestPlanRefund(t *testing.T) {
	e := testEngine()
	partnerID := uuid.New()
	price := dec("100")

	makeReq := func(status string) *models.Request {
		return &models.Request{Status: status, PartnerID: &partnerID, Price: &price}
	}

	t.Run("two installments", func(t *testing.T) {
		txs := []models.Transaction{paymentTx("84.40"), paymentTx("52.35")}
		plan, err := e.PlanRefund(makeReq(models.RequestStatusUnsatisfied), txs, &payments.Bypass{})
		if err != nil {
			t.Fatal(err)
		}

		// Platform keeps 15% of the price, processor fee includes the
		// flat surcharge for the second refund.
		assertMoney(t, "Platform", plan.Platform, "15.00")
		assertMoney(t, "Processor", plan.Processor, "10.30")
		assertMoney(t, "Total", plan.Total, "25.30")
		assertMoney(t, "Refund", plan.Refund, "74.70")

		if len(plan.Items) != 2 {
			t.Fatalf("len(Items) = %d, want 2", len(plan.Items))
		}
		// Fees come out of the first installment only.
		assertMoney(t, "Items[0].Amount", plan.Items[0].Amount, "59.10")
		assertMoney(t, "Items[1].Amount", plan.Items[1].Amount, "52.35")
	})

	t.Run("single installment skips the flat surcharge", func(t *testing.T) {
		txs := []models.Transaction{paymentTx("84.40")}
		plan, err := e.PlanRefund(makeReq(models.RequestStatusInProgress), txs, &payments.Bypass{})
		if err != nil {
			t.Fatal(err)
		}
		assertMoney(t, "Processor", plan.Processor, "10.00")
		assertMoney(t, "Items[0].Amount", plan.Items[0].Amount, "59.40")
	})

	t.Run("idempotent for the same input", func(t *testing.T) {
		txs := []models.Transaction{paymentTx("84.40"), paymentTx("52.35")}
		first, err := e.PlanRefund(makeReq(models.RequestStatusUnsatisfied), txs, &payments.Bypass{})
		if err != nil {
			t.Fatal(err)
		}
		second, err := e.PlanRefund(makeReq(models.RequestStatusUnsatisfied), txs, &payments.Bypass{})
		if err != nil {
			t.Fatal(err)
		}
		if !first.Refund.Equal(second.Refund) || !first.Total.Equal(second.Total) {
			t.Errorf("plans differ: %+v vs %+v", first, second)
		}
	})

	t.Run("refused in terminal and todo states", func(t *testing.T) {
		txs := []models.Transaction{paymentTx("84.40")}
		for _, status := range []string{models.RequestStatusTodo, models.RequestStatusDone, models.RequestStatusCanceled} {
			_, err := e.PlanRefund(makeReq(status), txs, &payments.Bypass{})
			if errs.KindOf(err) != errs.KindStateConflict {
				t.Errorf("status %s: error kind = %v, want state conflict", status, errs.KindOf(err))
			}
		}
	})

	t.Run("no payments", func(t *testing.T) {
		_, err := e.PlanRefund(makeReq(models.RequestStatusInProgress), nil, &payments.Bypass{})
		if errs.KindOf(err) != errs.KindStateConflict {
			t.Fatalf("error kind = %v, want state conflict", errs.KindOf(err))
		}
	})
}
