package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/billing"
	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/errs"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/payments"
)

// LedgerService writes the immutable money trail and moves the money it
// records: payouts on settlement credits, processor refunds on
// cancellation.
type LedgerService struct {
	ledger   LedgerStore
	accounts AccountStore
	cfg      *config.Config
	log      *zap.Logger
}

func NewLedgerService(ledger LedgerStore, accounts AccountStore, cfg *config.Config, log *zap.Logger) *LedgerService {
	return &LedgerService{ledger: ledger, accounts: accounts, cfg: cfg, log: log}
}

func (s *LedgerService) record(ctx context.Context, t *models.Transaction) error {
	txType, ok := models.OperationType(t.Operation)
	if !ok {
		return errs.Validation("operation " + models.OperationName(t.Operation) + " is not ledgerable")
	}
	t.Type = txType
	return s.ledger.Create(ctx, t)
}

// RecordPayment writes a client installment that already cleared at the
// processor.
func (s *LedgerService) RecordPayment(ctx context.Context, ownerID, requestID uuid.UUID, iface string, amount decimal.Decimal, externalRef string) (*models.Transaction, error) {
	t := &models.Transaction{
		OwnerID:           ownerID,
		Operation:         models.OpRequestPayment,
		Interface:         iface,
		Amount:            amount,
		ExternalReference: &externalRef,
		RequestID:         &requestID,
	}
	if err := s.record(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Settle closes the escrow on a completed request: the partner is paid
// the effective price, the sponsor and the platform split the fee, and
// the processor's cut is recorded. The default sponsor account absorbs
// unreferred fees without a payout.
func (s *LedgerService) Settle(ctx context.Context, req *models.Request, bill billing.Bill, gw payments.Gateway) ([]models.Transaction, error) {
	if req.PartnerID == nil || req.PaymentInterface == nil {
		return nil, errs.StateConflict("request has no settled agreement")
	}
	iface := *req.PaymentInterface

	partner, err := s.accounts.GetPartnerByID(ctx, *req.PartnerID)
	if err != nil {
		return nil, err
	}
	partnerAccount, err := s.accounts.GetByID(ctx, partner.AccountID)
	if err != nil {
		return nil, err
	}

	client, err := s.accounts.GetClientByID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	clientAccount, err := s.accounts.GetByID(ctx, client.AccountID)
	if err != nil {
		return nil, err
	}

	sponsorID := s.cfg.DefaultSponsorAccountID
	if clientAccount.SponsorID != nil {
		sponsorID = *clientAccount.SponsorID
	}

	settlementRef, err := s.payout(ctx, gw, partnerAccount, bill.Partner)
	if err != nil {
		return nil, err
	}

	var sponsorRef *string
	if sponsorID != s.cfg.DefaultSponsorAccountID && bill.Sponsor.IsPositive() {
		sponsorAccount, err := s.accounts.GetByID(ctx, sponsorID)
		if err != nil {
			return nil, err
		}
		sponsorRef, err = s.payout(ctx, gw, sponsorAccount, bill.Sponsor)
		if err != nil {
			return nil, err
		}
	}

	entries := []*models.Transaction{
		{
			OwnerID:           partnerAccount.ID,
			Operation:         models.OpPartnerSettlement,
			Amount:            bill.Partner,
			ExternalReference: settlementRef,
		},
		{
			OwnerID:           clientAccount.ID,
			ReceiverID:        &sponsorID,
			Operation:         models.OpSponsorFee,
			Amount:            bill.Sponsor,
			ExternalReference: sponsorRef,
		},
		{
			OwnerID:    clientAccount.ID,
			ReceiverID: &s.cfg.PlatformAccountID,
			Operation:  models.OpPlatformFee,
			Amount:     bill.Platform,
		},
		{
			OwnerID:   clientAccount.ID,
			Operation: models.OpProcessorFee,
			Amount:    bill.Processor,
		},
	}

	out := make([]models.Transaction, 0, len(entries))
	for _, t := range entries {
		t.Interface = iface
		t.RequestID = &req.ID
		if err := s.record(ctx, t); err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *LedgerService) payout(ctx context.Context, gw payments.Gateway, account *models.Account, amount decimal.Decimal) (*string, error) {
	if !amount.IsPositive() {
		return nil, nil
	}
	destination := ""
	if account.PayoutEmail != nil {
		destination = *account.PayoutEmail
	}
	ref, err := gw.Payout(ctx, destination, amount)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// Refund executes a refund plan: the kept fees become platform and
// processor entries, every installment returns to the client through
// the processor.
func (s *LedgerService) Refund(ctx context.Context, req *models.Request, plan billing.RefundPlan, gw payments.Gateway) ([]models.Transaction, error) {
	client, err := s.accounts.GetClientByID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	iface := ""
	if req.PaymentInterface != nil {
		iface = *req.PaymentInterface
	}

	var out []models.Transaction

	fees := []*models.Transaction{
		{
			OwnerID:    client.AccountID,
			ReceiverID: &s.cfg.PlatformAccountID,
			Operation:  models.OpPlatformFee,
			Amount:     plan.Platform,
		},
		{
			OwnerID:   client.AccountID,
			Operation: models.OpProcessorFee,
			Amount:    plan.Processor,
		},
	}
	for _, t := range fees {
		t.Interface = iface
		t.RequestID = &req.ID
		if err := s.record(ctx, t); err != nil {
			return nil, err
		}
		out = append(out, *t)
	}

	for _, item := range plan.Items {
		if !item.Amount.IsPositive() {
			continue
		}
		ref, err := gw.Refund(ctx, item.ExternalRef, item.Amount)
		if err != nil {
			return nil, err
		}
		t := &models.Transaction{
			OwnerID:           client.AccountID,
			Operation:         models.OpRefund,
			Interface:         iface,
			Amount:            item.Amount,
			ExternalReference: &ref,
			RequestID:         &req.ID,
		}
		if err := s.record(ctx, t); err != nil {
			return nil, err
		}
		out = append(out, *t)
	}

	return out, nil
}

// MakeBill snapshots the request's ledger rows into an immutable bill
// for the client.
func (s *LedgerService) MakeBill(ctx context.Context, req *models.Request) (*models.Bill, error) {
	client, err := s.accounts.GetClientByID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	txs, err := s.ledger.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(txs))
	for _, t := range txs {
		ids = append(ids, t.ID)
	}

	bill := &models.Bill{
		OwnerID:        client.AccountID,
		Feature:        models.BillFeatureRequest,
		RequestID:      &req.ID,
		TransactionIDs: ids,
	}
	if err := s.ledger.CreateBill(ctx, bill); err != nil {
		return nil, err
	}
	return bill, nil
}

// Transactions lists an account's ledger rows.
func (s *LedgerService) Transactions(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	return s.ledger.ListByOwner(ctx, ownerID, limit, offset)
}

// Bills lists an account's bill snapshots.
func (s *LedgerService) Bills(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Bill, error) {
	return s.ledger.ListBillsByOwner(ctx, ownerID, limit, offset)
}
