package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/billing"
	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/errs"
	"github.com/asilinks/backend/internal/events"
	"github.com/asilinks/backend/internal/matching"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/payments"
	"github.com/asilinks/backend/internal/rbac"
	"github.com/asilinks/backend/internal/repositories"
)

// RequestService owns the request lifecycle: bidding rounds, escrowed
// payments, delivery and settlement. Every status change goes through
// transition, which loses races instead of overwriting them.
type RequestService struct {
	requests  RequestStore
	accounts  AccountStore
	ledger    *LedgerService
	engine    *billing.Engine
	matcher   *matching.Engine
	gateways  GatewayProvider
	audit     AuditLogger
	txm       TxRunner
	notifier  Notifier
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger

	now func() time.Time
}

func NewRequestService(
	requests RequestStore,
	accounts AccountStore,
	ledger *LedgerService,
	engine *billing.Engine,
	matcher *matching.Engine,
	gateways GatewayProvider,
	audit AuditLogger,
	txm TxRunner,
	notifier Notifier,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *RequestService {
	return &RequestService{
		requests:  requests,
		accounts:  accounts,
		ledger:    ledger,
		engine:    engine,
		matcher:   matcher,
		gateways:  gateways,
		audit:     audit,
		txm:       txm,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// transition validates and performs a status transition with audit
// logging. The update is a compare-and-set: when another actor already
// moved the request, the caller gets a state conflict, never a silent
// overwrite.
func (s *RequestService) transition(ctx context.Context, req *models.Request, newStatus string, actorID *uuid.UUID, actorType string) error {
	if !models.IsValidTransition(req.Status, newStatus) {
		return errs.StateConflict(fmt.Sprintf("invalid transition from %s to %s", req.Status, newStatus))
	}

	ok, err := s.requests.UpdateStatusFrom(ctx, req.ID, req.Status, newStatus)
	if err != nil {
		return err
	}
	if !ok {
		return errs.StateConflict(fmt.Sprintf("request is no longer %s", req.Status))
	}

	oldStatus := req.Status
	req.Status = newStatus

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorAccountID: actorID,
		ActorType:      actorType,
		Action:         fmt.Sprintf("request_status_%s_to_%s", oldStatus, newStatus),
		EntityType:     "request",
		EntityID:       &req.ID,
		Meta:           map[string]any{"old_status": oldStatus, "new_status": newStatus},
	})

	_ = s.publisher.Publish(ctx, events.StreamRequests, events.Event{
		Type: events.EventRequestStatusChanged,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"old_status": oldStatus,
			"new_status": newStatus,
		},
	})

	return nil
}

// moveBuckets keeps the denormalized per-profile status index in step
// with the request. It runs inside the same transaction as the
// transition so the bucket invariant holds even across crashes.
func (s *RequestService) moveBuckets(ctx context.Context, req *models.Request, client *models.Client, fromStatus, toStatus string) error {
	from := models.BucketForStatus(fromStatus)
	to := models.BucketForStatus(toStatus)
	if from == to {
		return nil
	}

	if err := s.accounts.MoveBucket(ctx, models.ProfileClient, client.ID, req.ID, from, to); err != nil {
		return err
	}
	if req.PartnerID != nil {
		if err := s.accounts.MoveBucket(ctx, models.ProfilePartner, *req.PartnerID, req.ID, from, to); err != nil {
			return err
		}
	}
	return nil
}

type CreateRequestInput struct {
	Name          string
	KnowFields    []string
	Description   string
	CountryAlpha2 *string
	Questions     []string
}

func (in *CreateRequestInput) validate() error {
	if in.Name == "" {
		return errs.ValidationField("name", "is required")
	}
	if len(in.KnowFields) == 0 {
		return errs.ValidationField("know_fields", "at least one is required")
	}
	if in.Description == "" {
		return errs.ValidationField("description", "is required")
	}
	return nil
}

// CreateRequest opens a request and launches its first bidding round.
func (s *RequestService) CreateRequest(ctx context.Context, accountID uuid.UUID, in CreateRequestInput) (*models.Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	client, err := s.accounts.GetClientByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	req := &models.Request{
		Name:          in.Name,
		KnowFields:    in.KnowFields,
		Description:   in.Description,
		CountryAlpha2: in.CountryAlpha2,
		Status:        models.RequestStatusTodo,
		ClientID:      client.ID,
	}

	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.requests.Create(txCtx, req); err != nil {
			return err
		}
		return s.accounts.MoveBucket(txCtx, models.ProfileClient, client.ID, req.ID, "", models.BucketTodo)
	})
	if err != nil {
		return nil, err
	}

	for _, q := range in.Questions {
		msg := &models.Message{
			RequestID: req.ID,
			OwnerID:   accountID,
			Channel:   models.ChannelQuestions,
			Type:      models.MessageTypeText,
			Content:   q,
		}
		if err := s.requests.AddMessage(ctx, msg); err != nil {
			return nil, err
		}
	}

	_ = s.accounts.TouchLastActive(ctx, accountID)

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorAccountID: &accountID,
		ActorType:      rbac.RoleClient,
		Action:         "request_created",
		EntityType:     "request",
		EntityID:       &req.ID,
		Meta:           map[string]any{"know_fields": in.KnowFields},
	})

	if err := s.launchRound(ctx, req, client); err != nil {
		s.log.Error("round selection failed", zap.String("request_id", req.ID.String()), zap.Error(err))
	}

	return req, nil
}

// UpdateRequest edits the name and description while bidding is still
// open. Knowledge fields are frozen at creation because the running
// round was matched on them.
func (s *RequestService) UpdateRequest(ctx context.Context, accountID, requestID uuid.UUID, name, description string) (*models.Request, error) {
	if name == "" {
		return nil, errs.ValidationField("name", "is required")
	}

	req, _, err := s.ownedRequest(ctx, accountID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestStatusTodo {
		return nil, errs.StateConflict("request is no longer open for editing")
	}

	ok, err := s.requests.UpdateDetails(ctx, requestID, name, description)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.StateConflict("request is no longer open for editing")
	}
	req.Name = name
	req.Description = description

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorAccountID: &accountID,
		ActorType:      rbac.RoleClient,
		Action:         "request_updated",
		EntityType:     "request",
		EntityID:       &req.ID,
	})
	return req, nil
}

// launchRound selects candidates and invites them. With nobody to
// invite the client is told instead of leaving the request dangling.
func (s *RequestService) launchRound(ctx context.Context, req *models.Request, client *models.Client) error {
	favorites, err := s.accounts.GetFavoritePartners(ctx, client.ID, req.KnowFields)
	if err != nil {
		return err
	}

	exclude := make([]uuid.UUID, 0, len(favorites)+len(req.RoundPartners)+1)
	for _, fp := range favorites {
		exclude = append(exclude, fp.ID)
	}
	for _, rp := range req.RoundPartners {
		exclude = append(exclude, rp.PartnerID)
	}
	// A client bidding on their own request is never a candidate.
	if own, err := s.accounts.GetPartnerByAccount(ctx, client.AccountID); err == nil && own != nil {
		exclude = append(exclude, own.ID)
	}

	pool, err := s.accounts.ListCandidates(ctx, repositories.CandidateFilter{
		KnowFields: req.KnowFields,
		Country:    req.CountryAlpha2,
		ExcludeIDs: exclude,
	})
	if err != nil {
		return err
	}

	invited := make(map[uuid.UUID]bool, len(req.RoundPartners))
	for i := range req.RoundPartners {
		invited[req.RoundPartners[i].PartnerID] = true
	}
	round := s.matcher.BuildRound(favorites, pool)
	fresh := round[:0]
	for _, p := range round {
		if !invited[p.ID] {
			fresh = append(fresh, p)
		}
	}
	round = fresh

	if len(round) == 0 && len(req.RoundPartners) == 0 {
		clientAccount, err := s.accounts.GetByID(ctx, client.AccountID)
		if err != nil {
			return err
		}
		s.notifier.Notify(ctx, clientAccount.ID, events.NotifyPartnerNotFound, map[string]any{
			"request_id": req.ID.String(),
		})
		return nil
	}

	now := s.now()
	ids := make([]uuid.UUID, 0, len(round))
	for _, p := range round {
		ids = append(ids, p.ID)
	}
	if err := s.requests.AddRoundPartners(ctx, req.ID, ids, now); err != nil {
		return err
	}

	for _, p := range round {
		if err := s.accounts.MoveBucket(ctx, models.ProfilePartner, p.ID, req.ID, "", models.BucketTodo); err != nil {
			return err
		}
		s.notifier.Notify(ctx, p.AccountID, events.NotifyHaveAnOpportunity, map[string]any{
			"request_id": req.ID.String(),
		})
	}

	return nil
}

type OfferInput struct {
	Price       decimal.Decimal
	Duration    time.Duration
	Requisites  []string
	Description *string
}

// PublishOffer records a candidate's priced response to an open round.
func (s *RequestService) PublishOffer(ctx context.Context, accountID, requestID uuid.UUID, in OfferInput) error {
	if in.Price.LessThan(s.cfg.Fees.MinOfferPrice) {
		return errs.ValidationField("price", "below the minimum offer price")
	}
	if in.Duration <= 0 {
		return errs.ValidationField("duration", "must be positive")
	}

	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return err
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.RequestStatusTodo {
		return errs.StateConflict("bidding is closed for this request")
	}

	entry, err := s.requests.GetRoundEntry(ctx, requestID, partner.ID)
	if err != nil {
		return errs.Permission("partner is not part of this round")
	}
	if entry.Rejected {
		return errs.Permission("partner declined this round")
	}

	now := s.now()
	rp := &models.RoundPartner{
		Price:        &in.Price,
		Duration:     in.Duration,
		Requisites:   in.Requisites,
		Description:  in.Description,
		DateResponse: &now,
	}
	if err := s.requests.PublishOffer(ctx, entry.ID, rp); err != nil {
		return err
	}

	client, err := s.accounts.GetClientByID(ctx, req.ClientID)
	if err != nil {
		return err
	}
	s.notifier.Notify(ctx, client.AccountID, events.NotifyNewOffer, map[string]any{
		"request_id": requestID.String(),
	})

	_ = s.publisher.Publish(ctx, events.StreamRequests, events.Event{
		Type: events.EventOfferPublished,
		Payload: map[string]any{
			"request_id": requestID.String(),
			"partner_id": partner.ID.String(),
		},
	})

	return nil
}

// DeclineRound lets an invited partner leave the round. The entry stays
// on record as rejected.
func (s *RequestService) DeclineRound(ctx context.Context, accountID, requestID uuid.UUID) error {
	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	entry, err := s.requests.GetRoundEntry(ctx, requestID, partner.ID)
	if err != nil {
		return errs.Permission("partner is not part of this round")
	}
	if entry.Rejected {
		return nil
	}
	if err := s.requests.RejectEntry(ctx, entry.ID); err != nil {
		return err
	}
	return s.accounts.MoveBucket(ctx, models.ProfilePartner, partner.ID, requestID, models.BucketTodo, models.BucketRejected)
}

// QuoteOffer prices accepting a candidate's offer without committing.
func (s *RequestService) QuoteOffer(ctx context.Context, accountID, requestID, partnerID uuid.UUID, iface string) (*billing.Bill, error) {
	req, client, err := s.ownedRequest(ctx, accountID, requestID)
	if err != nil {
		return nil, err
	}

	bill, _, err := s.quoteOffer(ctx, req, client, partnerID, iface)
	if err != nil {
		return nil, err
	}
	return bill, nil
}

func (s *RequestService) quoteOffer(ctx context.Context, req *models.Request, client *models.Client, partnerID uuid.UUID, iface string) (*billing.Bill, *models.RoundPartner, error) {
	entry := req.RoundPartnerFor(partnerID)
	if entry == nil || !entry.HasOffer() || entry.Rejected {
		return nil, nil, errs.StateConflict("partner has no open offer on this request")
	}

	partner, err := s.accounts.GetPartnerByID(ctx, partnerID)
	if err != nil {
		return nil, nil, err
	}
	clientAccount, err := s.accounts.GetByID(ctx, client.AccountID)
	if err != nil {
		return nil, nil, err
	}

	sponsorLevel := models.SponsorLevelA
	if clientAccount.SponsorID != nil {
		sponsor, err := s.accounts.GetByID(ctx, *clientAccount.SponsorID)
		if err != nil {
			return nil, nil, err
		}
		sponsorLevel = sponsor.SponsorLevel
	}

	quoter, err := s.gateways.Quoter(iface)
	if err != nil {
		return nil, nil, err
	}

	bill, err := s.engine.CalculateBill(billing.BillInput{
		Request:      req,
		Offer:        entry,
		PartnerLevel: partner.Level,
		SponsorLevel: sponsorLevel,
		Quoter:       quoter,
		Now:          s.now(),
	})
	if err != nil {
		return nil, nil, err
	}
	return &bill, entry, nil
}

// AcceptOffer charges the first installment and freezes the agreement.
// The compare-and-set acceptance guarantees at most one partner wins no
// matter how many clients race the same request.
func (s *RequestService) AcceptOffer(ctx context.Context, accountID, requestID, partnerID uuid.UUID, iface, paymentID, payerID string) (*models.Request, error) {
	req, client, err := s.ownedRequest(ctx, accountID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestStatusTodo {
		return nil, errs.StateConflict("request is no longer open for acceptance")
	}

	bill, entry, err := s.quoteOffer(ctx, req, client, partnerID, iface)
	if err != nil {
		return nil, err
	}

	gw, err := s.gateways.Get(iface)
	if err != nil {
		return nil, err
	}

	// The charge happens before the acceptance is committed; a lost
	// race is refunded immediately.
	saleRef, err := gw.Charge(ctx, paymentID, payerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	acceptance := repositories.Acceptance{
		PartnerID:        partnerID,
		Price:            *entry.Price,
		SponsorPercent:   bill.SponsorPercent,
		PaymentInterface: iface,
		DateStarted:      now,
		DatePromise:      now.Add(entry.Duration),
	}

	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.requests.AcceptOffer(txCtx, req.ID, acceptance)
		if err != nil {
			return err
		}
		if !ok {
			return errs.StateConflict("request was accepted by another actor")
		}

		if err := s.requests.RejectOthers(txCtx, req.ID, partnerID); err != nil {
			return err
		}

		if err := s.accounts.MoveBucket(txCtx, models.ProfileClient, client.ID, req.ID, models.BucketTodo, models.BucketInProgress); err != nil {
			return err
		}
		for i := range req.RoundPartners {
			rp := &req.RoundPartners[i]
			// Declined candidates already sit in the rejected bucket.
			if rp.Rejected {
				continue
			}
			to := models.BucketRejected
			if rp.PartnerID == partnerID {
				to = models.BucketInProgress
			}
			if err := s.accounts.MoveBucket(txCtx, models.ProfilePartner, rp.PartnerID, req.ID, models.BucketTodo, to); err != nil {
				return err
			}
		}

		_, err = s.ledger.RecordPayment(txCtx, client.AccountID, req.ID, iface, bill.ToPay, saleRef)
		return err
	})
	if err != nil {
		if _, refundErr := gw.Refund(ctx, saleRef, bill.ToPay); refundErr != nil {
			s.log.Error("refund of lost acceptance charge failed",
				zap.String("request_id", req.ID.String()),
				zap.Error(refundErr))
		}
		return nil, err
	}

	req.Status = models.RequestStatusInProgress
	req.PartnerID = &partnerID
	req.Price = entry.Price
	req.SponsorPercent = &bill.SponsorPercent
	req.PaymentInterface = &iface
	req.DateStarted = &acceptance.DateStarted
	req.DatePromise = &acceptance.DatePromise

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorAccountID: &accountID,
		ActorType:      rbac.RoleClient,
		Action:         "offer_accepted",
		EntityType:     "request",
		EntityID:       &req.ID,
		Meta: map[string]any{
			"partner_id": partnerID.String(),
			"price":      entry.Price.String(),
			"to_pay":     bill.ToPay.String(),
		},
	})
	_ = s.publisher.Publish(ctx, events.StreamRequests, events.Event{
		Type: events.EventRequestStatusChanged,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"old_status": models.RequestStatusTodo,
			"new_status": models.RequestStatusInProgress,
		},
	})

	for i := range req.RoundPartners {
		rp := &req.RoundPartners[i]
		partner, err := s.accounts.GetPartnerByID(ctx, rp.PartnerID)
		if err != nil {
			continue
		}
		template := events.NotifyOfferRejected
		if rp.PartnerID == partnerID {
			template = events.NotifyOfferAccepted
		}
		s.notifier.Notify(ctx, partner.AccountID, template, map[string]any{
			"request_id": req.ID.String(),
		})
	}

	return req, nil
}

// Deliver posts the partner's final delivery and hands the request to
// the client for the second installment.
func (s *RequestService) Deliver(ctx context.Context, accountID, requestID uuid.UUID, content string, attachment *string) error {
	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return err
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.PartnerID == nil || *req.PartnerID != partner.ID {
		return errs.Permission("only the assigned partner can deliver")
	}
	if req.Status != models.RequestStatusInProgress {
		return errs.StateConflict("request is not in progress")
	}

	now := s.now()
	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.transition(txCtx, req, models.RequestStatusDelivered, &accountID, rbac.RolePartner); err != nil {
			return err
		}
		if err := s.requests.SetDate(txCtx, req.ID, "date_delivered", now); err != nil {
			return err
		}
		if err := s.requests.ClearLastDelivery(txCtx, req.ID); err != nil {
			return err
		}

		msgType := models.MessageTypeText
		if attachment != nil {
			msgType = models.MessageTypeDoc
		}
		return s.requests.AddMessage(txCtx, &models.Message{
			RequestID:    req.ID,
			OwnerID:      accountID,
			Channel:      models.ChannelCom,
			Type:         msgType,
			Content:      content,
			Attachment:   attachment,
			LastDelivery: true,
		})
	})
	if err != nil {
		return err
	}

	client, err := s.accounts.GetClientByID(ctx, req.ClientID)
	if err != nil {
		return err
	}
	s.notifier.Notify(ctx, client.AccountID, events.NotifyRequestDelivered, map[string]any{
		"request_id": req.ID.String(),
	})
	return nil
}

// PaySecondInstallment settles the remainder of the escrow and unlocks
// the delivery for review.
func (s *RequestService) PaySecondInstallment(ctx context.Context, accountID, requestID uuid.UUID, paymentID, payerID string) (*billing.Bill, error) {
	req, client, err := s.ownedRequest(ctx, accountID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestStatusDelivered {
		return nil, errs.StateConflict("request has no pending second installment")
	}

	bill, gw, err := s.agreedBill(ctx, req)
	if err != nil {
		return nil, err
	}

	saleRef, err := gw.Charge(ctx, paymentID, payerID)
	if err != nil {
		return nil, err
	}

	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.transition(txCtx, req, models.RequestStatusPending, &accountID, rbac.RoleClient); err != nil {
			return err
		}
		_, err := s.ledger.RecordPayment(txCtx, client.AccountID, req.ID, *req.PaymentInterface, bill.ToPay, saleRef)
		return err
	})
	if err != nil {
		if _, refundErr := gw.Refund(ctx, saleRef, bill.ToPay); refundErr != nil {
			s.log.Error("refund of orphaned second installment failed",
				zap.String("request_id", req.ID.String()),
				zap.Error(refundErr))
		}
		return nil, err
	}

	return bill, nil
}

// agreedBill prices the frozen agreement at the current state.
func (s *RequestService) agreedBill(ctx context.Context, req *models.Request) (*billing.Bill, payments.Gateway, error) {
	if req.PaymentInterface == nil {
		return nil, nil, errs.StateConflict("request has no payment interface on record")
	}
	gw, err := s.gateways.Get(*req.PaymentInterface)
	if err != nil {
		return nil, nil, err
	}
	txs, err := s.ledger.ledger.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	bill, err := s.engine.CalculateBill(billing.BillInput{
		Request:      req,
		Transactions: txs,
		Quoter:       gw,
		Now:          s.now(),
	})
	if err != nil {
		return nil, nil, err
	}
	return &bill, gw, nil
}

// ApproveDelivery closes the request: settlement payouts run, the
// winning partner becomes a favorite, and the ledger is snapshotted
// into a bill.
func (s *RequestService) ApproveDelivery(ctx context.Context, accountID, requestID uuid.UUID, review *models.Review) error {
	req, client, err := s.ownedRequest(ctx, accountID, requestID)
	if err != nil {
		return err
	}
	return s.close(ctx, req, client, &accountID, rbac.RoleClient, review)
}

func (s *RequestService) close(ctx context.Context, req *models.Request, client *models.Client, actorID *uuid.UUID, actorType string, review *models.Review) error {
	if req.Status != models.RequestStatusPending {
		return errs.StateConflict("request is not awaiting approval")
	}

	bill, gw, err := s.agreedBill(ctx, req)
	if err != nil {
		return err
	}

	now := s.now()
	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.transition(txCtx, req, models.RequestStatusDone, actorID, actorType); err != nil {
			return err
		}
		if err := s.requests.SetDate(txCtx, req.ID, "date_closed", now); err != nil {
			return err
		}
		if err := s.moveBuckets(txCtx, req, client, models.RequestStatusPending, models.RequestStatusDone); err != nil {
			return err
		}
		if _, err := s.ledger.Settle(txCtx, req, *bill, gw); err != nil {
			return err
		}
		if review != nil {
			if err := s.requests.SetReview(txCtx, req.ID, "partner_review", *review); err != nil {
				return err
			}
		}
		_, err := s.ledger.MakeBill(txCtx, req)
		return err
	})
	if err != nil {
		return err
	}

	partner, err := s.accounts.GetPartnerByID(ctx, *req.PartnerID)
	if err != nil {
		return err
	}

	// The archiver snapshots the final delivery from the com channel
	// once the escrow is settled.
	_ = s.publisher.Publish(ctx, events.StreamRequests, events.Event{
		Type: events.EventDeliverableArchived,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"partner_id": partner.ID.String(),
			"client_id":  client.ID.String(),
		},
	})

	// The partner earned a favorite slot for every shared field.
	common := commonFields(req.KnowFields, partner.KnowFields)
	if len(common) > 0 {
		if err := s.accounts.ReplaceFavorites(ctx, client.ID, partner.ID, common); err != nil {
			s.log.Warn("favorite update failed", zap.Error(err))
		}
	}

	stats := partner.Stats
	if req.DateStarted != nil {
		doneTime := now.Sub(*req.DateStarted).Seconds()
		stats.DoneTimeAverage = runningAverage(stats.DoneTimeAverage, stats.DoneCount, doneTime)
	}
	if review != nil {
		stats.DoneScoreAverage = runningAverage(stats.DoneScoreAverage, stats.DoneCount, float64(review.Score))
	}
	stats.DoneCount++
	if err := s.accounts.UpdatePartnerStats(ctx, partner.ID, stats); err != nil {
		s.log.Warn("partner stats update failed", zap.Error(err))
	}
	if review != nil {
		if err := s.accounts.UpdatePartnerRating(ctx, partner.ID, review.Score); err != nil {
			s.log.Warn("partner rating update failed", zap.Error(err))
		}
	}

	s.notifier.Notify(ctx, partner.AccountID, events.NotifyClientSatisfied, map[string]any{
		"request_id": req.ID.String(),
	})
	return nil
}

// Dispute flags the delivery as unsatisfying. The partner gets a
// quarter of the agreed duration to make it right before the money
// goes back, and the stated cause lands in the com channel.
func (s *RequestService) Dispute(ctx context.Context, accountID, requestID uuid.UUID, cause string, review *models.Review) error {
	if cause == "" {
		return errs.ValidationField("cause", "is required")
	}
	req, _, err := s.ownedRequest(ctx, accountID, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.RequestStatusPending {
		return errs.StateConflict("request is not awaiting approval")
	}

	deadline := s.now().Add(req.AssignedDuration() / 4)
	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.transition(txCtx, req, models.RequestStatusUnsatisfied, &accountID, rbac.RoleClient); err != nil {
			return err
		}
		if review != nil {
			if err := s.requests.SetReview(txCtx, req.ID, "partner_review", *review); err != nil {
				return err
			}
		}
		if err := s.requests.AddMessage(txCtx, &models.Message{
			RequestID: req.ID,
			OwnerID:   accountID,
			Channel:   models.ChannelCom,
			Type:      models.MessageTypeText,
			Content:   cause,
		}); err != nil {
			return err
		}
		return s.requests.SetDate(txCtx, req.ID, "date_unsatisfied", deadline)
	})
	if err != nil {
		return err
	}

	partner, err := s.accounts.GetPartnerByID(ctx, *req.PartnerID)
	if err != nil {
		return err
	}
	s.notifier.Notify(ctx, partner.AccountID, events.NotifyClientUnsatisfied, map[string]any{
		"request_id": req.ID.String(),
		"deadline":   deadline.Format(time.RFC3339),
	})
	return nil
}

// Redeliver lets the partner answer a dispute with a fresh delivery
// before the window closes.
func (s *RequestService) Redeliver(ctx context.Context, accountID, requestID uuid.UUID, content string, attachment *string) error {
	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.PartnerID == nil || *req.PartnerID != partner.ID {
		return errs.Permission("only the assigned partner can deliver")
	}
	if req.Status != models.RequestStatusUnsatisfied {
		return errs.StateConflict("request is not disputed")
	}
	if req.DateUnsatisfied != nil && req.DateUnsatisfied.Before(s.now()) {
		return errs.StateConflict("the dispute window has closed")
	}

	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		// Back to pending through the delivered stamp so the close
		// window restarts from the new delivery.
		ok, err := s.requests.UpdateStatusFrom(txCtx, req.ID, models.RequestStatusUnsatisfied, models.RequestStatusPending)
		if err != nil {
			return err
		}
		if !ok {
			return errs.StateConflict("request is no longer disputed")
		}
		req.Status = models.RequestStatusPending

		now := s.now()
		if err := s.requests.SetDate(txCtx, req.ID, "date_delivered", now); err != nil {
			return err
		}
		if err := s.requests.ClearDate(txCtx, req.ID, "date_unsatisfied"); err != nil {
			return err
		}
		if err := s.requests.ClearLastDelivery(txCtx, req.ID); err != nil {
			return err
		}

		msgType := models.MessageTypeText
		if attachment != nil {
			msgType = models.MessageTypeDoc
		}
		return s.requests.AddMessage(txCtx, &models.Message{
			RequestID:    req.ID,
			OwnerID:      accountID,
			Channel:      models.ChannelCom,
			Type:         msgType,
			Content:      content,
			Attachment:   attachment,
			LastDelivery: true,
		})
	})
	if err != nil {
		return err
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorAccountID: &accountID,
		ActorType:      rbac.RolePartner,
		Action:         "request_redelivered",
		EntityType:     "request",
		EntityID:       &req.ID,
	})
	_ = s.publisher.Publish(ctx, events.StreamRequests, events.Event{
		Type: events.EventRequestStatusChanged,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"old_status": models.RequestStatusUnsatisfied,
			"new_status": models.RequestStatusPending,
		},
	})

	client, err := s.accounts.GetClientByID(ctx, req.ClientID)
	if err != nil {
		return err
	}
	s.notifier.Notify(ctx, client.AccountID, events.NotifyRequestDelivered, map[string]any{
		"request_id": req.ID.String(),
	})
	return nil
}

// Cancel ends a request. Open requests close free of charge; escrowed
// requests refund everything except the platform's maximum fee and the
// processor's cost.
func (s *RequestService) Cancel(ctx context.Context, accountID, requestID uuid.UUID) error {
	req, client, err := s.ownedRequest(ctx, accountID, requestID)
	if err != nil {
		return err
	}

	switch req.Status {
	case models.RequestStatusTodo:
		return s.cancelOpen(ctx, req, client, &accountID, rbac.RoleClient)
	case models.RequestStatusInProgress, models.RequestStatusUnsatisfied:
		if !req.CanBeCanceled(s.now(), s.cfg.PromiseGrace) {
			return errs.StateConflict("request cannot be canceled yet")
		}
		return s.cancelWithRefund(ctx, req, client, &accountID, rbac.RoleClient)
	default:
		return errs.StateConflict("request cannot be canceled in status " + req.Status)
	}
}

// cancelOpen closes an unfunded request: no money moved, nothing to
// refund.
func (s *RequestService) cancelOpen(ctx context.Context, req *models.Request, client *models.Client, actorID *uuid.UUID, actorType string) error {
	now := s.now()
	err := s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.transition(txCtx, req, models.RequestStatusCanceled, actorID, actorType); err != nil {
			return err
		}
		if err := s.requests.SetDate(txCtx, req.ID, "date_canceled", now); err != nil {
			return err
		}
		if err := s.accounts.MoveBucket(txCtx, models.ProfileClient, client.ID, req.ID, models.BucketTodo, models.BucketCanceled); err != nil {
			return err
		}
		for i := range req.RoundPartners {
			rp := &req.RoundPartners[i]
			if rp.Rejected {
				continue
			}
			if err := s.accounts.MoveBucket(txCtx, models.ProfilePartner, rp.PartnerID, req.ID, models.BucketTodo, models.BucketRejected); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range req.RoundPartners {
		rp := &req.RoundPartners[i]
		partner, err := s.accounts.GetPartnerByID(ctx, rp.PartnerID)
		if err != nil {
			continue
		}
		s.notifier.Notify(ctx, partner.AccountID, events.NotifyRequestCanceled, map[string]any{
			"request_id": req.ID.String(),
		})
	}
	return nil
}

// cancelWithRefund unwinds the escrow. The refund plan is computed
// before any state changes, so retries after a partial failure settle
// to the same numbers.
func (s *RequestService) cancelWithRefund(ctx context.Context, req *models.Request, client *models.Client, actorID *uuid.UUID, actorType string) error {
	if req.PaymentInterface == nil {
		return errs.StateConflict("request has no payment interface on record")
	}
	gw, err := s.gateways.Get(*req.PaymentInterface)
	if err != nil {
		return err
	}
	txs, err := s.ledger.ledger.ListByRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	plan, err := s.engine.PlanRefund(req, txs, gw)
	if err != nil {
		return err
	}

	fromStatus := req.Status
	now := s.now()
	err = s.txm.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.transition(txCtx, req, models.RequestStatusCanceled, actorID, actorType); err != nil {
			return err
		}
		if err := s.requests.SetDate(txCtx, req.ID, "date_canceled", now); err != nil {
			return err
		}
		if err := s.moveBuckets(txCtx, req, client, fromStatus, models.RequestStatusCanceled); err != nil {
			return err
		}
		if _, err := s.ledger.Refund(txCtx, req, plan, gw); err != nil {
			return err
		}
		if _, err := s.ledger.MakeBill(txCtx, req); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if req.PartnerID != nil {
		partner, err := s.accounts.GetPartnerByID(ctx, *req.PartnerID)
		if err == nil {
			stats := partner.Stats
			stats.CanceledCount++
			if err := s.accounts.UpdatePartnerStats(ctx, partner.ID, stats); err != nil {
				s.log.Warn("partner stats update failed", zap.Error(err))
			}
			s.notifier.Notify(ctx, partner.AccountID, events.NotifyRequestCanceled, map[string]any{
				"request_id": req.ID.String(),
			})
		}
	}
	clientAccount, err := s.accounts.GetByID(ctx, client.AccountID)
	if err == nil {
		s.notifier.Notify(ctx, clientAccount.ID, events.NotifyRequestCanceled, map[string]any{
			"request_id": req.ID.String(),
			"refund":     plan.Refund.String(),
		})
	}
	return nil
}

// RateClient records the partner's review of the client after close.
func (s *RequestService) RateClient(ctx context.Context, accountID, requestID uuid.UUID, review models.Review) error {
	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.PartnerID == nil || *req.PartnerID != partner.ID {
		return errs.Permission("only the assigned partner can review the client")
	}
	if req.Status != models.RequestStatusDone {
		return errs.StateConflict("request is not closed")
	}
	if req.ClientReview != nil {
		return errs.StateConflict("client already reviewed")
	}
	if err := s.requests.SetReview(ctx, req.ID, "client_review", review); err != nil {
		return err
	}
	return s.accounts.UpdateClientRating(ctx, req.ClientID, review.Score)
}

// ListForClient pages the caller's own requests.
func (s *RequestService) ListForClient(ctx context.Context, accountID uuid.UUID, status *string, limit, offset int) ([]models.Request, error) {
	client, err := s.accounts.GetClientByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.requests.List(ctx, repositories.RequestFilter{
		ClientID: &client.ID,
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
}

// ListForPartner returns every request the caller's partner profile is
// or was invited to.
func (s *RequestService) ListForPartner(ctx context.Context, accountID uuid.UUID) ([]models.Request, error) {
	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.requests.ListByRoundPartner(ctx, partner.ID)
}

func (s *RequestService) ownedRequest(ctx context.Context, accountID, requestID uuid.UUID) (*models.Request, *models.Client, error) {
	client, err := s.accounts.GetClientByAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.ClientID != client.ID {
		return nil, nil, errs.Permission("request belongs to another client")
	}
	return req, client, nil
}

func commonFields(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, f := range b {
		set[f] = true
	}
	var out []string
	for _, f := range a {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

func runningAverage(avg float64, count int, value float64) float64 {
	return (avg*float64(count) + value) / float64(count+1)
}
