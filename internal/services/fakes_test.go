package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/billing"
	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/events"
	"github.com/asilinks/backend/internal/matching"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/payments"
	"github.com/asilinks/backend/internal/repositories"
)

var errFakeNotFound = errors.New("not found")

// fakeRequests is an in-memory RequestStore with the same CAS semantics
// as the pgx repository.
type fakeRequests struct {
	mu         sync.Mutex
	clock      func() time.Time
	byID       map[uuid.UUID]*models.Request
	rounds     map[uuid.UUID][]models.RoundPartner
	msgs       map[uuid.UUID][]models.Message
	roundNum   map[uuid.UUID]int
	roundStart map[uuid.UUID]time.Time
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{
		clock:      time.Now,
		byID:       make(map[uuid.UUID]*models.Request),
		rounds:     make(map[uuid.UUID][]models.RoundPartner),
		msgs:       make(map[uuid.UUID][]models.Message),
		roundNum:   make(map[uuid.UUID]int),
		roundStart: make(map[uuid.UUID]time.Time),
	}
}

func (f *fakeRequests) Create(_ context.Context, req *models.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.ID = uuid.New()
	req.DateCreated = f.clock()
	cp := *req
	f.byID[req.ID] = &cp
	f.roundNum[req.ID] = 1
	f.roundStart[req.ID] = req.DateCreated
	return nil
}

func (f *fakeRequests) get(id uuid.UUID) (*models.Request, error) {
	req, ok := f.byID[id]
	if !ok {
		return nil, errFakeNotFound
	}
	return req, nil
}

func (f *fakeRequests) GetByID(_ context.Context, id uuid.UUID) (*models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return nil, err
	}
	out := *req
	out.RoundPartners = append([]models.RoundPartner(nil), f.rounds[id]...)
	for _, m := range f.msgs[id] {
		switch m.Channel {
		case models.ChannelQuestions:
			out.Questions = append(out.Questions, m)
		case models.ChannelCom:
			out.ComChannel = append(out.ComChannel, m)
		}
	}
	return &out, nil
}

func (f *fakeRequests) GetRoundState(_ context.Context, id uuid.UUID) (*repositories.RoundState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return &repositories.RoundState{Request: *req, RoundNumber: f.roundNum[id], RoundStartedAt: f.roundStart[id]}, nil
}

func (f *fakeRequests) List(_ context.Context, filter repositories.RequestFilter) ([]models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Request
	for _, req := range f.byID {
		if filter.ClientID != nil && req.ClientID != *filter.ClientID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

func (f *fakeRequests) ListByRoundPartner(_ context.Context, partnerID uuid.UUID) ([]models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Request
	for id, round := range f.rounds {
		for i := range round {
			if round[i].PartnerID == partnerID {
				out = append(out, *f.byID[id])
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRequests) UpdateStatusFrom(_ context.Context, id uuid.UUID, from, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return false, err
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	return true, nil
}

func (f *fakeRequests) UpdateDetails(_ context.Context, id uuid.UUID, name, description string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return false, err
	}
	if req.Status != models.RequestStatusTodo {
		return false, nil
	}
	req.Name = name
	req.Description = description
	return true, nil
}

func (f *fakeRequests) AcceptOffer(_ context.Context, id uuid.UUID, a repositories.Acceptance) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return false, err
	}
	if req.Status != models.RequestStatusTodo || req.PartnerID != nil {
		return false, nil
	}
	req.Status = models.RequestStatusInProgress
	req.PartnerID = &a.PartnerID
	req.Price = &a.Price
	req.SponsorPercent = &a.SponsorPercent
	req.PaymentInterface = &a.PaymentInterface
	req.DateStarted = &a.DateStarted
	req.DatePromise = &a.DatePromise
	return true, nil
}

func (f *fakeRequests) SetDate(_ context.Context, id uuid.UUID, column string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return err
	}
	switch column {
	case "date_delivered":
		req.DateDelivered = &at
	case "date_closed":
		req.DateClosed = &at
	case "date_canceled":
		req.DateCanceled = &at
	case "date_unsatisfied":
		req.DateUnsatisfied = &at
	case "date_promise":
		req.DatePromise = &at
	default:
		return fmt.Errorf("unknown date column %s", column)
	}
	return nil
}

func (f *fakeRequests) ClearDate(_ context.Context, id uuid.UUID, column string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return err
	}
	switch column {
	case "date_unsatisfied":
		req.DateUnsatisfied = nil
	case "date_delivered":
		req.DateDelivered = nil
	default:
		return fmt.Errorf("unknown date column %s", column)
	}
	return nil
}

func (f *fakeRequests) SetReview(_ context.Context, id uuid.UUID, column string, review models.Review) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return err
	}
	switch column {
	case "client_review":
		if req.ClientReview != nil {
			return errors.New("review already set")
		}
		req.ClientReview = &review
	case "partner_review":
		if req.PartnerReview != nil {
			return errors.New("review already set")
		}
		req.PartnerReview = &review
	default:
		return fmt.Errorf("unknown review column %s", column)
	}
	return nil
}

func (f *fakeRequests) SetExtensions(_ context.Context, id uuid.UUID, exts []models.TimeExtension, promise time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return err
	}
	req.TimeExtensions = exts
	req.DatePromise = &promise
	return nil
}

func (f *fakeRequests) UpdateLastRead(_ context.Context, id uuid.UUID, who string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, err := f.get(id)
	if err != nil {
		return err
	}
	if who == "client" {
		req.LastReadClient = at
	} else {
		req.LastReadPartner = at
	}
	return nil
}

func (f *fakeRequests) RestartRound(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roundNum[id]++
	f.roundStart[id] = at
	return nil
}

func (f *fakeRequests) AddRoundPartners(_ context.Context, requestID uuid.UUID, partnerIDs []uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := make(map[uuid.UUID]bool)
	for _, rp := range f.rounds[requestID] {
		existing[rp.PartnerID] = true
	}
	for _, pid := range partnerIDs {
		if existing[pid] {
			continue
		}
		f.rounds[requestID] = append(f.rounds[requestID], models.RoundPartner{
			ID:               uuid.New(),
			RequestID:        requestID,
			PartnerID:        pid,
			DateNotification: at,
		})
	}
	return nil
}

func (f *fakeRequests) GetRound(_ context.Context, requestID uuid.UUID) ([]models.RoundPartner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RoundPartner(nil), f.rounds[requestID]...), nil
}

func (f *fakeRequests) GetRoundEntry(_ context.Context, requestID, partnerID uuid.UUID) (*models.RoundPartner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rounds[requestID] {
		if f.rounds[requestID][i].PartnerID == partnerID {
			out := f.rounds[requestID][i]
			return &out, nil
		}
	}
	return nil, errFakeNotFound
}

func (f *fakeRequests) entry(entryID uuid.UUID) *models.RoundPartner {
	for reqID := range f.rounds {
		for i := range f.rounds[reqID] {
			if f.rounds[reqID][i].ID == entryID {
				return &f.rounds[reqID][i]
			}
		}
	}
	return nil
}

func (f *fakeRequests) PublishOffer(_ context.Context, entryID uuid.UUID, rp *models.RoundPartner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entry(entryID)
	if e == nil {
		return errFakeNotFound
	}
	e.Price = rp.Price
	e.Duration = rp.Duration
	e.Requisites = rp.Requisites
	e.Description = rp.Description
	e.DateResponse = rp.DateResponse
	return nil
}

func (f *fakeRequests) RejectEntry(_ context.Context, entryID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entry(entryID)
	if e == nil {
		return errFakeNotFound
	}
	e.Rejected = true
	return nil
}

func (f *fakeRequests) RejectOthers(_ context.Context, requestID, winnerPartnerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rounds[requestID] {
		if f.rounds[requestID][i].PartnerID != winnerPartnerID {
			f.rounds[requestID][i].Rejected = true
		}
	}
	return nil
}

func (f *fakeRequests) TouchRoundEntry(_ context.Context, entryID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entry(entryID)
	if e == nil {
		return errFakeNotFound
	}
	e.LastRead = at
	return nil
}

func (f *fakeRequests) TouchNotification(_ context.Context, entryID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entry(entryID)
	if e == nil {
		return errFakeNotFound
	}
	e.DateNotification = at
	return nil
}

func (f *fakeRequests) AddMessage(_ context.Context, m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = uuid.New()
	m.TS = f.clock()
	f.msgs[m.RequestID] = append(f.msgs[m.RequestID], *m)
	return nil
}

func (f *fakeRequests) ListMessages(_ context.Context, requestID uuid.UUID, channel string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.msgs[requestID] {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRequests) ClearLastDelivery(_ context.Context, requestID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs[requestID]
	for i := range msgs {
		msgs[i].LastDelivery = false
	}
	return nil
}

func (f *fakeRequests) DeleteMessages(_ context.Context, requestIDs []uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range requestIDs {
		n += int64(len(f.msgs[id]))
		delete(f.msgs, id)
	}
	return n, nil
}

func (f *fakeRequests) ListStaleRounds(_ context.Context, olderThan time.Time) ([]repositories.RoundState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repositories.RoundState
	for id, req := range f.byID {
		if req.Status == models.RequestStatusTodo && f.roundStart[id].Before(olderThan) {
			out = append(out, repositories.RoundState{Request: *req, RoundNumber: f.roundNum[id], RoundStartedAt: f.roundStart[id]})
		}
	}
	return out, nil
}

func (f *fakeRequests) ListUnsatisfiedBefore(_ context.Context, deadline time.Time) ([]models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Request
	for _, req := range f.byID {
		if req.Status == models.RequestStatusUnsatisfied && req.DateUnsatisfied != nil && req.DateUnsatisfied.Before(deadline) {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (f *fakeRequests) ListBreachedPromises(_ context.Context, deadline time.Time) ([]models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Request
	for _, req := range f.byID {
		if req.Status == models.RequestStatusInProgress && req.DatePromise != nil && req.DatePromise.Before(deadline) {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (f *fakeRequests) ListPendingDeliveredBefore(_ context.Context, deadline time.Time) ([]models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Request
	for _, req := range f.byID {
		if req.Status == models.RequestStatusPending && req.DateDelivered != nil && req.DateDelivered.Before(deadline) {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (f *fakeRequests) ListClosedBefore(_ context.Context, deadline time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for id, req := range f.byID {
		if req.Status == models.RequestStatusDone && req.DateClosed != nil && req.DateClosed.Before(deadline) && len(f.msgs[id]) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeRequests) ListOrphanRounds(_ context.Context) ([]models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Request
	for id, req := range f.byID {
		if req.Status == models.RequestStatusTodo && len(f.rounds[id]) == 0 {
			out = append(out, *req)
		}
	}
	return out, nil
}

// fakeAccounts is an in-memory AccountStore. MoveBucket is strict about
// the from bucket so tests catch invariant drift.
type fakeAccounts struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]*models.Account
	clients   map[uuid.UUID]*models.Client
	partners  map[uuid.UUID]*models.Partner
	favorites []models.FavoritePartner
	buckets   map[string]string
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		accounts: make(map[uuid.UUID]*models.Account),
		clients:  make(map[uuid.UUID]*models.Client),
		partners: make(map[uuid.UUID]*models.Partner),
		buckets:  make(map[string]string),
	}
}

func bucketKey(profileType string, profileID, requestID uuid.UUID) string {
	return profileType + "/" + profileID.String() + "/" + requestID.String()
}

func (f *fakeAccounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, errFakeNotFound
	}
	out := *a
	return &out, nil
}

func (f *fakeAccounts) GetClientByAccount(_ context.Context, accountID uuid.UUID) (*models.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if c.AccountID == accountID {
			out := *c
			return &out, nil
		}
	}
	return nil, errFakeNotFound
}

func (f *fakeAccounts) GetClientByID(_ context.Context, id uuid.UUID) (*models.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return nil, errFakeNotFound
	}
	out := *c
	return &out, nil
}

func (f *fakeAccounts) GetPartnerByID(_ context.Context, id uuid.UUID) (*models.Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partners[id]
	if !ok {
		return nil, errFakeNotFound
	}
	out := *p
	return &out, nil
}

func (f *fakeAccounts) GetPartnerByAccount(_ context.Context, accountID uuid.UUID) (*models.Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.partners {
		if p.AccountID == accountID {
			out := *p
			return &out, nil
		}
	}
	return nil, errFakeNotFound
}

func (f *fakeAccounts) ListCandidates(_ context.Context, filter repositories.CandidateFilter) ([]models.Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	excluded := make(map[uuid.UUID]bool, len(filter.ExcludeIDs))
	for _, id := range filter.ExcludeIDs {
		excluded[id] = true
	}
	var out []models.Partner
	for _, p := range f.partners {
		if !p.Enabled || excluded[p.ID] {
			continue
		}
		if len(commonFields(filter.KnowFields, p.KnowFields)) == 0 {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeAccounts) GetFavoritePartners(_ context.Context, clientID uuid.UUID, knowFields []string) ([]models.Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields := make(map[string]bool, len(knowFields))
	for _, kf := range knowFields {
		fields[kf] = true
	}
	seen := make(map[uuid.UUID]bool)
	var out []models.Partner
	for _, fav := range f.favorites {
		if fav.ClientID != clientID || !fields[fav.KnowField] || seen[fav.PartnerID] {
			continue
		}
		seen[fav.PartnerID] = true
		if p, ok := f.partners[fav.PartnerID]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeAccounts) ReplaceFavorites(_ context.Context, clientID, partnerID uuid.UUID, knowFields []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields := make(map[string]bool, len(knowFields))
	for _, kf := range knowFields {
		fields[kf] = true
	}
	kept := f.favorites[:0]
	for _, fav := range f.favorites {
		if fav.ClientID == clientID && fields[fav.KnowField] {
			continue
		}
		kept = append(kept, fav)
	}
	f.favorites = kept
	for _, kf := range knowFields {
		f.favorites = append(f.favorites, models.FavoritePartner{ClientID: clientID, KnowField: kf, PartnerID: partnerID})
	}
	return nil
}

func (f *fakeAccounts) MoveBucket(_ context.Context, profileType string, profileID, requestID uuid.UUID, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bucketKey(profileType, profileID, requestID)
	if from != "" {
		if f.buckets[key] != from {
			return fmt.Errorf("bucket %s is %q, expected %q", key, f.buckets[key], from)
		}
	}
	if to == "" {
		delete(f.buckets, key)
		return nil
	}
	f.buckets[key] = to
	return nil
}

func (f *fakeAccounts) CountBuckets(_ context.Context, profileType string, profileID uuid.UUID) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := profileType + "/" + profileID.String() + "/"
	out := make(map[string]int)
	for key, bucket := range f.buckets {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[bucket]++
		}
	}
	return out, nil
}

func (f *fakeAccounts) UpdatePartnerStats(_ context.Context, id uuid.UUID, stats models.PartnerStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partners[id]
	if !ok {
		return errFakeNotFound
	}
	p.Stats = stats
	return nil
}

func (f *fakeAccounts) UpdateClientRating(_ context.Context, id uuid.UUID, score int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return errFakeNotFound
	}
	c.Rating = decimal.NewFromInt(int64(score))
	return nil
}

func (f *fakeAccounts) UpdatePartnerRating(_ context.Context, id uuid.UUID, score int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partners[id]
	if !ok {
		return errFakeNotFound
	}
	p.Rating = decimal.NewFromInt(int64(score))
	return nil
}

func (f *fakeAccounts) TouchLastActive(_ context.Context, _ uuid.UUID) error { return nil }

// fakeLedger is an in-memory append-only LedgerStore.
type fakeLedger struct {
	mu    sync.Mutex
	txs   []models.Transaction
	bills []models.Bill
}

func (f *fakeLedger) Create(_ context.Context, t *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = uuid.New()
	t.Date = time.Now()
	f.txs = append(f.txs, *t)
	return nil
}

func (f *fakeLedger) ListByRequest(_ context.Context, requestID uuid.UUID) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, t := range f.txs {
		if t.RequestID != nil && *t.RequestID == requestID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListByOwner(_ context.Context, ownerID uuid.UUID, _, _ int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, t := range f.txs {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLedger) CreateBill(_ context.Context, b *models.Bill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.ID = uuid.New()
	b.Date = time.Now()
	f.bills = append(f.bills, *b)
	return nil
}

func (f *fakeLedger) ListBillsByOwner(_ context.Context, ownerID uuid.UUID, _, _ int) ([]models.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Bill
	for _, b := range f.bills {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	return out, nil
}

// recordGateway quotes the bypass fee schedule and records every money
// movement for assertions.
type recordGateway struct {
	mu      sync.Mutex
	charges []string
	refunds []decimal.Decimal
	payouts map[string]decimal.Decimal
	seq     int
}

func newRecordGateway() *recordGateway {
	return &recordGateway{payouts: make(map[string]decimal.Decimal)}
}

func (g *recordGateway) PaymentFee(decimal.Decimal) decimal.Decimal {
	return decimal.RequireFromString("10.00")
}

func (g *recordGateway) PayoutFee(decimal.Decimal) decimal.Decimal {
	return decimal.RequireFromString("2.00")
}

func (g *recordGateway) GenerateToken(context.Context, decimal.Decimal) (string, error) {
	return "token", nil
}

func (g *recordGateway) Charge(_ context.Context, paymentID, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	ref := fmt.Sprintf("sale-%d", g.seq)
	g.charges = append(g.charges, paymentID)
	return ref, nil
}

func (g *recordGateway) Refund(_ context.Context, _ string, amount decimal.Decimal) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, amount)
	return "refund", nil
}

func (g *recordGateway) Payout(_ context.Context, destination string, amount decimal.Decimal) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts[destination] = g.payouts[destination].Add(amount)
	return "batch", nil
}

func (g *recordGateway) Get(string) (payments.Gateway, error)      { return g, nil }
func (g *recordGateway) Quoter(string) (payments.FeeQuoter, error) { return g, nil }

// passTx runs the function without a database.
type passTx struct{}

func (passTx) RunInTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (f *fakeAudit) Log(_ context.Context, entry models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type notification struct {
	AccountID uuid.UUID
	Template  string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (f *fakeNotifier) Notify(_ context.Context, accountID uuid.UUID, template string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, notification{AccountID: accountID, Template: template})
}

func (f *fakeNotifier) count(template string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, note := range f.notes {
		if note.Template == template {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakePublisher) Publish(_ context.Context, _ string, ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

// testEnv wires a RequestService against the in-memory stores with a
// controllable clock.
type testEnv struct {
	requests  *fakeRequests
	accounts  *fakeAccounts
	ledger    *fakeLedger
	gw        *recordGateway
	audit     *fakeAudit
	notifier  *fakeNotifier
	publisher *fakePublisher
	cfg       *config.Config
	svc       *RequestService

	now time.Time
}

func newTestEnv() *testEnv {
	cfg := &config.Config{
		Environment: "test",
		Fees: config.FeeSchedule{
			TotalFee:           decimal.RequireFromString("0.200"),
			MaxPlatformFee:     decimal.RequireFromString("0.150"),
			PlatformFeeRate:    decimal.RequireFromString("0.025"),
			SponsorFeeRate:     decimal.RequireFromString("0.025"),
			FirstClientPayment: decimal.RequireFromString("0.600"),
			MinOfferPrice:      decimal.RequireFromString("20"),
			PenaltyDiscounts: []decimal.Decimal{
				decimal.Zero,
				decimal.RequireFromString("0.05"),
				decimal.RequireFromString("0.10"),
				decimal.RequireFromString("0.15"),
				decimal.RequireFromString("0.20"),
			},
		},
		Processor: config.ProcessorFees{
			PaymentPercent: decimal.RequireFromString("0.029"),
			PaymentFlat:    decimal.RequireFromString("0.30"),
			PayoutPercent:  decimal.RequireFromString("0.020"),
			PayoutMax:      decimal.RequireFromString("1.00"),
		},
		PlatformAccountID:       uuid.New(),
		DefaultSponsorAccountID: uuid.New(),
		MatchSamplesPerLevel:    4,
		RoundCycle:              36 * time.Hour,
		UnsatisfiedGrace:        48 * time.Hour,
		PromiseGrace:            7 * 24 * time.Hour,
		DeadlineSweepGrace:      48 * time.Hour,
		AutoCloseAfter:          48 * time.Hour,
		ExtensionLeadTime:       48 * time.Hour,
		MessageRetention:        30 * 24 * time.Hour,
	}

	env := &testEnv{
		requests:  newFakeRequests(),
		accounts:  newFakeAccounts(),
		ledger:    &fakeLedger{},
		gw:        newRecordGateway(),
		audit:     &fakeAudit{},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		cfg:       cfg,
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	log := zap.NewNop()
	ledgerSvc := NewLedgerService(env.ledger, env.accounts, cfg, log)
	engine := billing.NewEngine(cfg.Fees, cfg.Processor)
	matcher := matching.NewEngine(cfg.MatchSamplesPerLevel, rand.New(rand.NewSource(1)))

	env.svc = NewRequestService(
		env.requests, env.accounts, ledgerSvc, engine, matcher,
		env.gw, env.audit, passTx{}, env.notifier, env.publisher, cfg, log,
	)
	env.svc.now = func() time.Time { return env.now }
	env.requests.clock = env.svc.now
	return env
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func (e *testEnv) addAccount() *models.Account {
	a := &models.Account{ID: uuid.New(), Email: uuid.NewString() + "@test.dev", SponsorLevel: models.SponsorLevelA}
	e.accounts.accounts[a.ID] = a
	return a
}

func (e *testEnv) addClient() (*models.Account, *models.Client) {
	a := e.addAccount()
	c := &models.Client{ID: uuid.New(), AccountID: a.ID}
	e.accounts.clients[c.ID] = c
	return a, c
}

func (e *testEnv) addPartner(level string, knowFields ...string) (*models.Account, *models.Partner) {
	a := e.addAccount()
	payout := a.Email
	a.PayoutEmail = &payout
	p := &models.Partner{
		ID:         uuid.New(),
		AccountID:  a.ID,
		Level:      level,
		Enabled:    true,
		KnowFields: knowFields,
	}
	e.accounts.partners[p.ID] = p
	return a, p
}

func (e *testEnv) bucket(profileType string, profileID, requestID uuid.UUID) string {
	e.accounts.mu.Lock()
	defer e.accounts.mu.Unlock()
	return e.accounts.buckets[bucketKey(profileType, profileID, requestID)]
}

func (e *testEnv) ledgerOps(requestID uuid.UUID) []int {
	txs, _ := e.ledger.ListByRequest(context.Background(), requestID)
	ops := make([]int, 0, len(txs))
	for _, t := range txs {
		ops = append(ops, t.Operation)
	}
	return ops
}
