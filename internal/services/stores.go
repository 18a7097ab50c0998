package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/payments"
	"github.com/asilinks/backend/internal/repositories"
)

// The services depend on narrow store interfaces so lifecycle rules can
// be tested against in-memory implementations. The pgx repositories
// satisfy them.

type RequestStore interface {
	Create(ctx context.Context, req *models.Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Request, error)
	GetRoundState(ctx context.Context, id uuid.UUID) (*repositories.RoundState, error)
	List(ctx context.Context, f repositories.RequestFilter) ([]models.Request, error)
	ListByRoundPartner(ctx context.Context, partnerID uuid.UUID) ([]models.Request, error)

	UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, name, description string) (bool, error)
	AcceptOffer(ctx context.Context, id uuid.UUID, a repositories.Acceptance) (bool, error)
	SetDate(ctx context.Context, id uuid.UUID, column string, at time.Time) error
	ClearDate(ctx context.Context, id uuid.UUID, column string) error
	SetReview(ctx context.Context, id uuid.UUID, column string, review models.Review) error
	SetExtensions(ctx context.Context, id uuid.UUID, exts []models.TimeExtension, promise time.Time) error
	UpdateLastRead(ctx context.Context, id uuid.UUID, who string, at time.Time) error
	RestartRound(ctx context.Context, id uuid.UUID, at time.Time) error

	AddRoundPartners(ctx context.Context, requestID uuid.UUID, partnerIDs []uuid.UUID, at time.Time) error
	GetRound(ctx context.Context, requestID uuid.UUID) ([]models.RoundPartner, error)
	GetRoundEntry(ctx context.Context, requestID, partnerID uuid.UUID) (*models.RoundPartner, error)
	PublishOffer(ctx context.Context, entryID uuid.UUID, rp *models.RoundPartner) error
	RejectEntry(ctx context.Context, entryID uuid.UUID) error
	RejectOthers(ctx context.Context, requestID, winnerPartnerID uuid.UUID) error
	TouchRoundEntry(ctx context.Context, entryID uuid.UUID, at time.Time) error
	TouchNotification(ctx context.Context, entryID uuid.UUID, at time.Time) error

	AddMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, requestID uuid.UUID, channel string) ([]models.Message, error)
	ClearLastDelivery(ctx context.Context, requestID uuid.UUID) error
	DeleteMessages(ctx context.Context, requestIDs []uuid.UUID) (int64, error)

	ListStaleRounds(ctx context.Context, olderThan time.Time) ([]repositories.RoundState, error)
	ListUnsatisfiedBefore(ctx context.Context, deadline time.Time) ([]models.Request, error)
	ListBreachedPromises(ctx context.Context, deadline time.Time) ([]models.Request, error)
	ListPendingDeliveredBefore(ctx context.Context, deadline time.Time) ([]models.Request, error)
	ListClosedBefore(ctx context.Context, deadline time.Time) ([]uuid.UUID, error)
	ListOrphanRounds(ctx context.Context) ([]models.Request, error)
}

type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetClientByAccount(ctx context.Context, accountID uuid.UUID) (*models.Client, error)
	GetClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error)
	GetPartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error)
	GetPartnerByAccount(ctx context.Context, accountID uuid.UUID) (*models.Partner, error)
	ListCandidates(ctx context.Context, f repositories.CandidateFilter) ([]models.Partner, error)
	GetFavoritePartners(ctx context.Context, clientID uuid.UUID, knowFields []string) ([]models.Partner, error)
	ReplaceFavorites(ctx context.Context, clientID, partnerID uuid.UUID, knowFields []string) error
	MoveBucket(ctx context.Context, profileType string, profileID, requestID uuid.UUID, from, to string) error
	CountBuckets(ctx context.Context, profileType string, profileID uuid.UUID) (map[string]int, error)
	UpdatePartnerStats(ctx context.Context, id uuid.UUID, stats models.PartnerStats) error
	UpdateClientRating(ctx context.Context, id uuid.UUID, score int) error
	UpdatePartnerRating(ctx context.Context, id uuid.UUID, score int) error
	TouchLastActive(ctx context.Context, id uuid.UUID) error
}

type LedgerStore interface {
	Create(ctx context.Context, t *models.Transaction) error
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.Transaction, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Transaction, error)
	CreateBill(ctx context.Context, b *models.Bill) error
	ListBillsByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Bill, error)
}

type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

// GatewayProvider resolves a payment interface key.
type GatewayProvider interface {
	Get(key string) (payments.Gateway, error)
	Quoter(key string) (payments.FeeQuoter, error)
}

// Notifier delivers a templated notification to one account.
type Notifier interface {
	Notify(ctx context.Context, accountID uuid.UUID, template string, data map[string]any)
}
