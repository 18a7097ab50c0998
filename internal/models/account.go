package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Partner levels, best to worst for fee purposes.
const (
	LevelBlack    = "black"
	LevelPlatinum = "platinum"
	LevelGold     = "gold"
	LevelSilver   = "silver"
	LevelBronze   = "bronze"
)

// Sponsor levels carried on the referring account.
const (
	SponsorLevelA = "a"
	SponsorLevelB = "b"
	SponsorLevelC = "c"
)

// Profile kinds for the status-bucket index.
const (
	ProfileClient  = "client"
	ProfilePartner = "partner"
)

// Status buckets. Every request sits in exactly one bucket per involved
// profile, consistent with its status.
const (
	BucketTodo       = "todo"
	BucketInProgress = "in_progress"
	BucketRejected   = "rejected" // partner-only
	BucketDone       = "done"
	BucketCanceled   = "canceled"
)

type Account struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	PayoutEmail  *string    `json:"payout_email,omitempty"`
	SponsorID    *uuid.UUID `json:"sponsor_id,omitempty"`
	SponsorLevel string     `json:"sponsor_level"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
}

func (a *Account) FullName() string {
	if a.LastName == "" {
		return a.FirstName
	}
	return a.FirstName + " " + a.LastName
}

type Client struct {
	ID        uuid.UUID       `json:"id"`
	AccountID uuid.UUID       `json:"account_id"`
	Rating    decimal.Decimal `json:"rating"`
	CreatedAt time.Time       `json:"created_at"`
}

// PartnerStats is the statistical summary the matching engine scores on.
// Time averages are seconds.
type PartnerStats struct {
	DoneCount         int     `json:"done_count"`
	DoneTimeAverage   float64 `json:"done_time_average"`
	CanceledCount     int     `json:"canceled_count"`
	OfferedPercent    float64 `json:"offered_percent"`
	DoneScoreAverage  float64 `json:"done_score_average"`
	AcademicsCount    int     `json:"academics_count"`
	ExperienceYears   int     `json:"experience_years"`
	AcceptTimeAverage float64 `json:"accept_time_average"`
	PriceAverage      float64 `json:"price_average"`
}

type Partner struct {
	ID         uuid.UUID       `json:"id"`
	AccountID  uuid.UUID       `json:"account_id"`
	Level      string          `json:"level"`
	Enabled    bool            `json:"enabled"`
	Country    *string         `json:"country,omitempty"` // alpha-2 residence code
	KnowFields []string        `json:"know_fields"`
	Rating     decimal.Decimal `json:"rating"`
	Stats      PartnerStats    `json:"stats"`
	JoinedAt   time.Time       `json:"joined_at"`
}

// FavoritePartner pins a partner to a client for one knowledge field;
// favorites always join the bidding round for matching requests.
type FavoritePartner struct {
	ClientID  uuid.UUID `json:"client_id"`
	KnowField string    `json:"know_field"`
	PartnerID uuid.UUID `json:"partner_id"`
}
