package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request statuses
const (
	RequestStatusTodo        = "todo"
	RequestStatusInProgress  = "in_progress"
	RequestStatusDelivered   = "delivered"
	RequestStatusPending     = "pending"
	RequestStatusDone        = "done"
	RequestStatusCanceled    = "canceled"
	RequestStatusUnsatisfied = "unsatisfied"
)

// Valid state transitions: from -> []to
var ValidRequestTransitions = map[string][]string{
	RequestStatusTodo:        {RequestStatusInProgress, RequestStatusCanceled},
	RequestStatusInProgress:  {RequestStatusDelivered, RequestStatusCanceled},
	RequestStatusDelivered:   {RequestStatusPending},
	RequestStatusPending:     {RequestStatusDone, RequestStatusUnsatisfied},
	RequestStatusUnsatisfied: {RequestStatusCanceled},
	RequestStatusDone:        {},
	RequestStatusCanceled:    {},
}

// statusRank orders the forward path; branches share the rank of their
// origin. Used for "at least in progress" checks.
var statusRank = map[string]int{
	RequestStatusTodo:        1,
	RequestStatusInProgress:  2,
	RequestStatusDelivered:   3,
	RequestStatusPending:     4,
	RequestStatusUnsatisfied: 4,
	RequestStatusDone:        5,
	RequestStatusCanceled:    5,
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidRequestTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StatusAtLeast reports whether status has reached the rank of min on
// the forward path.
func StatusAtLeast(status, min string) bool {
	return statusRank[status] >= statusRank[min]
}

type Request struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	KnowFields    []string  `json:"know_fields"`
	Description   string    `json:"description"`
	CountryAlpha2 *string   `json:"country_alpha2,omitempty"`
	Status        string    `json:"status"`

	ClientID  uuid.UUID  `json:"client_id"`
	PartnerID *uuid.UUID `json:"partner_id,omitempty"` // set once an offer is accepted

	Price            *decimal.Decimal `json:"price,omitempty"`           // frozen at acceptance
	SponsorPercent   *decimal.Decimal `json:"sponsor_percent,omitempty"` // fee split snapshot, 3-decimal
	PaymentInterface *string          `json:"payment_interface,omitempty"`

	ClientReview  *Review `json:"client_review,omitempty"`  // written by the partner about the client
	PartnerReview *Review `json:"partner_review,omitempty"` // written by the client about the partner

	DateCreated     time.Time  `json:"date_created"`
	DateStarted     *time.Time `json:"date_started,omitempty"`
	DateDelivered   *time.Time `json:"date_delivered,omitempty"`
	DateClosed      *time.Time `json:"date_closed,omitempty"`
	DateCanceled    *time.Time `json:"date_canceled,omitempty"`
	DatePromise     *time.Time `json:"date_promise,omitempty"`
	DateUnsatisfied *time.Time `json:"date_unsatisfied,omitempty"`

	LastReadClient  time.Time `json:"last_read_client"`
	LastReadPartner time.Time `json:"last_read_partner"`

	RoundPartners  []RoundPartner  `json:"round_partners,omitempty"`
	Questions      []Message       `json:"questions,omitempty"`   // pre-acceptance Q&A channel
	ComChannel     []Message       `json:"com_channel,omitempty"` // post-acceptance channel
	TimeExtensions []TimeExtension `json:"time_extensions,omitempty"`
	TransactionIDs []uuid.UUID     `json:"transaction_ids,omitempty"`
}

// RoundPartner is one candidate partner's participation in a bidding
// round. Never deleted, only marked rejected.
type RoundPartner struct {
	ID               uuid.UUID        `json:"id"`
	RequestID        uuid.UUID        `json:"request_id"`
	PartnerID        uuid.UUID        `json:"partner_id"`
	DateNotification time.Time        `json:"date_notification"`
	LastRead         time.Time        `json:"last_read"`
	DateResponse     *time.Time       `json:"date_response,omitempty"`
	Rejected         bool             `json:"rejected"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	Duration         time.Duration    `json:"duration"`
	Requisites       []string         `json:"requisites,omitempty"`
	Description      *string          `json:"description,omitempty"`
	LastActivity     *time.Time       `json:"last_activity,omitempty"`
}

// HasOffer reports whether this candidate has published a priced offer.
func (rp *RoundPartner) HasOffer() bool {
	return rp.Price != nil && rp.DateResponse != nil
}

// Message types
const (
	MessageTypeVoice = "voice"
	MessageTypeImage = "image"
	MessageTypeDoc   = "doc"
	MessageTypeText  = "text"
)

// Message channels
const (
	ChannelQuestions = "questions"
	ChannelCom       = "com"
)

type Message struct {
	ID           uuid.UUID  `json:"id"`
	RequestID    uuid.UUID  `json:"request_id"`
	OwnerID      uuid.UUID  `json:"owner_id"` // account id of the sender
	Channel      string     `json:"channel"`
	Type         string     `json:"type"`
	Content      string     `json:"content,omitempty"`
	Attachment   *string    `json:"attachment,omitempty"` // opaque store handle
	TS           time.Time  `json:"ts"`
	ReferenceTS  *time.Time `json:"reference_ts,omitempty"` // answered message, questions only
	LastDelivery bool       `json:"last_delivery"`
}

// TimeExtension approval is tri-state: nil pending, true approved,
// false rejected.
type TimeExtension struct {
	Duration    time.Duration `json:"duration"`
	Excuse      string        `json:"excuse"`
	Approve     *bool         `json:"approve,omitempty"`
	DateCreated time.Time     `json:"date_created"`
	DateClosed  *time.Time    `json:"date_closed,omitempty"`
}

type Review struct {
	Score    int    `json:"score"`
	Comments string `json:"comments"`
}

// RoundPartnerFor returns the round entry for a partner, if invited.
func (r *Request) RoundPartnerFor(partnerID uuid.UUID) *RoundPartner {
	for i := range r.RoundPartners {
		if r.RoundPartners[i].PartnerID == partnerID {
			return &r.RoundPartners[i]
		}
	}
	return nil
}

// AssignedDuration returns the winning partner's offered duration.
func (r *Request) AssignedDuration() time.Duration {
	if r.PartnerID == nil {
		return 0
	}
	if rp := r.RoundPartnerFor(*r.PartnerID); rp != nil {
		return rp.Duration
	}
	return 0
}

// DaysLate counts whole days between date_promise and delivery (or now,
// when not yet delivered). Non-positive when on time or no promise set.
func (r *Request) DaysLate(now time.Time) int {
	if r.DatePromise == nil {
		return 0
	}
	ref := now
	if r.DateDelivered != nil {
		ref = *r.DateDelivered
	}
	d := int(ref.Sub(*r.DatePromise).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// PenaltyDiscount looks up the late-delivery discount, clamped to the
// table length. Returns zero when no promise date exists.
func (r *Request) PenaltyDiscount(table []decimal.Decimal, now time.Time) decimal.Decimal {
	if r.DatePromise == nil || len(table) == 0 {
		return decimal.Zero
	}
	idx := r.DaysLate(now)
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

// CanBeCanceled reports whether an explicit cancellation is allowed:
// in progress past the promise grace window, or unsatisfied past the
// dispute deadline.
func (r *Request) CanBeCanceled(now time.Time, promiseGrace time.Duration) bool {
	switch r.Status {
	case RequestStatusInProgress:
		return r.DatePromise != nil && r.DatePromise.Add(promiseGrace).Before(now)
	case RequestStatusUnsatisfied:
		return r.DateUnsatisfied != nil && r.DateUnsatisfied.Before(now)
	}
	return false
}

// PendingExtension returns the latest extension awaiting a client
// response, if any.
func (r *Request) PendingExtension() *TimeExtension {
	if n := len(r.TimeExtensions); n > 0 && r.TimeExtensions[n-1].Approve == nil {
		return &r.TimeExtensions[n-1]
	}
	return nil
}

// PromiseFromExtensions recomputes date_promise as date_started plus the
// original offered duration plus every approved extension.
func (r *Request) PromiseFromExtensions() time.Time {
	promise := *r.DateStarted
	promise = promise.Add(r.AssignedDuration())
	for _, ext := range r.TimeExtensions {
		if ext.Approve != nil && *ext.Approve {
			promise = promise.Add(ext.Duration)
		}
	}
	return promise
}

// LastReadFor returns the unread pointer for the given account: the
// client pointer, the partner pointer once assigned, or the account's
// round entry while bidding is open.
func (r *Request) LastReadFor(accountID uuid.UUID, clientAccountID uuid.UUID, partnerLookup func(partnerID uuid.UUID) uuid.UUID) time.Time {
	if accountID == clientAccountID {
		return r.LastReadClient
	}
	if r.Status != RequestStatusTodo && r.PartnerID != nil && partnerLookup(*r.PartnerID) == accountID {
		return r.LastReadPartner
	}
	for i := range r.RoundPartners {
		if partnerLookup(r.RoundPartners[i].PartnerID) == accountID {
			return r.RoundPartners[i].LastRead
		}
	}
	return time.Time{}
}

// NewMessages counts channel messages newer than lastRead. The active
// channel is questions while TODO, com afterwards.
func (r *Request) NewMessages(lastRead time.Time) int {
	channel := r.ComChannel
	if r.Status == RequestStatusTodo {
		channel = r.Questions
	}
	n := 0
	for i := range channel {
		if channel[i].TS.After(lastRead) {
			n++
		}
	}
	return n
}

// NewOffers counts non-rejected offers the client has not yet seen.
func (r *Request) NewOffers() int {
	if r.Status != RequestStatusTodo {
		return 0
	}
	n := 0
	for i := range r.RoundPartners {
		rp := &r.RoundPartners[i]
		if rp.DateResponse != nil && !rp.Rejected && rp.DateResponse.After(r.LastReadClient) {
			n++
		}
	}
	return n
}

// BucketForStatus maps a request status to the bucket a profile's index
// entry belongs in. Losing round partners are handled separately via
// BucketRejected.
func BucketForStatus(status string) string {
	switch status {
	case RequestStatusTodo:
		return BucketTodo
	case RequestStatusInProgress, RequestStatusDelivered, RequestStatusPending, RequestStatusUnsatisfied:
		return BucketInProgress
	case RequestStatusDone:
		return BucketDone
	case RequestStatusCanceled:
		return BucketCanceled
	}
	return ""
}
