package dto

import "time"

type RegisterRequest struct {
	Email        string  `json:"email"`
	FirstName    string  `json:"first_name"`
	LastName     string  `json:"last_name"`
	SponsorEmail *string `json:"sponsor_email,omitempty"`
}

type LoginRequest struct {
	Email string `json:"email"`
}

type CreatePartnerProfileRequest struct {
	KnowFields []string `json:"know_fields"`
	Country    *string  `json:"country,omitempty"`
}

type PayoutEmailRequest struct {
	PayoutEmail string `json:"payout_email"`
}

type CreateRequestRequest struct {
	Name          string   `json:"name"`
	KnowFields    []string `json:"know_fields"`
	Description   string   `json:"description"`
	CountryAlpha2 *string  `json:"country_alpha2,omitempty"`
	Questions     []string `json:"questions,omitempty"`
}

type UpdateRequestRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type PublishOfferRequest struct {
	Price        string   `json:"price"`
	DurationDays int      `json:"duration_days"`
	Requisites   []string `json:"requisites,omitempty"`
	Description  *string  `json:"description,omitempty"`
}

type AcceptOfferRequest struct {
	PartnerID string `json:"partner_id"`
	Interface string `json:"interface"`
	PaymentID string `json:"payment_id"`
	PayerID   string `json:"payer_id"`
}

type PaymentRequest struct {
	PaymentID string `json:"payment_id"`
	PayerID   string `json:"payer_id"`
}

type DeliverRequest struct {
	Content    string  `json:"content"`
	Attachment *string `json:"attachment,omitempty"`
}

type ReviewRequest struct {
	Score    int    `json:"score"`
	Comments string `json:"comments"`
}

type ApproveRequest struct {
	Review *ReviewRequest `json:"review,omitempty"`
}

type DisputeRequest struct {
	Cause  string         `json:"cause"`
	Review *ReviewRequest `json:"review,omitempty"`
}

type ExtensionRequest struct {
	DurationHours int    `json:"duration_hours"`
	Excuse        string `json:"excuse"`
}

type ResolveExtensionRequest struct {
	Approve bool `json:"approve"`
}

type PostMessageRequest struct {
	Type        string     `json:"type,omitempty"`
	Content     string     `json:"content"`
	Attachment  *string    `json:"attachment,omitempty"`
	ReferenceTS *time.Time `json:"reference_ts,omitempty"`
}
