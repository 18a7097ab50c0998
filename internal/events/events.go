package events

import "context"

// Event types
const (
	EventRequestStatusChanged = "request_status_changed"
	EventRequestMessage       = "request_message"
	EventOfferPublished       = "offer_published"
	EventPaymentReceived      = "payment_received"
	EventDeliverableArchived  = "deliverable_archived"
	EventNotification         = "notification"
)

// Notification template keys, consumed by the notify bridge.
const (
	NotifyHaveAnOpportunity  = "have_an_opportunity"
	NotifyPartnerNotFound    = "partner_not_found"
	NotifyNewOffer           = "new_offer"
	NotifyOfferReminder      = "offer_reminder"
	NotifyOfferAccepted      = "offer_accepted"
	NotifyOfferRejected      = "offer_rejected"
	NotifyRequestDelivered   = "request_delivered"
	NotifyClientSatisfied    = "client_satisfied"
	NotifyClientUnsatisfied  = "client_unsatisfied"
	NotifyRequestCanceled    = "request_canceled"
	NotifyRequestRefreshed   = "request_refreshed"
	NotifyDeadlineClose      = "deadline_close"
	NotifyExtensionRequested = "extension_requested"
	NotifyExtensionResolved  = "extension_resolved"
)

// Streams
const (
	StreamRequests      = "requests"
	StreamNotifications = "notifications"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// NewNotification builds a notification event addressed to one account.
// The template key selects the message text on the bridge side.
func NewNotification(accountID, template string, data map[string]any) Event {
	payload := map[string]any{
		"account_id": accountID,
		"template":   template,
	}
	for k, v := range data {
		payload[k] = v
	}
	return Event{Type: EventNotification, Payload: payload}
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
