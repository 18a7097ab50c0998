package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/asilinks/backend/internal/errs"
	"github.com/asilinks/backend/internal/events"
	"github.com/asilinks/backend/internal/models"
)

type MessageInput struct {
	Type        string
	Content     string
	Attachment  *string
	ReferenceTS *time.Time
}

// PostMessage writes to a request channel. The questions channel is open
// to the client and every invited candidate while bidding runs; the com
// channel belongs to the client and the assigned partner afterwards.
func (s *RequestService) PostMessage(ctx context.Context, accountID, requestID uuid.UUID, channel string, in MessageInput) (*models.Message, error) {
	if in.Content == "" && in.Attachment == nil {
		return nil, errs.ValidationField("content", "message is empty")
	}
	msgType := in.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	switch channel {
	case models.ChannelQuestions:
		if req.Status != models.RequestStatusTodo {
			return nil, errs.StateConflict("bidding is closed, use the com channel")
		}
		if err := s.requireRoundParticipant(ctx, accountID, req); err != nil {
			return nil, err
		}
	case models.ChannelCom:
		if req.Status == models.RequestStatusTodo {
			return nil, errs.StateConflict("no partner assigned yet")
		}
		if err := s.requireParty(ctx, accountID, req); err != nil {
			return nil, err
		}
	default:
		return nil, errs.ValidationField("channel", "unknown channel")
	}

	msg := &models.Message{
		RequestID:   req.ID,
		OwnerID:     accountID,
		Channel:     channel,
		Type:        msgType,
		Content:     in.Content,
		Attachment:  in.Attachment,
		ReferenceTS: in.ReferenceTS,
	}
	if err := s.requests.AddMessage(ctx, msg); err != nil {
		return nil, err
	}

	_ = s.accounts.TouchLastActive(ctx, accountID)
	_ = s.publisher.Publish(ctx, events.StreamRequests, events.Event{
		Type: events.EventRequestMessage,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"channel":    channel,
			"owner_id":   accountID.String(),
		},
	})
	return msg, nil
}

// Messages lists a channel for one participant. The final delivery
// stays hidden from the client until the second installment clears.
func (s *RequestService) Messages(ctx context.Context, accountID, requestID uuid.UUID, channel string) ([]models.Message, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	isClient := false
	if client, err := s.accounts.GetClientByAccount(ctx, accountID); err == nil && client.ID == req.ClientID {
		isClient = true
	}

	switch channel {
	case models.ChannelQuestions:
		if !isClient {
			if err := s.requireRoundParticipant(ctx, accountID, req); err != nil {
				return nil, err
			}
		}
	case models.ChannelCom:
		if !isClient {
			if err := s.requireParty(ctx, accountID, req); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errs.ValidationField("channel", "unknown channel")
	}

	msgs, err := s.requests.ListMessages(ctx, requestID, channel)
	if err != nil {
		return nil, err
	}

	if isClient && !models.StatusAtLeast(req.Status, models.RequestStatusPending) {
		visible := msgs[:0]
		for _, m := range msgs {
			if m.LastDelivery {
				continue
			}
			visible = append(visible, m)
		}
		msgs = visible
	}
	return msgs, nil
}

// MarkRead advances the caller's unread pointer on the request.
func (s *RequestService) MarkRead(ctx context.Context, accountID, requestID uuid.UUID) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	now := s.now()

	if client, err := s.accounts.GetClientByAccount(ctx, accountID); err == nil && client.ID == req.ClientID {
		return s.requests.UpdateLastRead(ctx, req.ID, "client", now)
	}

	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return errs.Permission("not a participant of this request")
	}
	if req.PartnerID != nil && *req.PartnerID == partner.ID {
		return s.requests.UpdateLastRead(ctx, req.ID, "partner", now)
	}
	entry, err := s.requests.GetRoundEntry(ctx, req.ID, partner.ID)
	if err != nil {
		return errs.Permission("not a participant of this request")
	}
	return s.requests.TouchRoundEntry(ctx, entry.ID, now)
}

// requireParty checks the caller is the client or the assigned partner.
func (s *RequestService) requireParty(ctx context.Context, accountID uuid.UUID, req *models.Request) error {
	if client, err := s.accounts.GetClientByAccount(ctx, accountID); err == nil && client.ID == req.ClientID {
		return nil
	}
	if req.PartnerID != nil {
		if partner, err := s.accounts.GetPartnerByAccount(ctx, accountID); err == nil && partner.ID == *req.PartnerID {
			return nil
		}
	}
	return errs.Permission("not a party to this request")
}

// requireRoundParticipant checks the caller is the client or a
// non-rejected candidate of the current round.
func (s *RequestService) requireRoundParticipant(ctx context.Context, accountID uuid.UUID, req *models.Request) error {
	if client, err := s.accounts.GetClientByAccount(ctx, accountID); err == nil && client.ID == req.ClientID {
		return nil
	}
	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return errs.Permission("not a participant of this request")
	}
	entry, err := s.requests.GetRoundEntry(ctx, req.ID, partner.ID)
	if err != nil || entry.Rejected {
		return errs.Permission("not a participant of this request")
	}
	return nil
}

// GetRequest returns a request for one participant, with the delivery
// hidden from the client until it is paid for.
func (s *RequestService) GetRequest(ctx context.Context, accountID, requestID uuid.UUID) (*models.Request, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	isClient := false
	if client, err := s.accounts.GetClientByAccount(ctx, accountID); err == nil && client.ID == req.ClientID {
		isClient = true
	}
	if !isClient {
		if err := s.requireRoundParticipant(ctx, accountID, req); err != nil {
			if err := s.requireParty(ctx, accountID, req); err != nil {
				return nil, err
			}
		}
	}

	if isClient && !models.StatusAtLeast(req.Status, models.RequestStatusPending) {
		visible := req.ComChannel[:0]
		for _, m := range req.ComChannel {
			if m.LastDelivery {
				continue
			}
			visible = append(visible, m)
		}
		req.ComChannel = visible
	}
	return req, nil
}

// Stats returns the caller's bucket counters per profile.
func (s *RequestService) Stats(ctx context.Context, accountID uuid.UUID) (map[string]map[string]int, error) {
	out := make(map[string]map[string]int, 2)
	if client, err := s.accounts.GetClientByAccount(ctx, accountID); err == nil {
		counts, err := s.accounts.CountBuckets(ctx, models.ProfileClient, client.ID)
		if err != nil {
			return nil, err
		}
		out[models.ProfileClient] = counts
	}
	if partner, err := s.accounts.GetPartnerByAccount(ctx, accountID); err == nil {
		counts, err := s.accounts.CountBuckets(ctx, models.ProfilePartner, partner.ID)
		if err != nil {
			return nil, err
		}
		out[models.ProfilePartner] = counts
	}
	return out, nil
}
