package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/asilinks/backend/internal/errs"
	"github.com/asilinks/backend/internal/events"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/rbac"
)

const maxExtensions = 2

// RequestExtension asks for more time on an in-progress request. The
// first extension is granted automatically; the second needs the
// client's approval.
func (s *RequestService) RequestExtension(ctx context.Context, accountID, requestID uuid.UUID, duration time.Duration, excuse string) error {
	if duration <= 0 {
		return errs.ValidationField("duration", "must be positive")
	}
	if excuse == "" {
		return errs.ValidationField("excuse", "is required")
	}

	partner, err := s.accounts.GetPartnerByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.PartnerID == nil || *req.PartnerID != partner.ID {
		return errs.Permission("only the assigned partner can ask for an extension")
	}
	if req.Status != models.RequestStatusInProgress {
		return errs.StateConflict("request is not in progress")
	}
	if len(req.TimeExtensions) >= maxExtensions {
		return errs.StateConflict("extension limit reached")
	}
	if req.PendingExtension() != nil {
		return errs.StateConflict("an extension is already awaiting a response")
	}

	now := s.now()
	if req.DatePromise == nil || now.After(req.DatePromise.Add(-s.cfg.ExtensionLeadTime)) {
		return errs.StateConflict("too close to the promise date to extend")
	}
	if duration > req.AssignedDuration()/2 {
		return errs.ValidationField("duration", "cannot exceed half the agreed duration")
	}

	ext := models.TimeExtension{
		Duration:    duration,
		Excuse:      excuse,
		DateCreated: now,
	}
	autoApproved := len(req.TimeExtensions) == 0
	if autoApproved {
		approve := true
		ext.Approve = &approve
		ext.DateClosed = &now
	}

	exts := append(req.TimeExtensions, ext)
	req.TimeExtensions = exts
	promise := req.PromiseFromExtensions()
	if err := s.requests.SetExtensions(ctx, req.ID, exts, promise); err != nil {
		return err
	}

	client, err := s.accounts.GetClientByID(ctx, req.ClientID)
	if err != nil {
		return err
	}
	template := events.NotifyExtensionRequested
	data := map[string]any{"request_id": req.ID.String()}
	if autoApproved {
		template = events.NotifyExtensionResolved
		data["approved"] = true
		data["new_promise"] = promise.Format(time.RFC3339)
	}
	s.notifier.Notify(ctx, client.AccountID, template, data)

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorAccountID: &accountID,
		ActorType:      rbac.RolePartner,
		Action:         "extension_requested",
		EntityType:     "request",
		EntityID:       &req.ID,
		Meta:           map[string]any{"duration": duration.String(), "auto_approved": autoApproved},
	})
	return nil
}

// ResolveExtension records the client's answer to a pending extension.
func (s *RequestService) ResolveExtension(ctx context.Context, accountID, requestID uuid.UUID, approve bool) error {
	req, _, err := s.ownedRequest(ctx, accountID, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.RequestStatusInProgress {
		return errs.StateConflict("request is not in progress")
	}
	pending := req.PendingExtension()
	if pending == nil {
		return errs.StateConflict("no extension is awaiting a response")
	}

	now := s.now()
	pending.Approve = &approve
	pending.DateClosed = &now
	promise := req.PromiseFromExtensions()
	if err := s.requests.SetExtensions(ctx, req.ID, req.TimeExtensions, promise); err != nil {
		return err
	}

	partner, err := s.accounts.GetPartnerByID(ctx, *req.PartnerID)
	if err != nil {
		return err
	}
	s.notifier.Notify(ctx, partner.AccountID, events.NotifyExtensionResolved, map[string]any{
		"request_id":  req.ID.String(),
		"approved":    approve,
		"new_promise": promise.Format(time.RFC3339),
	})

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorAccountID: &accountID,
		ActorType:      rbac.RoleClient,
		Action:         "extension_resolved",
		EntityType:     "request",
		EntityID:       &req.ID,
		Meta:           map[string]any{"approved": approve},
	})
	return nil
}
