package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/errs"
	"github.com/asilinks/backend/internal/events"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/rbac"
)

// A request is abandoned after this many bidding rounds.
const maxRounds = 6

// SweepRounds walks bidding rounds that ran a full cycle without an
// acceptance. A round lives two cycles: after the first the silent
// candidates get a reminder, after the second they are rejected and
// the round is refreshed with fresh candidates. Requests past the
// round limit are canceled.
func (s *RequestService) SweepRounds(ctx context.Context) (int, error) {
	now := s.now()
	states, err := s.requests.ListStaleRounds(ctx, now.Add(-s.cfg.RoundCycle))
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range states {
		st := &states[i]
		req, err := s.requests.GetByID(ctx, st.Request.ID)
		if err != nil {
			s.log.Error("sweep: load request failed", zap.String("request_id", st.Request.ID.String()), zap.Error(err))
			continue
		}
		if req.Status != models.RequestStatusTodo {
			continue
		}
		client, err := s.accounts.GetClientByID(ctx, req.ClientID)
		if err != nil {
			s.log.Error("sweep: load client failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}

		if now.Sub(st.RoundStartedAt) < 2*s.cfg.RoundCycle {
			if s.remindRound(ctx, req, now) {
				swept++
			}
			continue
		}

		if st.RoundNumber >= maxRounds {
			if err := s.cancelOpen(ctx, req, client, nil, rbac.RoleSystem); err != nil {
				s.log.Error("sweep: cancel failed", zap.String("request_id", req.ID.String()), zap.Error(err))
				continue
			}
			swept++
			continue
		}

		if err := s.rejectSilent(ctx, req); err != nil {
			s.log.Error("sweep: stale entry rejection failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		if err := s.requests.RestartRound(ctx, req.ID, now); err != nil {
			s.log.Error("sweep: round restart failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		if err := s.launchRound(ctx, req, client); err != nil {
			s.log.Error("sweep: round relaunch failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}

		clientAccount, err := s.accounts.GetByID(ctx, client.AccountID)
		if err == nil {
			s.notifier.Notify(ctx, clientAccount.ID, events.NotifyRequestRefreshed, map[string]any{
				"request_id": req.ID.String(),
				"round":      st.RoundNumber + 1,
			})
		}
		swept++
	}
	return swept, nil
}

// remindRound nudges invited candidates that have neither answered nor
// declined. Each candidate is nudged at most once per cycle.
func (s *RequestService) remindRound(ctx context.Context, req *models.Request, now time.Time) bool {
	reminded := false
	for i := range req.RoundPartners {
		rp := &req.RoundPartners[i]
		if rp.Rejected || rp.HasOffer() {
			continue
		}
		if now.Sub(rp.DateNotification) < s.cfg.RoundCycle {
			continue
		}
		partner, err := s.accounts.GetPartnerByID(ctx, rp.PartnerID)
		if err != nil {
			continue
		}
		if err := s.requests.TouchNotification(ctx, rp.ID, now); err != nil {
			s.log.Error("sweep: reminder stamp failed", zap.String("entry_id", rp.ID.String()), zap.Error(err))
			continue
		}
		s.notifier.Notify(ctx, partner.AccountID, events.NotifyOfferReminder, map[string]any{
			"request_id": req.ID.String(),
		})
		reminded = true
	}
	return reminded
}

// rejectSilent marks candidates that let the round expire without an
// offer, so the refresh replaces them instead of waiting on them again.
func (s *RequestService) rejectSilent(ctx context.Context, req *models.Request) error {
	for i := range req.RoundPartners {
		rp := &req.RoundPartners[i]
		if rp.Rejected || rp.HasOffer() {
			continue
		}
		if err := s.requests.RejectEntry(ctx, rp.ID); err != nil {
			return err
		}
		if err := s.accounts.MoveBucket(ctx, models.ProfilePartner, rp.PartnerID, req.ID, models.BucketTodo, models.BucketRejected); err != nil {
			return err
		}
		rp.Rejected = true
	}
	return nil
}

// SweepUnsatisfied refunds disputed requests whose repair window ran
// out without a redelivery. The grace period past the deadline leaves
// room for a late client approval.
func (s *RequestService) SweepUnsatisfied(ctx context.Context) (int, error) {
	reqs, err := s.requests.ListUnsatisfiedBefore(ctx, s.now().Add(-s.cfg.UnsatisfiedGrace))
	if err != nil {
		return 0, err
	}
	return s.cancelBatch(ctx, reqs), nil
}

// SweepDeadlines warns partners past their promise date and refunds
// requests the partner abandoned entirely.
func (s *RequestService) SweepDeadlines(ctx context.Context) (int, error) {
	now := s.now()

	breached, err := s.requests.ListBreachedPromises(ctx, now.Add(-s.cfg.PromiseGrace).Add(-s.cfg.DeadlineSweepGrace))
	if err != nil {
		return 0, err
	}
	swept := s.cancelBatch(ctx, breached)

	canceled := make(map[string]bool, len(breached))
	for i := range breached {
		canceled[breached[i].ID.String()] = true
	}

	late, err := s.requests.ListBreachedPromises(ctx, now)
	if err != nil {
		return swept, err
	}
	for i := range late {
		req := &late[i]
		if canceled[req.ID.String()] || req.PartnerID == nil {
			continue
		}
		partner, err := s.accounts.GetPartnerByID(ctx, *req.PartnerID)
		if err != nil {
			continue
		}
		s.notifier.Notify(ctx, partner.AccountID, events.NotifyDeadlineClose, map[string]any{
			"request_id": req.ID.String(),
		})
	}
	return swept, nil
}

func (s *RequestService) cancelBatch(ctx context.Context, reqs []models.Request) int {
	swept := 0
	for i := range reqs {
		req, err := s.requests.GetByID(ctx, reqs[i].ID)
		if err != nil {
			s.log.Error("sweep: load request failed", zap.String("request_id", reqs[i].ID.String()), zap.Error(err))
			continue
		}
		client, err := s.accounts.GetClientByID(ctx, req.ClientID)
		if err != nil {
			s.log.Error("sweep: load client failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		if err := s.cancelWithRefund(ctx, req, client, nil, rbac.RoleSystem); err != nil {
			if errs.Is(err, errs.KindStateConflict) {
				continue
			}
			s.log.Error("sweep: refund cancel failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		swept++
	}
	return swept
}

// SweepAutoClose approves deliveries the client never responded to.
// Silence past the window counts as satisfaction, without a review.
func (s *RequestService) SweepAutoClose(ctx context.Context) (int, error) {
	reqs, err := s.requests.ListPendingDeliveredBefore(ctx, s.now().Add(-s.cfg.AutoCloseAfter))
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range reqs {
		req, err := s.requests.GetByID(ctx, reqs[i].ID)
		if err != nil {
			s.log.Error("sweep: load request failed", zap.String("request_id", reqs[i].ID.String()), zap.Error(err))
			continue
		}
		client, err := s.accounts.GetClientByID(ctx, req.ClientID)
		if err != nil {
			s.log.Error("sweep: load client failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		if err := s.close(ctx, req, client, nil, rbac.RoleSystem, nil); err != nil {
			if errs.Is(err, errs.KindStateConflict) {
				continue
			}
			s.log.Error("sweep: auto close failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

// SweepOrphanRounds relaunches requests left without any invited
// candidate, usually after a crash between creation and the round
// insert.
func (s *RequestService) SweepOrphanRounds(ctx context.Context) (int, error) {
	reqs, err := s.requests.ListOrphanRounds(ctx)
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range reqs {
		req, err := s.requests.GetByID(ctx, reqs[i].ID)
		if err != nil {
			continue
		}
		client, err := s.accounts.GetClientByID(ctx, req.ClientID)
		if err != nil {
			continue
		}
		if err := s.launchRound(ctx, req, client); err != nil {
			s.log.Error("sweep: orphan relaunch failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

// SweepMessages drops channel history from requests closed longer than
// the retention window.
func (s *RequestService) SweepMessages(ctx context.Context) (int64, error) {
	ids, err := s.requests.ListClosedBefore(ctx, s.now().Add(-s.cfg.MessageRetention))
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.requests.DeleteMessages(ctx, ids)
}
