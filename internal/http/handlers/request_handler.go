package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/http/dto"
	"github.com/asilinks/backend/internal/middleware"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/services"
)

type RequestHandler struct {
	requestSvc *services.RequestService
	log        *zap.Logger
}

func NewRequestHandler(requestSvc *services.RequestService, log *zap.Logger) *RequestHandler {
	return &RequestHandler{requestSvc: requestSvc, log: log}
}

func (h *RequestHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateRequestRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	accountID := middleware.GetAccountID(c)
	created, err := h.requestSvc.CreateRequest(c.Context(), accountID, services.CreateRequestInput{
		Name:          req.Name,
		KnowFields:    req.KnowFields,
		Description:   req.Description,
		CountryAlpha2: req.CountryAlpha2,
		Questions:     req.Questions,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: created})
}

func (h *RequestHandler) Get(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	accountID := middleware.GetAccountID(c)
	req, err := h.requestSvc.GetRequest(c.Context(), accountID, requestID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: req})
}

func (h *RequestHandler) Update(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.UpdateRequestRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	accountID := middleware.GetAccountID(c)
	updated, err := h.requestSvc.UpdateRequest(c.Context(), accountID, requestID, req.Name, req.Description)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: updated})
}

func (h *RequestHandler) List(c *fiber.Ctx) error {
	accountID := middleware.GetAccountID(c)
	limit, offset := pageParams(c)

	if c.Query("role") == "partner" {
		reqs, err := h.requestSvc.ListForPartner(c.Context(), accountID)
		if err != nil {
			return respondError(c, h.log, err)
		}
		return c.JSON(dto.SuccessResponse{OK: true, Data: reqs})
	}

	var status *string
	if v := c.Query("status"); v != "" {
		status = &v
	}
	reqs, err := h.requestSvc.ListForClient(c.Context(), accountID, status, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: reqs})
}

func (h *RequestHandler) PublishOffer(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.PublishOfferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid price"})
	}

	accountID := middleware.GetAccountID(c)
	err = h.requestSvc.PublishOffer(c.Context(), accountID, requestID, services.OfferInput{
		Price:       price,
		Duration:    time.Duration(req.DurationDays) * 24 * time.Hour,
		Requisites:  req.Requisites,
		Description: req.Description,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) DeclineRound(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	accountID := middleware.GetAccountID(c)
	if err := h.requestSvc.DeclineRound(c.Context(), accountID, requestID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// Quote prices an acceptance without committing to it.
func (h *RequestHandler) Quote(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	partnerID, err := uuid.Parse(c.Query("partner_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid partner_id"})
	}
	iface := c.Query("interface")
	if iface == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "interface is required"})
	}

	accountID := middleware.GetAccountID(c)
	bill, err := h.requestSvc.QuoteOffer(c.Context(), accountID, requestID, partnerID, iface)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.BillQuoteResponse{
		Partner:        bill.Partner.StringFixed(2),
		Platform:       bill.Platform.StringFixed(2),
		Sponsor:        bill.Sponsor.StringFixed(2),
		Processor:      bill.Processor.StringFixed(2),
		Total:          bill.Total.StringFixed(2),
		ToPay:          bill.ToPay.StringFixed(2),
		FirstPayment:   bill.FirstPayment.StringFixed(2),
		SecondPayment:  bill.SecondPayment.StringFixed(2),
		SponsorPercent: bill.SponsorPercent.StringFixed(3),
	}})
}

func (h *RequestHandler) AcceptOffer(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.AcceptOfferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	partnerID, err := uuid.Parse(req.PartnerID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid partner_id"})
	}
	if req.Interface == "" || req.PaymentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "interface and payment_id are required"})
	}

	accountID := middleware.GetAccountID(c)
	accepted, err := h.requestSvc.AcceptOffer(c.Context(), accountID, requestID, partnerID, req.Interface, req.PaymentID, req.PayerID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: accepted})
}

func (h *RequestHandler) Deliver(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.DeliverRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.Content == "" && req.Attachment == nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "delivery is empty"})
	}

	accountID := middleware.GetAccountID(c)
	if err := h.requestSvc.Deliver(c.Context(), accountID, requestID, req.Content, req.Attachment); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) Redeliver(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.DeliverRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.Content == "" && req.Attachment == nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "delivery is empty"})
	}

	accountID := middleware.GetAccountID(c)
	if err := h.requestSvc.Redeliver(c.Context(), accountID, requestID, req.Content, req.Attachment); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) PaySecond(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.PaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.PaymentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "payment_id is required"})
	}

	accountID := middleware.GetAccountID(c)
	bill, err := h.requestSvc.PaySecondInstallment(c.Context(), accountID, requestID, req.PaymentID, req.PayerID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{"paid": bill.ToPay.StringFixed(2)}})
}

func (h *RequestHandler) Approve(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.ApproveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	accountID := middleware.GetAccountID(c)
	if err := h.requestSvc.ApproveDelivery(c.Context(), accountID, requestID, toReview(req.Review)); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) Dispute(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.DisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	accountID := middleware.GetAccountID(c)
	if err := h.requestSvc.Dispute(c.Context(), accountID, requestID, req.Cause, toReview(req.Review)); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) Cancel(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	accountID := middleware.GetAccountID(c)
	if err := h.requestSvc.Cancel(c.Context(), accountID, requestID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) RequestExtension(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.ExtensionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	accountID := middleware.GetAccountID(c)
	err = h.requestSvc.RequestExtension(c.Context(), accountID, requestID,
		time.Duration(req.DurationHours)*time.Hour, req.Excuse)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) ResolveExtension(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.ResolveExtensionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	accountID := middleware.GetAccountID(c)
	if err := h.requestSvc.ResolveExtension(c.Context(), accountID, requestID, req.Approve); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) RateClient(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	var req dto.ReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.Score < 1 || req.Score > 5 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "score must be between 1 and 5"})
	}

	accountID := middleware.GetAccountID(c)
	err = h.requestSvc.RateClient(c.Context(), accountID, requestID, models.Review{Score: req.Score, Comments: req.Comments})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *RequestHandler) GetMessages(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	channel := c.Params("channel")

	accountID := middleware.GetAccountID(c)
	msgs, err := h.requestSvc.Messages(c.Context(), accountID, requestID, channel)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: msgs})
}

func (h *RequestHandler) PostMessage(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	channel := c.Params("channel")
	var req dto.PostMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	accountID := middleware.GetAccountID(c)
	msg, err := h.requestSvc.PostMessage(c.Context(), accountID, requestID, channel, services.MessageInput{
		Type:        req.Type,
		Content:     req.Content,
		Attachment:  req.Attachment,
		ReferenceTS: req.ReferenceTS,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: msg})
}

func (h *RequestHandler) MarkRead(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request id"})
	}
	accountID := middleware.GetAccountID(c)
	if err := h.requestSvc.MarkRead(c.Context(), accountID, requestID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func toReview(r *dto.ReviewRequest) *models.Review {
	if r == nil {
		return nil
	}
	return &models.Review{Score: r.Score, Comments: r.Comments}
}
