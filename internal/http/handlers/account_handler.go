package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/http/dto"
	"github.com/asilinks/backend/internal/middleware"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/repositories"
	"github.com/asilinks/backend/internal/services"
)

type AccountHandler struct {
	accountRepo *repositories.AccountRepo
	requestSvc  *services.RequestService
	ledgerSvc   *services.LedgerService
	log         *zap.Logger
}

func NewAccountHandler(accountRepo *repositories.AccountRepo, requestSvc *services.RequestService, ledgerSvc *services.LedgerService, log *zap.Logger) *AccountHandler {
	return &AccountHandler{accountRepo: accountRepo, requestSvc: requestSvc, ledgerSvc: ledgerSvc, log: log}
}

func (h *AccountHandler) GetMe(c *fiber.Ctx) error {
	accountID := middleware.GetAccountID(c)
	account, err := h.accountRepo.GetByID(c.Context(), accountID)
	if err != nil {
		return respondError(c, h.log, err)
	}

	out := fiber.Map{"account": account}
	if client, err := h.accountRepo.GetClientByAccount(c.Context(), accountID); err == nil {
		out["client"] = client
	}
	if partner, err := h.accountRepo.GetPartnerByAccount(c.Context(), accountID); err == nil {
		out["partner"] = partner
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *AccountHandler) Ping(c *fiber.Ctx) error {
	accountID := middleware.GetAccountID(c)
	if err := h.accountRepo.TouchLastActive(c.Context(), accountID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

// CreatePartnerProfile opens the bidding side of an account. New
// partners start at bronze.
func (h *AccountHandler) CreatePartnerProfile(c *fiber.Ctx) error {
	var req dto.CreatePartnerProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if len(req.KnowFields) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "know_fields is required"})
	}

	accountID := middleware.GetAccountID(c)
	if _, err := h.accountRepo.GetPartnerByAccount(c.Context(), accountID); err == nil {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "partner profile already exists"})
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return respondError(c, h.log, err)
	}

	partner := &models.Partner{
		AccountID:  accountID,
		Level:      models.LevelBronze,
		Enabled:    true,
		Country:    req.Country,
		KnowFields: req.KnowFields,
	}
	if err := h.accountRepo.CreatePartner(c.Context(), partner); err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: partner})
}

func (h *AccountHandler) SetPayoutEmail(c *fiber.Ctx) error {
	var req dto.PayoutEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if req.PayoutEmail == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "payout_email is required"})
	}
	accountID := middleware.GetAccountID(c)
	if err := h.accountRepo.UpdatePayoutEmail(c.Context(), accountID, req.PayoutEmail); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *AccountHandler) Stats(c *fiber.Ctx) error {
	accountID := middleware.GetAccountID(c)
	stats, err := h.requestSvc.Stats(c.Context(), accountID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: stats})
}

func (h *AccountHandler) Transactions(c *fiber.Ctx) error {
	accountID := middleware.GetAccountID(c)
	limit, offset := pageParams(c)
	txs, err := h.ledgerSvc.Transactions(c.Context(), accountID, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: txs})
}

func (h *AccountHandler) Bills(c *fiber.Ctx) error {
	accountID := middleware.GetAccountID(c)
	limit, offset := pageParams(c)
	bills, err := h.ledgerSvc.Bills(c.Context(), accountID, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: bills})
}

func pageParams(c *fiber.Ctx) (limit, offset int) {
	limit, offset = 20, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
