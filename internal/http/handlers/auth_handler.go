package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/auth"
	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/http/dto"
	"github.com/asilinks/backend/internal/models"
	"github.com/asilinks/backend/internal/repositories"
)

// AuthHandler issues JWT sessions. Identity is delegated to the outer
// platform, so registration is an upsert by verified email.
type AuthHandler struct {
	accountRepo *repositories.AccountRepo
	cfg         *config.Config
	log         *zap.Logger
}

func NewAuthHandler(accountRepo *repositories.AccountRepo, cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{accountRepo: accountRepo, cfg: cfg, log: log}
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "email is required"})
	}

	account, err := h.accountRepo.GetByEmail(c.Context(), email)
	switch {
	case err == nil:
		// Already registered, fall through to the token.
	case errors.Is(err, pgx.ErrNoRows):
		account = &models.Account{
			Email:        email,
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			SponsorLevel: models.SponsorLevelA,
		}
		if req.SponsorEmail != nil {
			sponsor, err := h.accountRepo.GetByEmail(c.Context(), strings.ToLower(*req.SponsorEmail))
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "unknown sponsor"})
			}
			account.SponsorID = &sponsor.ID
		}
		if err := h.accountRepo.Create(c.Context(), account); err != nil {
			h.log.Error("account create failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
		}
		client := &models.Client{AccountID: account.ID}
		if err := h.accountRepo.CreateClient(c.Context(), client); err != nil {
			h.log.Error("client create failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
		}
	default:
		h.log.Error("account lookup failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, account.ID, account.Email, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("jwt generation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.AuthResponse{Token: token, Account: account})
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	account, err := h.accountRepo.GetByEmail(c.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "unknown account"})
	}
	token, err := auth.GenerateJWT(h.cfg.JWTSecret, account.ID, account.Email, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("jwt generation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.AuthResponse{Token: token, Account: account})
}
