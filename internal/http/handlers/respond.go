package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/errs"
	"github.com/asilinks/backend/internal/http/dto"
)

// respondError maps the service error taxonomy onto HTTP statuses.
// Anything unclassified is a 500 with the detail kept out of the body.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	case errs.KindPermission:
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: err.Error()})
	case errs.KindStateConflict:
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case errs.KindNotFound:
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: err.Error()})
	case errs.KindGateway:
		log.Warn("gateway error", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(dto.ErrorResponse{Error: "payment processor unavailable"})
	case errs.KindConfiguration:
		log.Error("configuration error", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "not found"})
	}
	log.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
}
