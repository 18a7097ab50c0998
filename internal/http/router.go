package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/http/handlers"
	"github.com/asilinks/backend/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	accountHandler *handlers.AccountHandler,
	requestHandler *handlers.RequestHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/register", authHandler.Register)
	api.Post("/auth/login", authHandler.Login)

	// Rate-limited endpoints
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Account
	protected.Get("/me", accountHandler.GetMe)
	protected.Post("/me/ping", accountHandler.Ping)
	protected.Post("/me/partner", accountHandler.CreatePartnerProfile)
	protected.Put("/me/payout-email", accountHandler.SetPayoutEmail)
	protected.Get("/me/stats", accountHandler.Stats)
	protected.Get("/me/transactions", accountHandler.Transactions)
	protected.Get("/me/bills", accountHandler.Bills)

	// Requests
	protected.Post("/requests", requestHandler.Create)
	protected.Get("/requests", requestHandler.List)
	protected.Get("/requests/:id", requestHandler.Get)
	protected.Put("/requests/:id", requestHandler.Update)
	protected.Post("/requests/:id/offers", requestHandler.PublishOffer)
	protected.Post("/requests/:id/decline", requestHandler.DeclineRound)
	protected.Get("/requests/:id/quote", requestHandler.Quote)
	protected.Post("/requests/:id/accept", requestHandler.AcceptOffer)
	protected.Post("/requests/:id/deliver", requestHandler.Deliver)
	protected.Post("/requests/:id/redeliver", requestHandler.Redeliver)
	protected.Post("/requests/:id/pay", requestHandler.PaySecond)
	protected.Post("/requests/:id/approve", requestHandler.Approve)
	protected.Post("/requests/:id/dispute", requestHandler.Dispute)
	protected.Post("/requests/:id/cancel", requestHandler.Cancel)
	protected.Post("/requests/:id/extensions", requestHandler.RequestExtension)
	protected.Post("/requests/:id/extensions/resolve", requestHandler.ResolveExtension)
	protected.Get("/requests/:id/messages/:channel", requestHandler.GetMessages)
	protected.Post("/requests/:id/messages/:channel", requestHandler.PostMessage)
	protected.Post("/requests/:id/read", requestHandler.MarkRead)
	protected.Post("/requests/:id/review", requestHandler.RateClient)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
