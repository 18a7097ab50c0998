package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/billing"
	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/db"
	"github.com/asilinks/backend/internal/events"
	apphttp "github.com/asilinks/backend/internal/http"
	"github.com/asilinks/backend/internal/http/handlers"
	"github.com/asilinks/backend/internal/matching"
	"github.com/asilinks/backend/internal/payments"
	"github.com/asilinks/backend/internal/repositories"
	"github.com/asilinks/backend/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	accountRepo := repositories.NewAccountRepo(pool)
	requestRepo := repositories.NewRequestRepo(pool)
	transactionRepo := repositories.NewTransactionRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	txManager := repositories.NewTxManager(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Payments
	gateways := payments.NewRegistry(cfg, payments.NewPaypal(cfg, log))

	// Services
	notifier := services.NewEventNotifier(publisher, log)
	ledgerService := services.NewLedgerService(transactionRepo, accountRepo, cfg, log)
	billingEngine := billing.NewEngine(cfg.Fees, cfg.Processor)
	matcher := matching.NewEngine(cfg.MatchSamplesPerLevel, rand.New(rand.NewSource(time.Now().UnixNano())))
	requestService := services.NewRequestService(
		requestRepo,
		accountRepo,
		ledgerService,
		billingEngine,
		matcher,
		gateways,
		auditRepo,
		txManager,
		notifier,
		publisher,
		cfg,
		log,
	)

	// Handlers
	authHandler := handlers.NewAuthHandler(accountRepo, cfg, log)
	accountHandler := handlers.NewAccountHandler(accountRepo, requestService, ledgerService, log)
	requestHandler := handlers.NewRequestHandler(requestService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, accountHandler, requestHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
