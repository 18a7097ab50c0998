package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/billing"
	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/db"
	"github.com/asilinks/backend/internal/events"
	"github.com/asilinks/backend/internal/matching"
	"github.com/asilinks/backend/internal/payments"
	"github.com/asilinks/backend/internal/repositories"
	"github.com/asilinks/backend/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	accountRepo := repositories.NewAccountRepo(pool)
	requestRepo := repositories.NewRequestRepo(pool)
	transactionRepo := repositories.NewTransactionRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	txManager := repositories.NewTxManager(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	notifier := services.NewEventNotifier(publisher, log)
	gateways := payments.NewRegistry(cfg, payments.NewPaypal(cfg, log))
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

	log.Info("worker started")

	// Run jobs on tickers
	roundTicker := time.NewTicker(15 * time.Minute)
	deadlineTicker := time.NewTicker(30 * time.Minute)
	unsatisfiedTicker := time.NewTicker(1 * time.Hour)
	autoCloseTicker := time.NewTicker(1 * time.Hour)
	orphanTicker := time.NewTicker(10 * time.Minute)
	retentionTicker := time.NewTicker(24 * time.Hour)
	defer roundTicker.Stop()
	defer deadlineTicker.Stop()
	defer unsatisfiedTicker.Stop()
	defer autoCloseTicker.Stop()
	defer orphanTicker.Stop()
	defer retentionTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-roundTicker.C:
			runRoundSweep(ctx, requestService, log)
		case <-deadlineTicker.C:
			runDeadlineSweep(ctx, requestService, log)
		case <-unsatisfiedTicker.C:
			runUnsatisfiedSweep(ctx, requestService, log)
		case <-autoCloseTicker.C:
			runAutoCloseSweep(ctx, requestService, log)
		case <-orphanTicker.C:
			runOrphanRoundSweep(ctx, requestService, log)
		case <-retentionTicker.C:
			runMessageRetention(ctx, requestService, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runRoundSweep(ctx context.Context, svc *services.RequestService, log *zap.Logger) {
	n, err := svc.SweepRounds(ctx)
	if err != nil {
		log.Error("round sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("rotated stale rounds", zap.Int("requests", n))
	}
}

func runDeadlineSweep(ctx context.Context, svc *services.RequestService, log *zap.Logger) {
	n, err := svc.SweepDeadlines(ctx)
	if err != nil {
		log.Error("deadline sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("cancelled breached requests", zap.Int("requests", n))
	}
}

func runUnsatisfiedSweep(ctx context.Context, svc *services.RequestService, log *zap.Logger) {
	n, err := svc.SweepUnsatisfied(ctx)
	if err != nil {
		log.Error("unsatisfied sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("cancelled expired disputes", zap.Int("requests", n))
	}
}

func runAutoCloseSweep(ctx context.Context, svc *services.RequestService, log *zap.Logger) {
	n, err := svc.SweepAutoClose(ctx)
	if err != nil {
		log.Error("auto-close sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("auto-closed silent approvals", zap.Int("requests", n))
	}
}

func runOrphanRoundSweep(ctx context.Context, svc *services.RequestService, log *zap.Logger) {
	n, err := svc.SweepOrphanRounds(ctx)
	if err != nil {
		log.Error("orphan round sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("relaunched empty rounds", zap.Int("requests", n))
	}
}

func runMessageRetention(ctx context.Context, svc *services.RequestService, log *zap.Logger) {
	n, err := svc.SweepMessages(ctx)
	if err != nil {
		log.Error("message retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("purged expired messages", zap.Int64("messages", n))
	}
}
