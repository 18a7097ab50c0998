package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/config"
	"github.com/asilinks/backend/internal/db"
	"github.com/asilinks/backend/internal/events"
)

// Notify Bridge — small service that subscribes to Redis notification
// events and forwards them to the mail/push delivery service.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)

	log.Info("notify-bridge started")

	_ = subscriber.Subscribe(ctx, events.StreamNotifications, func(event events.Event) {
		log.Info("forwarding notification", zap.String("type", event.Type))
		forward(cfg.NotifyInternalURL, event, log)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down notify-bridge")
	cancel()
}

func forward(baseURL string, event events.Event, log *zap.Logger) {
	accountID, ok := event.Payload["account_id"]
	if !ok {
		return
	}

	template, _ := event.Payload["template"].(string)
	if template == "" {
		return
	}

	data := make(map[string]any, len(event.Payload))
	for k, v := range event.Payload {
		if k == "account_id" || k == "template" {
			continue
		}
		data[k] = v
	}

	body, _ := json.Marshal(map[string]any{
		"account_id": accountID,
		"template":   template,
		"data":       data,
	})

	url := fmt.Sprintf("%s/internal/notify", strings.TrimRight(baseURL, "/"))
	resp, err := http.Post(url, "application/json", strings.NewReader(string(body)))
	if err != nil {
		log.Warn("failed to forward notification", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn("notification delivery returned non-200", zap.Int("status", resp.StatusCode))
	}
}
