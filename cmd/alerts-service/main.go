package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/neurotwin/platform/pkg/common/config"
	"github.com/neurotwin/platform/pkg/common/database"
	"github.com/neurotwin/platform/pkg/common/kafka"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

const recentAlertsKey = "alerts:recent"

// The alerts service is the downstream hook for significance changes: it
// consumes twin events, logs escalations, and keeps a bounded recent list in
// Redis for dashboards to read.
type AlertsService struct {
	redisClient *redis.Client
	recentLimit int
}

func main() {
	logger.Init()
	cfg := config.Load()

	service := &AlertsService{
		redisClient: database.GetRedis(),
		recentLimit: cfg.AlertsRecentLimit,
	}

	consumer := kafka.NewConsumer(cfg.EventsTopic, cfg.KafkaGroupID+"-alerts")
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Log.Info("Shutting down Alerts Service...")
		cancel()
	}()

	logger.Log.Info("Alerts Service started")

	if err := consumer.Consume(ctx, service.handleEvent); err != nil && err != context.Canceled {
		logger.Log.WithError(err).Error("Consumer stopped")
	}

	database.CloseRedis()
	logger.Log.Info("Alerts Service stopped")
}

func (s *AlertsService) handleEvent(ctx context.Context, event models.Event) error {
	switch event.Type {
	case models.EventTwinUpdated:
		return s.handleTwinUpdated(ctx, event)
	case models.EventFusionDegraded:
		logger.Log.WithFields(map[string]interface{}{
			"subject_id":      event.Data["subject_id"],
			"missing_sources": event.Data["missing_sources"],
		}).Warn("Fusion degraded")
		return nil
	default:
		return nil
	}
}

func (s *AlertsService) handleTwinUpdated(ctx context.Context, event models.Event) error {
	delta, _ := event.Data["significance_delta"].([]interface{})
	if len(delta) == 0 {
		return nil
	}

	for _, raw := range delta {
		change, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		current, _ := change["current"].(string)
		previous, _ := change["previous"].(string)
		if models.SeverityRank(models.ClinicalSignificance(current)) <= models.SeverityRank(models.ClinicalSignificance(previous)) {
			continue
		}

		alert := map[string]interface{}{
			"subject_id": event.Data["subject_id"],
			"version":    event.Data["version"],
			"target":     change["target"],
			"previous":   previous,
			"current":    current,
			"at":         event.Timestamp,
		}

		logger.Log.WithFields(alert).Warn("Clinical significance escalated")

		payload, err := json.Marshal(alert)
		if err != nil {
			continue
		}
		if err := s.redisClient.LPush(ctx, recentAlertsKey, payload).Err(); err != nil {
			logger.Log.WithError(err).Error("Failed to record alert")
			continue
		}
		s.redisClient.LTrim(ctx, recentAlertsKey, 0, int64(s.recentLimit-1))
	}

	return nil
}
