package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/neurotwin/platform/pkg/common/config"
	"github.com/neurotwin/platform/pkg/common/database"
	"github.com/neurotwin/platform/pkg/common/kafka"
	"github.com/neurotwin/platform/pkg/common/logger"
	"github.com/neurotwin/platform/pkg/common/models"
	"github.com/neurotwin/platform/pkg/fusion"
	"github.com/neurotwin/platform/pkg/observability/metrics"
	"github.com/neurotwin/platform/pkg/prediction"
	"github.com/neurotwin/platform/pkg/subject"
	"github.com/neurotwin/platform/pkg/temporal"
	"github.com/neurotwin/platform/pkg/twin"
)

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	redisClient := database.GetRedis()

	subjectRepo := subject.NewRepository(db)
	if err := subjectRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate subject tables")
	}
	subjectService := subject.NewService(subjectRepo)

	temporalRepo := temporal.NewRepository(db, redisClient, cfg.StateCacheTTL)
	if err := temporalRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate temporal tables")
	}
	temporalService := temporal.NewService(temporalRepo)

	significance, err := temporal.LoadSignificanceTable(cfg.SignificanceTablePath)
	if err != nil {
		logger.Log.WithError(err).Warn("Falling back to default significance table")
	}
	detector := temporal.NewDetector(significance)

	gateways := []prediction.Invoker{
		prediction.NewGateway(prediction.GatewayConfig{
			Source:          models.SourceLanguage,
			BaseURL:         cfg.LanguageBackendURL,
			Deadline:        cfg.GatewayTimeoutLanguage,
			ConfidenceFloor: cfg.ConfidenceFloor,
			MaxInflight:     cfg.GatewayMaxInflight,
		}),
		prediction.NewGateway(prediction.GatewayConfig{
			Source:          models.SourceBehavioral,
			BaseURL:         cfg.BehavioralBackendURL,
			Deadline:        cfg.GatewayTimeoutBehavioral,
			ConfidenceFloor: cfg.ConfidenceFloor,
			MaxInflight:     cfg.GatewayMaxInflight,
		}),
		prediction.NewGateway(prediction.GatewayConfig{
			Source:          models.SourceOutcome,
			BaseURL:         cfg.OutcomeBackendURL,
			Deadline:        cfg.GatewayTimeoutOutcome,
			ConfidenceFloor: cfg.ConfidenceFloor,
			MaxInflight:     cfg.GatewayMaxInflight,
		}),
	}

	policy, err := fusion.NewPolicy(cfg.FusionTieBreak)
	if err != nil {
		logger.Log.WithError(err).Fatal("Invalid fusion policy")
	}
	engine := fusion.NewEngine(gateways, policy)

	stateRepo := twin.NewRepository(db, redisClient, cfg.StateCacheTTL)
	if err := stateRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate twin state tables")
	}

	producer := kafka.NewProducer(cfg.EventsTopic)
	defer producer.Close()

	window := time.Duration(cfg.PatternWindowDays) * 24 * time.Hour
	coordinator := twin.NewCoordinator(subjectService, temporalService, detector, engine, stateRepo, producer, twin.CoordinatorConfig{
		PatternWindow: window,
		MaxRetries:    cfg.FusionMaxRetries,
		CycleTimeout:  cfg.CoordinatorTimeout,
	})

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	subject.NewHandler(subjectService).Register(api)
	twin.NewHandler(coordinator, stateRepo, temporalService, detector, window).Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Twin Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Twin Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	database.CloseRedis()
	database.ClosePostgres()

	logger.Log.Info("Twin Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
