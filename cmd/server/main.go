package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-service/config"
	"storefront-service/internal/api"
	"storefront-service/internal/broker"
	"storefront-service/internal/gateway"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
	"storefront-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	if cfg.Database.AutoMigrate {
		version, err := store.Migrate(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Printf("Database schema at version %d", version)
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	dispatcher := broker.NewDispatcher(producer, cfg.Kafka.QueueSize)
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(workerCtx)
		close(dispatcherDone)
	}()

	gw := gateway.NewClient(gateway.Config{
		MerchantCode:  cfg.Payment.MerchantCode,
		APIKey:        cfg.Payment.APIKey,
		BaseURL:       cfg.Payment.BaseURL,
		CallbackURL:   cfg.Payment.CallbackURL,
		ReturnURL:     cfg.Payment.ReturnURL,
		ExpiryMinutes: cfg.Payment.ExpiryMinutes,
		Timeout:       time.Duration(cfg.Business.PaymentTimeoutSeconds) * time.Second,
		Amounts: gateway.AmountPolicy{
			ConversionRate:       cfg.Payment.ConversionRate,
			SmallAmountThreshold: cfg.Payment.SmallAmountThreshold,
			MinimumAmount:        cfg.Payment.MinimumAmount,
		},
	})

	rewardService := service.NewRewardService(db, dispatcher, cfg.Payment.ConversionRate, cfg.Rewards.PointsRate)
	orderService := service.NewOrderService(db, gw, rewardService, dispatcher, service.OrderConfig{
		OrderNumberPrefix: cfg.Business.OrderNumberPrefix,
		TrustClientTotal:  cfg.Business.TrustClientTotal,
	})
	paymentService := service.NewPaymentService(db, gw, redisClient, dispatcher, service.PaymentConfig{
		MethodsCacheTTL: time.Duration(cfg.Business.MethodsCacheSeconds) * time.Second,
	})

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, db)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(orderService, paymentService, rewardService, db, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	<-dispatcherDone
	if err := notificationWorker.Stop(); err != nil {
		log.Printf("Error stopping notification worker: %v", err)
	}

	log.Println("Server exited")
}
