// Command rewardsync credits reward points for completed orders that never
// received them.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-service/config"
	"storefront-service/internal/broker"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Minute, "maximum run time")
	flag.Parse()

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcher := broker.NewDispatcher(producer, cfg.Kafka.QueueSize)
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(dispatcherCtx)
		close(dispatcherDone)
	}()

	rewards := service.NewRewardService(db, dispatcher, cfg.Payment.ConversionRate, cfg.Rewards.PointsRate)
	result, err := rewards.SyncMissing(ctx)

	stopDispatcher()
	<-dispatcherDone

	if err != nil {
		log.Fatalf("Reward sync failed: %v", err)
	}
	log.Printf("Reward sync done: scanned=%d rewarded=%d failed=%d points=%d",
		result.Scanned, result.Rewarded, result.Failed, result.Points)

	if result.Failed > 0 {
		os.Exit(1)
	}
}
