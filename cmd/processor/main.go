package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mesaops/mesa-events/internal/breaker"
	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/integration"
	"github.com/mesaops/mesa-events/internal/logger"
	"github.com/mesaops/mesa-events/internal/outbox"
	"github.com/mesaops/mesa-events/internal/repo"
	"github.com/mesaops/mesa-events/internal/retryqueue"
	"github.com/mesaops/mesa-events/internal/service"
	"github.com/mesaops/mesa-events/internal/stream"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	defer kw.Close()

	repository := repo.NewRepository(gdb, rdb, log)
	svc := service.NewBillingService(repository, log)
	publisher := stream.NewPublisher(rdb, cfg.Stream.Name, log)
	processor := outbox.NewProcessor(repository, publisher, cfg.Outbox, log)

	queue := retryqueue.NewQueue(gdb, repository, cfg.Retry, log)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	})
	feed := integration.NewFeed(kw, brk, queue, log)
	queue.RegisterHandler(integration.RetryKind, feed.RetryHandler())
	queue.RegisterHandler(service.WebhookRetryKind, svc.WebhookRetryHandler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("mesa-events processor started")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		queue.Run(ctx)
	}()
	wg.Wait()
	log.Info("mesa-events processor exited")
}
