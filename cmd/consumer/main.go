package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/mesaops/mesa-events/internal/breaker"
	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/event"
	"github.com/mesaops/mesa-events/internal/integration"
	"github.com/mesaops/mesa-events/internal/logger"
	"github.com/mesaops/mesa-events/internal/repo"
	"github.com/mesaops/mesa-events/internal/retryqueue"
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
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	defer kw.Close()

	repository := repo.NewRepository(gdb, rdb, log)
	queue := retryqueue.NewQueue(gdb, repository, cfg.Retry, log)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	})
	feed := integration.NewFeed(kw, brk, queue, log)

	// the WebSocket hub subscribes here in the full platform; this binary
	// logs deliveries and mirrors them to the integration feed
	logSink := stream.SinkFunc(func(ctx context.Context, env *event.Envelope) error {
		log.Infow("event delivered",
			"type", env.Type, "tenant", env.TenantID, "branch", env.BranchID)
		return nil
	})

	consumer := stream.NewConsumer(rdb, cfg.Stream, stream.MultiSink(logSink, feed), log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consumer: %v", err)
	}
	log.Info("mesa-events consumer exited")
}
