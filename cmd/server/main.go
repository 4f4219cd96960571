package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/logger"
	"github.com/mesaops/mesa-events/internal/model"
	"github.com/mesaops/mesa-events/internal/repo"
	"github.com/mesaops/mesa-events/internal/retryqueue"
	"github.com/mesaops/mesa-events/internal/service"
	httptransport "github.com/mesaops/mesa-events/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Check{}, &model.Charge{}, &model.Allocation{}, &model.Payment{},
		&model.OutboxEntry{}, &model.WebhookRetry{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. repo, billing service, retry queue (enqueue side only)
	repository := repo.NewRepository(gdb, rdb, log)
	svc := service.NewBillingService(repository, log)
	queue := retryqueue.NewQueue(gdb, repository, cfg.Retry, log)

	// 6. gin router
	router := httptransport.NewRouter(svc, queue, repository, cfg, log)

	// 7. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("mesa-events server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
