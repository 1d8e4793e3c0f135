package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-pipeline/internal/checkout"
	"github.com/ariefcatur/go-order-pipeline/internal/config"
	"github.com/ariefcatur/go-order-pipeline/internal/httpx"
	"github.com/ariefcatur/go-order-pipeline/internal/jobs"
	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
	"github.com/ariefcatur/go-order-pipeline/internal/logging"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/postgres"
	"github.com/ariefcatur/go-order-pipeline/internal/reaper"
	"github.com/ariefcatur/go-order-pipeline/internal/redisx"
	"github.com/ariefcatur/go-order-pipeline/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing init", zap.Error(err))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("db migrate", zap.Error(err))
		}
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka: work queue + order.canceled events from manual transitions
	queue := jobs.NewQueue(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.WorkerConcurrency, log)
	defer queue.Close()
	canceled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCanceled, 1024, log)
	canceled.Start(ctx)

	repo := &orders.Repo{DB: db}
	cache := redisx.NewStockCache(rdb)
	intake := &checkout.Service{
		Cache:        cache,
		Ledger:       &orders.ReservationRepo{DB: db},
		Queue:        queue,
		Results:      redisx.NewResultChannel(rdb, cfg.ResultTTL),
		Log:          log,
		PollInterval: cfg.PollInterval,
		PollAttempts: cfg.PollAttempts,
		JobOptions:   []jobs.Option{jobs.WithMaxAttempts(cfg.JobMaxAttempts), jobs.WithBackoff(cfg.JobBackoff)},
	}
	transitions := &reaper.Reaper{
		Store:       repo,
		Cache:       cache,
		Events:      canceled,
		Log:         log,
		ServiceName: cfg.ServiceName,
	}

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Checkouts: intake,
		Orders:    repo,
		Status:    transitions,
		Log:       log,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	canceled.Close()
	cancel()
	canceled.WaitClosed()
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}
