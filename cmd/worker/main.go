package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-pipeline/internal/config"
	"github.com/ariefcatur/go-order-pipeline/internal/fulfillment"
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
	log, err := logging.New(cfg.ServiceName+"-worker", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing init", zap.Error(err))
	}

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

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Event producers outlive ctx so they can flush after the consumer stops.
	pctx, cancelProducers := context.WithCancel(context.Background())
	reserved := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderReserved, 1024, log)
	failed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderFailed, 1024, log)
	canceled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCanceled, 1024, log)
	for _, p := range []*kafkax.Producer{reserved, failed, canceled} {
		p.Start(pctx)
	}

	queue := jobs.NewQueue(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.WorkerConcurrency, log)
	defer queue.Close()

	worker := &fulfillment.Service{
		Store:          &orders.ReservationRepo{DB: db},
		Results:        redisx.NewResultChannel(rdb, cfg.ResultTTL),
		ProducerOK:     reserved,
		ProducerReject: failed,
		Log:            log,
		ServiceName:    cfg.ServiceName,
		OrderTTL:       cfg.OrderTTL,
	}
	sweeper := &reaper.Reaper{
		Store:       &orders.Repo{DB: db},
		Cache:       redisx.NewStockCache(rdb),
		Events:      canceled,
		Log:         log,
		ServiceName: cfg.ServiceName,
		BatchSize:   cfg.ReaperBatch,
	}
	metricsSrv := httpx.NewMetricsServer(cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Consume(gctx, orders.JobCheckout, worker.Handle)
	})
	g.Go(func() error {
		reaper.NewScheduler(sweeper, cfg.ReaperInterval, log).Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", zap.Error(err))
	}
	log.Info("shutting down")

	for _, p := range []*kafkax.Producer{reserved, failed, canceled} {
		p.Close()
	}
	cancelProducers()
	for _, p := range []*kafkax.Producer{reserved, failed, canceled} {
		p.WaitClosed()
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(sctx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}
