package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/gridex-energy/gridex/libs/health"
	"github.com/gridex-energy/gridex/libs/httpmiddleware"
	"github.com/gridex-energy/gridex/libs/kafka"
	"github.com/gridex-energy/gridex/libs/logging"
	"github.com/gridex-energy/gridex/libs/metrics"
	"github.com/gridex-energy/gridex/libs/trace"
	"github.com/gridex-energy/gridex/services/market/internal/config"
	"github.com/gridex-energy/gridex/services/market/internal/consumer"
	"github.com/gridex-energy/gridex/services/market/internal/handlers"
	"github.com/gridex-energy/gridex/services/market/internal/ledger"
	"github.com/gridex-energy/gridex/services/market/internal/rate"
	"github.com/gridex-energy/gridex/services/market/internal/reconcile"
	"github.com/gridex-energy/gridex/services/market/internal/service"
	"github.com/gridex-energy/gridex/services/market/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	marketMetrics := service.NewMetrics(registry)
	reconcileMetrics := reconcile.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)

	chainCtx, chainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	tokenLedger, err := ledger.NewEVMLedger(chainCtx, cfg.Chain.RPCURL, cfg.Chain.PrivateKeys, logger)
	chainCancel()
	if err != nil {
		logger.Error("chain connection failed", "error", err)
		os.Exit(1)
	}
	defer tokenLedger.Close()

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	topics := service.Topics{
		OffersCreated:        cfg.Kafka.Topics.OffersCreated,
		OffersCancelled:      cfg.Kafka.Topics.OffersCancelled,
		OffersFilled:         cfg.Kafka.Topics.OffersFilled,
		OffersCompleted:      cfg.Kafka.Topics.OffersCompleted,
		OffersNegotiation:    cfg.Kafka.Topics.OffersNegotiation,
		SettlementUnresolved: cfg.Kafka.Topics.SettlementUnresolved,
		SettlementResolved:   cfg.Kafka.Topics.SettlementResolved,
	}
	marketService := service.NewMarketService(store, tokenLedger, publisher, logger, marketMetrics, topics, cfg.Chain.TransferTimeout)

	worker := reconcile.NewWorker(store, tokenLedger, publisher, logger, reconcileMetrics, cfg.Kafka.Topics.SettlementResolved, cfg.Reconcile.Interval)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
	defer consumerGroup.Close()

	meterConsumer := consumer.NewMeterConsumer(store, logger)

	httpServer := buildHTTPServer(cfg, marketService, ready, registry, logger)

	ready.SetReady(true)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("market http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("reconciler starting", "interval", cfg.Reconcile.Interval.String())
		worker.Run(workerCtx)
	}()

	go func() {
		logger.Info("meter consumer starting", "topic", cfg.Kafka.Topics.MeterReadings)
		if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.MeterReadings}, meterConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, workerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, marketService *service.MarketService, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	var limiter rate.Limiter
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = rate.NewRedisLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
	} else {
		limiter = rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	handler := handlers.New(marketService, logger)
	handler.Register(router, []byte(cfg.JWTSecret), limiter)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
