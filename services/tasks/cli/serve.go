package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-tracker/internal/events"
	"github.com/ramiqadoumi/go-task-tracker/internal/kafka"
	"github.com/ramiqadoumi/go-task-tracker/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-tracker/internal/redis"
	"github.com/ramiqadoumi/go-task-tracker/internal/store"
	"github.com/ramiqadoumi/go-task-tracker/internal/sweeper"
	"github.com/ramiqadoumi/go-task-tracker/internal/transfer"
	"github.com/ramiqadoumi/go-task-tracker/internal/version"
	"github.com/ramiqadoumi/go-task-tracker/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-tracker/services/tasks/config"
	"github.com/ramiqadoumi/go-task-tracker/services/tasks/handler"
	"github.com/ramiqadoumi/go-task-tracker/services/tasks/ingest"
	"github.com/ramiqadoumi/go-task-tracker/services/tasks/middleware"
)

const sweeperLeaderKey = "sweeper:leader"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, sweeper and status-report consumer",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("backend", config.BackendMemory, "task persistence: memory | redis | postgres")
	f.String("redis-addr", "", "Redis address (host:port); enables leader election and rate limiting")
	f.String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables events and status reports")
	f.String("events-topic", events.DefaultTopic, "topic for task change events")
	f.String("reports-topic", ingest.DefaultTopic, "topic for incoming status reports")
	f.String("reports-group", "task-tracker", "consumer group for status reports")
	f.Duration("sweep-interval", sweeper.DefaultInterval, "interval between expiry sweeps")
	f.Duration("retention", sweeper.DefaultRetention, "idle time after which a task is expired")
	f.Duration("purge-after", 0, "age after which deleted and expired tasks are removed; 0 disables")
	f.String("purge-schedule", sweeper.DefaultPurgeSchedule, "cron schedule for purge passes")
	f.Int("create-rate-limit", 0, "tasks one owner may create per window; 0 disables (needs Redis)")
	f.Duration("create-rate-window", time.Minute, "rate limit window")
	f.String("object-storage-url", "", "object storage service base URL; empty disables /transfers")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	for _, key := range []string{
		"http_port", "metrics_addr", "backend", "redis_addr", "kafka_brokers",
		"events_topic", "reports_topic", "reports_group",
		"sweep_interval", "retention", "purge_after", "purge_schedule",
		"create_rate_limit", "create_rate_window", "object_storage_url", "otel_endpoint",
	} {
		bindFlag(key, f, strings.ReplaceAll(key, "_", "-"))
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, serviceName)
	instanceID := serviceName + "-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, version.Version, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── Redis (optional) ──────────────────────────────────────────────────────
	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
	}

	// ── persistence ───────────────────────────────────────────────────────────
	var persister store.Persister
	switch cfg.Backend {
	case config.BackendMemory, "":
	case config.BackendRedis:
		if redisClient == nil {
			return errors.New("backend redis requires redis_addr")
		}
		persister = redisstore.NewTaskStore(redisClient)
	case config.BackendPostgres:
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		persister = postgres.NewRepository(pool)
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if persister != nil {
		storeOpts = append(storeOpts, store.WithPersister(persister), store.WithSaveRetry(3, 100*time.Millisecond))
	}

	// ── Kafka (optional) ──────────────────────────────────────────────────────
	var brokers []string
	if cfg.KafkaBrokers != "" {
		brokers = strings.Split(cfg.KafkaBrokers, ",")
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		storeOpts = append(storeOpts, store.WithNotifier(events.NewPublisher(producer, cfg.EventsTopic, logger)))
	}

	st := store.New(storeOpts...)
	if persister != nil {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := st.Restore(restoreCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("restore tasks: %w", err)
		}
		logger.Info("tasks restored", slog.Int("count", n), slog.String("backend", cfg.Backend))
	}

	// ── sweeper ───────────────────────────────────────────────────────────────
	sweepOpts := []sweeper.Option{sweeper.WithLogger(logger)}
	if redisClient != nil {
		lock := redisstore.NewLeaderLock(redisClient, sweeperLeaderKey, instanceID, 3*cfg.SweepInterval, logger)
		sweepOpts = append(sweepOpts, sweeper.WithLeader(lock))
	}
	sw, err := sweeper.New(st, sweeper.Config{
		Interval:      cfg.SweepInterval,
		Retention:     cfg.Retention,
		PurgeAfter:    cfg.PurgeAfter,
		PurgeSchedule: cfg.PurgeSchedule,
	}, sweepOpts...)
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	var limiter handler.RateLimiter
	if cfg.CreateRateLimit > 0 {
		if redisClient == nil {
			return errors.New("create_rate_limit requires redis_addr")
		}
		limiter = redisstore.NewRateLimiter(redisClient, "create", cfg.CreateRateLimit, cfg.CreateRateWindow)
	}
	restHandler := handler.NewREST(st, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	restHandler.Routes(r)
	if cfg.ObjectStorageURL != "" {
		svc := transfer.NewService(st, transfer.NewHTTPObjectStorage(cfg.ObjectStorageURL), logger)
		handler.NewTransfers(svc, restHandler).Routes(r)
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, st.Ping, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.Run(runCtx)
	}()

	if len(brokers) > 0 {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: brokers,
			Topic:   cfg.ReportsTopic,
			GroupID: cfg.ReportsGroup,
		}, logger)
		defer func() { _ = consumer.Close() }()
		ingester := ingest.New(consumer, st, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingester.Run(runCtx); err != nil {
				logger.Error("status report consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		logger.Info("tasks HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("instance_id", instanceID),
			slog.String("backend", cfg.Backend),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	runCancel()
	wg.Wait()
	logger.Info("stopped")
	return nil
}
