package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowkit/engine-go/internal/actions"
	"github.com/flowkit/engine-go/internal/broker"
	"github.com/flowkit/engine-go/internal/config"
	"github.com/flowkit/engine-go/internal/engine"
	"github.com/flowkit/engine-go/internal/notify"
	"github.com/flowkit/engine-go/internal/observability"
	"github.com/flowkit/engine-go/internal/repo"
	"github.com/flowkit/engine-go/internal/resilience"
	"github.com/flowkit/engine-go/internal/storage"
)

const (
	serviceName    = "flowkit-engine"
	serviceVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Queue-driven workflow orchestration engine",
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", serviceName, serviceVersion)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// Server wires the engine's services together.
type Server struct {
	logger     *zap.Logger
	config     *config.Config
	httpServer *http.Server
	repository *repo.Repository
	mq         *broker.RabbitMQBroker
	admission  *engine.AdmissionConsumer
	consumer   *engine.StepConsumer
	monitor    *engine.Monitor
}

func serve() error {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting workflow engine",
		zap.String("service", serviceName),
		zap.String("version", serviceVersion))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize OpenTelemetry
	shutdown, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Initialize metrics
	metrics := observability.NewMetrics()

	// Initialize repository
	repository, err := repo.New(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer repository.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelMigrate()
	if err := repository.Migrate(migrateCtx); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis is optional; without it integration lookups go straight to the
	// database.
	var cache storage.Storage
	if cfg.Redis.Addr != "" {
		redisStorage, err := storage.NewRedisStorage(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisStorage.Close()
		cache = redisStorage
	}
	integrations := storage.NewIntegrationCache(repository, cache, cfg.Redis.IntegrationTTL, logger)

	// Initialize broker
	mq, err := broker.NewRabbitMQBroker(cfg.MessageQueue.URL, broker.Config{
		PrefetchCount: cfg.MessageQueue.PrefetchCount,
		DeliveryLimit: cfg.MessageQueue.DeliveryLimit,
		RequeueDelay:  cfg.MessageQueue.RequeueDelay,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer mq.Close()

	// Action registry with the built-in handlers
	registry := actions.NewRegistry(logger)
	actions.RegisterBuiltins(registry, logger)
	registry.Register("integration.request", actions.NewConnectorHandler(integrations, logger))

	// Notifier
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notification.WebhookURL != "" {
		notifier = notify.NewMulti(logger,
			notify.NewLogNotifier(logger),
			notify.NewWebhookNotifier(cfg.Notification.WebhookURL, cfg.Notification.Timeout, logger),
		)
	}

	// Monitoring sidecar
	monitor := engine.NewMonitor(engine.MonitorThresholds{
		ErrorRate:    cfg.Monitoring.ErrorRateThreshold,
		RetryRate:    cfg.Monitoring.RetryRateThreshold,
		MaxDuration:  cfg.Monitoring.MaxDuration,
		Window:       cfg.Monitoring.Window,
		DegradedRate: engine.DefaultThresholds().DegradedRate,
		CriticalRate: engine.DefaultThresholds().CriticalRate,
	}, notifier, logger)

	// Consumers
	consumerCfg := engine.ConsumerConfig{
		MaxConcurrentSteps: cfg.Execution.MaxConcurrency,
		BarrierRetryDelay:  cfg.Execution.BarrierRetryDelay,
	}
	if cfg.RateLimit.Enabled {
		consumerCfg.RateLimit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
		consumerCfg.RateBurst = cfg.RateLimit.BurstSize
	}

	retries := engine.NewRetryController(logger)
	breakers := resilience.NewRegistry(resilience.DefaultConfig(), logger)
	admission := engine.NewAdmissionConsumer(repository, mq, monitor, logger)
	consumer := engine.NewStepConsumer(
		repository, mq, registry, retries, breakers,
		monitor, notifier, metrics, consumerCfg, logger,
	)

	server := &Server{
		logger:     logger,
		config:     cfg,
		repository: repository,
		mq:         mq,
		admission:  admission,
		consumer:   consumer,
		monitor:    monitor,
	}
	return server.Start()
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Start queue consumers
	if err := s.mq.Subscribe(ctx, broker.WorkflowQueue, s.admission.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", broker.WorkflowQueue, err)
	}
	if err := s.mq.Subscribe(ctx, broker.ExecutionQueue, s.consumer.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", broker.ExecutionQueue, err)
	}

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.startHTTPServer(ctx); err != nil {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	s.logger.Info("Shutdown signal received, gracefully stopping...")

	// Graceful shutdown
	cancel()

	// Give services time to shut down
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Server shutdown complete")
	case <-time.After(30 * time.Second):
		s.logger.Warn("Shutdown timeout exceeded, forcing exit")
	}

	return nil
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	addr := s.config.HTTP.Address
	s.logger.Info("Starting HTTP server", zap.String("address", addr))

	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		health := s.monitor.SystemHealth()
		status := http.StatusOK
		if err := s.repository.Ping(); err != nil {
			health.Status = engine.HealthCritical
			status = http.StatusServiceUnavailable
		} else if health.Status == engine.HealthCritical {
			status = http.StatusServiceUnavailable
		}

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"service":   serviceName,
			"version":   serviceVersion,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"health":    health,
		})
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: otelhttp.NewHandler(mux, "http"),
	}

	// Start serving in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("HTTP server error: %w", err)
	}
}
