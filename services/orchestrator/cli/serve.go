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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forgeline/forgeline/internal/envman"
	"github.com/forgeline/forgeline/internal/kafka"
	"github.com/forgeline/forgeline/internal/pipeline"
	"github.com/forgeline/forgeline/internal/postgres"
	redisstore "github.com/forgeline/forgeline/internal/redis"
	"github.com/forgeline/forgeline/internal/stages"
	"github.com/forgeline/forgeline/pkg/telemetry"
	"github.com/forgeline/forgeline/services/orchestrator"
	"github.com/forgeline/forgeline/services/orchestrator/config"
	"github.com/forgeline/forgeline/services/orchestrator/handler"
	"github.com/forgeline/forgeline/services/orchestrator/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator API and pipeline driver",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("mode", "dispatched", "drive mode: direct | dispatched")
	serveCmd.Flags().Int("max-implement-attempts", pipeline.DefaultMaxImplementAttempts,
		"implement attempts before the rework loop is exhausted")
	serveCmd.Flags().Duration("stage-timeout", 5*time.Minute, "per-stage execution timeout (direct mode)")
	serveCmd.Flags().Int("resume-consumers", 4, "completion-topic consumers (dispatched mode)")
	serveCmd.Flags().String("delegate-url", "http://localhost:8100", "stage capability service base URL (direct mode)")
	serveCmd.Flags().Int("delegate-retries", 3, "delegate call attempts per stage run (direct mode)")
	serveCmd.Flags().Duration("retry-base-delay", time.Second, "backoff base between delegate attempts (direct mode)")
	serveCmd.Flags().String("env-work-dir", "/tmp/forgeline-envs", "scratch directory for preview environments (direct mode)")
	serveCmd.Flags().Duration("env-ttl", envman.DefaultTTL, "preview environment lifetime (direct mode)")
	serveCmd.Flags().String("env-base-domain", "preview.localhost", "domain for name-based environment addresses (direct mode)")
	serveCmd.Flags().Int("env-port-first", 40000, "first port of the environment port pool (direct mode)")
	serveCmd.Flags().Int("env-port-last", 40999, "last port of the environment port pool (direct mode)")
	serveCmd.Flags().Int("rate-limit", 30, "max pipeline submissions per project per window")
	serveCmd.Flags().Duration("rate-window", time.Minute, "submission rate limit window")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("mode", serveCmd.Flags(), "mode")
	bindFlag("max_implement_attempts", serveCmd.Flags(), "max-implement-attempts")
	bindFlag("stage_timeout", serveCmd.Flags(), "stage-timeout")
	bindFlag("resume_consumers", serveCmd.Flags(), "resume-consumers")
	bindFlag("delegate_url", serveCmd.Flags(), "delegate-url")
	bindFlag("delegate_retries", serveCmd.Flags(), "delegate-retries")
	bindFlag("retry_base_delay", serveCmd.Flags(), "retry-base-delay")
	bindFlag("env_work_dir", serveCmd.Flags(), "env-work-dir")
	bindFlag("env_ttl", serveCmd.Flags(), "env-ttl")
	bindFlag("env_base_domain", serveCmd.Flags(), "env-base-domain")
	bindFlag("env_port_first", serveCmd.Flags(), "env-port-first")
	bindFlag("env_port_last", serveCmd.Flags(), "env-port-last")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("rate_window", serveCmd.Flags(), "rate-window")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "orchestrator")

	if cfg.Mode != "direct" && cfg.Mode != "dispatched" {
		return fmt.Errorf("unknown mode %q (want direct or dispatched)", cfg.Mode)
	}
	direct := cfg.Mode == "direct"

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "orchestrator", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	live := redisstore.NewStatusStore(redisClient)
	limiter := redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewPipelineRepository(pool)

	engine := pipeline.NewEngine(repo, live,
		pipeline.WithMaxImplementAttempts(cfg.MaxImplementAttempts),
		pipeline.WithEngineLogger(logger),
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var starter handler.Starter
	resumeDone := make(chan error, 1)

	if direct {
		registry := pipeline.NewRegistry()
		delegate := stages.NewHTTPDelegate(cfg.DelegateURL)
		workerCfg := stages.Config{DelegateRetries: cfg.DelegateRetries, RetryBaseDelay: cfg.RetryBaseDelay}
		registry.Register(stages.NewPlanWorker(delegate, workerCfg))
		registry.Register(stages.NewDesignWorker(delegate, workerCfg))
		registry.Register(stages.NewImplementWorker(delegate, workerCfg))
		registry.Register(stages.NewValidateWorker(delegate, workerCfg))
		registry.Register(stages.NewApproveWorker(delegate, workerCfg))

		envs := postgres.NewEnvironmentRepository(pool)
		ports, err := envman.NewPortAllocator(envs, cfg.EnvPortFirst, cfg.EnvPortLast)
		if err != nil {
			return err
		}
		mgr := envman.NewManager(
			envs,
			envman.NewLocalRuntime(cfg.EnvWorkDir, logger),
			envman.NewHTTPProber(10*time.Second),
			ports,
			envman.WithTTL(cfg.EnvTTL),
			envman.WithBaseDomain(cfg.EnvBaseDomain),
			envman.WithManagerLogger(logger),
		)
		registry.Register(stages.NewProvisionWorker(mgr))

		starter = pipeline.NewDirect(engine, registry, cfg.StageTimeout, logger)
		close(resumeDone)
	} else {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()

		driver := pipeline.NewDispatched(engine, producer, redisstore.NewDeduper(redisClient), logger)
		starter = driver

		consumers := make([]kafka.Consumer, 0, cfg.ResumeConsumers)
		for i := 0; i < cfg.ResumeConsumers; i++ {
			c := kafka.NewConsumer(brokers, kafka.TopicStageCompleted, "orchestrator-resume", logger)
			defer func(c kafka.Consumer) { _ = c.Close() }(c)
			consumers = append(consumers, c)
		}
		resume := orchestrator.NewResume(consumers, driver, logger)
		go func() { resumeDone <- resume.Run(runCtx) }()
	}

	restHandler := handler.NewREST(engine, starter, direct, limiter, live, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/pipelines", restHandler.SubmitPipeline)
		r.Get("/pipelines/{id}", restHandler.GetPipeline)
		r.Delete("/pipelines/{id}", restHandler.CancelPipeline)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Info("orchestrator HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("mode", cfg.Mode),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	if err := <-resumeDone; err != nil {
		logger.Error("resume service error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
