package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/outreachly/campaign-engine/cmd/mainconfig"
	"github.com/outreachly/campaign-engine/internal/api/router"
	"github.com/outreachly/campaign-engine/internal/assist"
	"github.com/outreachly/campaign-engine/internal/audience"
	"github.com/outreachly/campaign-engine/internal/campaign"
	appconfig "github.com/outreachly/campaign-engine/internal/config"
	"github.com/outreachly/campaign-engine/internal/dispatch"
	"github.com/outreachly/campaign-engine/internal/ledger"
	"github.com/outreachly/campaign-engine/internal/observability/metrics"
	"github.com/outreachly/campaign-engine/internal/ratelimit"
	"github.com/outreachly/campaign-engine/internal/scheduler"
	"github.com/outreachly/campaign-engine/internal/sequence"
	"github.com/outreachly/campaign-engine/internal/suppression"
	"github.com/outreachly/campaign-engine/internal/telnyxclient"
	"github.com/outreachly/campaign-engine/internal/templates"
	"github.com/outreachly/campaign-engine/internal/tenants"
	"github.com/outreachly/campaign-engine/internal/webhook"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting campaign-engine API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" || cfg.TelnyxAPIKey == "" {
		logger.Error("API server requires DATABASE_URL and TELNYX_API_KEY")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	telnyxClient, err := telnyxclient.New(telnyxclient.Config{
		APIKey:        cfg.TelnyxAPIKey,
		WebhookSecret: cfg.TelnyxWebhookSecret,
		Timeout:       10 * time.Second,
		Logger:        logger.Logger,
	})
	if err != nil {
		logger.Error("failed to create telnyx client", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = redisClient.Close() }()

	campaignMetrics := metrics.NewCampaignMetrics(prometheus.DefaultRegisterer)

	tenantStore := tenants.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)
	campaignStore := campaign.NewStore(pool)
	sequenceStore := sequence.NewStore(pool)
	audienceStore := audience.NewStore(pool)
	suppressionStore := suppression.NewStore(pool)
	suppressionRegistry := suppression.NewCachedRegistry(suppressionStore, redisClient, logger)

	var queue dispatch.Queue
	if cfg.UseMemoryQueue {
		queue = dispatch.NewMemoryQueue(1024)
	} else {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		queue = dispatch.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.DispatchQueueURL)
	}

	pipeline := dispatch.NewPipeline(dispatch.PipelineConfig{
		Ledger:      ledgerStore,
		Suppression: suppressionRegistry,
		Consent:     suppressionStore,
		Tenants:     tenantStore,
		Renderer:    templates.NewRenderer(cfg.OptOutFooter),
		Publisher:   dispatch.NewPublisher(queue),
		Metrics:     campaignMetrics,
		Logger:      logger,
	})

	campaignHandler := campaign.NewHandler(campaignStore, sequenceStore, pipeline, logger)
	suppressionHandler := suppression.NewHandler(suppressionRegistry, suppressionStore, logger)

	webhookHandler := webhook.NewHandler(webhook.HandlerConfig{
		Verifier:    telnyxClient,
		Processed:   webhook.NewProcessedStore(pool),
		Ledger:      ledgerStore,
		Tenants:     tenantStore,
		Suppression: suppressionRegistry,
		Enrollments: sequenceStore,
		Acks:        pipeline,
		Logger:      logger,
		Metrics:     campaignMetrics,
		StopAck:     cfg.StopReply,
		HelpAck:     cfg.HelpReply,
	})

	var assistHandler *assist.Handler
	if cfg.AssistEnabled && cfg.AssistModelID != "" {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config for assist", "error", err)
			os.Exit(1)
		}
		polisher := assist.NewPolisher(bedrockruntime.NewFromConfig(awsCfg), cfg.AssistModelID, logger)
		assistHandler = assist.NewHandler(polisher)
	}

	// With the in-memory queue the full delivery loop runs in this process;
	// a separate campaign-worker deployment owns it when SQS is configured.
	if cfg.UseMemoryQueue {
		stepper := sequence.NewStepper(sequence.StepperConfig{
			Store:     sequenceStore,
			Campaigns: campaignStore,
			Tenants:   tenantStore,
			Vars:      audienceStore,
			Pipeline:  pipeline,
			Metrics:   campaignMetrics,
			Logger:    logger,
			ClaimTTL:  cfg.CampaignClaimTTL,
		})
		sched := scheduler.New(scheduler.Config{
			Campaigns:   campaignStore,
			Resolver:    audience.NewResolver(audienceStore, logger),
			Tenants:     tenantStore,
			Vars:        audienceStore,
			Pipeline:    pipeline,
			SentPhones:  ledgerStore,
			Enrollments: sequenceStore,
			Stepper:     stepper,
			Logger:      logger,
			Interval:    cfg.SchedulerTickInterval,
			ClaimTTL:    cfg.CampaignClaimTTL,
			WorkerCount: cfg.DispatchWorkerCount,
		})
		worker := dispatch.NewWorker(dispatch.WorkerConfig{
			Queue:            queue,
			Store:            ledgerStore,
			Provider:         telnyxClient,
			Limiter:          ratelimit.NewLimiter(),
			Tenants:          tenantStore,
			Logger:           logger,
			Metrics:          campaignMetrics,
			MessagingProfile: cfg.TelnyxMessagingProfileID,
			MaxAttempts:      cfg.DispatchMaxAttempts,
			BaseDelay:        cfg.DispatchBaseDelay,
		})
		retry := dispatch.NewRetryWorker(ledgerStore, worker, logger)
		go sched.Run(ctx)
		go worker.Run(ctx)
		go retry.Run(ctx)
	}

	r := router.New(&router.Config{
		Logger:             logger,
		CampaignHandler:    campaignHandler,
		SuppressionHandler: suppressionHandler,
		WebhookHandler:     webhookHandler,
		AssistHandler:      assistHandler,
		MetricsHandler:     promhttp.Handler(),
		OperatorAuthSecret: cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
