package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/outreachly/campaign-engine/cmd/mainconfig"
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
	"github.com/outreachly/campaign-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" || cfg.TelnyxAPIKey == "" || cfg.DispatchQueueURL == "" {
		logger.Error("campaign worker requires DATABASE_URL, TELNYX_API_KEY and DISPATCH_QUEUE_URL")
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

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	queue := dispatch.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.DispatchQueueURL)

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

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("campaign worker shutting down")
	cancel()
	time.Sleep(2 * time.Second)
}
