package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/outreachly/campaign-engine/internal/ledger"
	"github.com/outreachly/campaign-engine/internal/observability/metrics"
	"github.com/outreachly/campaign-engine/internal/ratelimit"
	"github.com/outreachly/campaign-engine/internal/telnyxclient"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

var deliverTracer = otel.Tracer("outreachly.internal.dispatch.deliver")

type deliveryStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (ledger.MessageRecord, error)
	TransitionStatus(ctx context.Context, q ledger.Querier, messageID uuid.UUID, to ledger.Status) (bool, error)
	AppendEvent(ctx context.Context, q ledger.Querier, messageID uuid.UUID, event ledger.EventType, reason, providerMessageID string) (bool, error)
	SetProviderMessageID(ctx context.Context, q ledger.Querier, messageID uuid.UUID, providerMessageID string) error
	ScheduleRetry(ctx context.Context, q ledger.Querier, messageID uuid.UUID, nextRetry time.Time) error
}

type providerClient interface {
	SendMessage(ctx context.Context, req telnyxclient.SendMessageRequest) (*telnyxclient.MessageResponse, error)
}

type sendPacer interface {
	Wait(ctx context.Context, tenantID string, settings ratelimit.Settings) error
}

// Worker consumes dispatch jobs from the queue and delivers them to the
// provider. Every provider call, first attempt and retry alike, waits for a
// rate-limit slot first: admission at send time is what keeps the tenant's
// rolling window intact when a backlog of queued or retried messages drains.
type Worker struct {
	queue            queueClient
	store            deliveryStore
	provider         providerClient
	limiter          sendPacer
	tenants          tenantReader
	logger           *logging.Logger
	metrics          *metrics.CampaignMetrics
	messagingProfile string
	maxAttempts      int
	baseDelay        time.Duration
	batchSize        int
	waitSeconds      int
	now              func() time.Time
}

type WorkerConfig struct {
	Queue            queueClient
	Store            deliveryStore
	Provider         providerClient
	Limiter          sendPacer
	Tenants          tenantReader
	Logger           *logging.Logger
	Metrics          *metrics.CampaignMetrics
	MessagingProfile string
	MaxAttempts      int
	BaseDelay        time.Duration
	BatchSize        int
}

func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 5 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Worker{
		queue:            cfg.Queue,
		store:            cfg.Store,
		provider:         cfg.Provider,
		limiter:          cfg.Limiter,
		tenants:          cfg.Tenants,
		logger:           logger.Component("dispatch_worker"),
		metrics:          cfg.Metrics,
		messagingProfile: cfg.MessagingProfile,
		maxAttempts:      maxAttempts,
		baseDelay:        baseDelay,
		batchSize:        batchSize,
		waitSeconds:      10,
		now:              time.Now,
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.queue.Receive(ctx, w.batchSize, w.waitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue receive failed", "error", err)
			continue
		}
		for _, msg := range msgs {
			var job Job
			if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
				w.logger.Error("malformed dispatch job", "error", err, "queue_message_id", msg.ID)
				_ = w.queue.Delete(ctx, msg.ReceiptHandle)
				continue
			}
			w.Deliver(ctx, job.MessageID)
			if ctx.Err() != nil {
				// Shutdown mid-delivery: leave the job in flight so the
				// queue redelivers it.
				return
			}
			if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
				w.logger.Error("queue delete failed", "error", err, "queue_message_id", msg.ID)
			}
		}
	}
}

// Deliver attempts one provider send for a queued message and settles the
// ledger accordingly. Transient failures are parked for the retry worker;
// permanent failures and exhausted attempt budgets finalize the message as
// failed.
func (w *Worker) Deliver(ctx context.Context, messageID uuid.UUID) {
	rec, err := w.store.GetByID(ctx, messageID)
	if err != nil {
		w.logger.Error("load message failed", "error", err, "message_id", messageID)
		return
	}
	// A webhook may settle the message before the job is consumed.
	if rec.Status != ledger.StatusQueued {
		return
	}

	ctx, span := deliverTracer.Start(ctx, "dispatch.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("outreachly.tenant_id", rec.TenantID.String()),
		attribute.String("outreachly.message_id", rec.ID.String()),
		attribute.Int("outreachly.attempt", rec.SendAttempts+1),
	)

	if w.limiter != nil && w.tenants != nil {
		settings, err := w.tenants.GetSettings(ctx, rec.TenantID)
		if err != nil {
			w.logger.Error("load tenant settings failed", "error", err, "message_id", rec.ID)
			w.settleFailure(ctx, rec, err, true)
			return
		}
		limits := ratelimit.Settings{
			RatePerMinute: settings.SendRatePerMinute,
			JitterMin:     time.Duration(settings.SendJitterMinMs) * time.Millisecond,
			JitterMax:     time.Duration(settings.SendJitterMaxMs) * time.Millisecond,
		}
		if err := w.limiter.Wait(ctx, rec.TenantID.String(), limits); err != nil {
			// Context cancelled while waiting; the message is already
			// ledgered queued and will be picked up again.
			return
		}
	}

	resp, err := w.provider.SendMessage(ctx, telnyxclient.SendMessageRequest{
		From:               rec.From,
		To:                 rec.To,
		Body:               rec.Body,
		MediaURLs:          rec.Media,
		MessagingProfileID: w.messagingProfile,
	})
	if err != nil {
		span.RecordError(err)
		w.settleFailure(ctx, rec, err, telnyxclient.IsTransient(err))
		return
	}

	if err := w.store.SetProviderMessageID(ctx, nil, rec.ID, resp.ID); err != nil {
		w.logger.Error("set provider message id failed", "error", err, "message_id", rec.ID)
	}
	if _, err := w.store.TransitionStatus(ctx, nil, rec.ID, ledger.StatusSent); err != nil {
		w.logger.Error("transition to sent failed", "error", err, "message_id", rec.ID)
		return
	}
	if _, err := w.store.AppendEvent(ctx, nil, rec.ID, ledger.EventSent, "", resp.ID); err != nil {
		w.logger.Error("append sent event failed", "error", err, "message_id", rec.ID)
	}
	w.metrics.ObserveOutbound(string(ledger.StatusSent))
	w.logger.Info("message sent",
		"message_id", rec.ID,
		"tenant_id", rec.TenantID,
		"provider_message_id", resp.ID,
	)
}

func (w *Worker) settleFailure(ctx context.Context, rec ledger.MessageRecord, sendErr error, transient bool) {
	attempts := rec.SendAttempts + 1
	if transient && attempts < w.maxAttempts {
		next := w.now().Add(w.nextDelay(rec.SendAttempts))
		if err := w.store.ScheduleRetry(ctx, nil, rec.ID, next); err != nil {
			w.logger.Error("schedule retry failed", "error", err, "message_id", rec.ID)
			return
		}
		w.metrics.ObserveRetry()
		w.logger.Warn("send failed, retry scheduled",
			"message_id", rec.ID,
			"attempt", attempts,
			"next_retry_at", next,
			"error", sendErr,
		)
		return
	}

	if _, err := w.store.TransitionStatus(ctx, nil, rec.ID, ledger.StatusFailed); err != nil {
		w.logger.Error("transition to failed failed", "error", err, "message_id", rec.ID)
		return
	}
	if _, err := w.store.AppendEvent(ctx, nil, rec.ID, ledger.EventFailed, sendErr.Error(), ""); err != nil {
		w.logger.Error("append failed event failed", "error", err, "message_id", rec.ID)
	}
	w.metrics.ObserveOutbound(string(ledger.StatusFailed))
	w.logger.Error("message failed permanently",
		"message_id", rec.ID,
		"tenant_id", rec.TenantID,
		"attempts", attempts,
		"error", sendErr,
	)
}

func (w *Worker) nextDelay(attempts int) time.Duration {
	delay := w.baseDelay * time.Duration(1<<attempts)
	if delay > 24*time.Hour {
		delay = 24 * time.Hour
	}
	return delay
}
