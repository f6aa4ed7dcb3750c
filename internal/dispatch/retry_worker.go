package dispatch

import (
	"context"
	"time"

	"github.com/outreachly/campaign-engine/internal/ledger"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

type retryStore interface {
	ListRetryCandidates(ctx context.Context, limit, maxAttempts int) ([]ledger.MessageRecord, error)
}

// RetryWorker re-attempts queued messages whose retry has come due.
type RetryWorker struct {
	store     retryStore
	worker    *Worker
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

func NewRetryWorker(store retryStore, worker *Worker, logger *logging.Logger) *RetryWorker {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryWorker{
		store:     store,
		worker:    worker,
		logger:    logger.Component("retry_worker"),
		interval:  time.Minute,
		batchSize: 25,
	}
}

func (r *RetryWorker) WithInterval(d time.Duration) *RetryWorker {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *RetryWorker) WithBatchSize(n int) *RetryWorker {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *RetryWorker) drain(ctx context.Context) {
	if r.store == nil || r.worker == nil {
		return
	}
	msgs, err := r.store.ListRetryCandidates(ctx, r.batchSize, r.worker.maxAttempts)
	if err != nil {
		r.logger.Error("retry fetch failed", "error", err)
		return
	}
	for _, m := range msgs {
		r.worker.Deliver(ctx, m.ID)
	}
}
