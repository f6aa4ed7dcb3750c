package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// queueClient abstracts the dispatch queue so the worker runs against SQS in
// production and an in-memory channel in tests and single-node deployments.
type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Queue is the exported name for the dispatch queue contract, so binaries can
// choose between the SQS and in-memory implementations at startup.
type Queue = queueClient

// Job is one unit of dispatch work: deliver an already-ledgered queued
// message to the provider.
type Job struct {
	ID        string    `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
}

// Publisher enqueues dispatch jobs.
type Publisher struct {
	queue queueClient
}

func NewPublisher(queue queueClient) *Publisher {
	return &Publisher{queue: queue}
}

func (p *Publisher) Publish(ctx context.Context, messageID uuid.UUID) error {
	job := Job{ID: uuid.NewString(), MessageID: messageID}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("dispatch: encode job: %w", err)
	}
	if err := p.queue.Send(ctx, string(body)); err != nil {
		return fmt.Errorf("dispatch: enqueue job: %w", err)
	}
	return nil
}
