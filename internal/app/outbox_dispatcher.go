package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/theWinterDojer/baseline-sub000/internal/store"
	"github.com/theWinterDojer/baseline-sub000/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize       = 50
	defaultOutboxPollInterval    = 1200 * time.Millisecond
	defaultOutboxStaleProcessing = 2 * time.Minute
	defaultOutboxMaxAttempts     = 12
)

// errUndeliverable marks outbox rows that no retry can deliver.
var errUndeliverable = errors.New("outbox payload is undeliverable")

// PublisherFactory opens a new broker publisher.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher relays committed settlement events from the event outbox to RabbitMQ.
type OutboxDispatcher struct {
	repo                store.Repository
	newPublisher        PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	maxAttempts         int
	producer            rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Repository, rabbitURL string) *OutboxDispatcher {
	return NewOutboxDispatcherWithFactory(repo, func() (rabbitmq.Publisher, error) {
		return rabbitmq.NewEventProducer(rabbitURL)
	})
}

func NewOutboxDispatcherWithFactory(repo store.Repository, factory PublisherFactory) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		newPublisher:        factory,
		batchSize:           defaultOutboxBatchSize,
		pollInterval:        defaultOutboxPollInterval,
		staleProcessingTime: defaultOutboxStaleProcessing,
		maxAttempts:         defaultOutboxMaxAttempts,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=error component=outbox msg=\"outbox flush failed\" err=%v", err)
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}

	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			d.recordFailure(ctx, message, err)
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=error component=outbox msg=\"failed to mark message published\" outbox_id=%d err=%v", message.ID, err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) recordFailure(ctx context.Context, message store.OutboxMessage, err error) {
	if errors.Is(err, errUndeliverable) || message.Attempts >= d.maxAttempts {
		log.Printf("level=error component=outbox msg=\"message dead-lettered\" outbox_id=%d attempts=%d err=%v", message.ID, message.Attempts, err)
		if markErr := d.repo.MarkOutboxDead(ctx, message.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=outbox msg=\"failed to dead-letter message\" outbox_id=%d err=%v", message.ID, markErr)
		}
		return
	}

	retryAfter := retryDelaySeconds(message.Attempts)
	log.Printf("level=warn component=outbox msg=\"publish failed\" outbox_id=%d attempts=%d retry_after_seconds=%d err=%v", message.ID, message.Attempts, retryAfter, err)
	if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
		log.Printf("level=error component=outbox msg=\"failed to reschedule message\" outbox_id=%d err=%v", message.ID, markErr)
	}
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.newPublisher()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	var payload interface{}
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", errUndeliverable, err)
	}

	if err := d.producer.Publish(ctx, message.Exchange, message.RoutingKey, payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
