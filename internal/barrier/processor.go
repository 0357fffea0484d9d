package barrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/mkvarda/batchstream/internal/models"
	"github.com/mkvarda/batchstream/internal/rabbit"
)

// Topology for the in-memory barrier runs. Item messages travel a topic
// exchange on a batch-scoped queue; progress reports fan out to every
// listener.
const (
	ProgressExchange = "exch-batch-progress"
	ProgressKey      = "batch-progress"

	batchQueueFormat = "batch-queue-%s"
	batchKeyFormat   = "batch.%s"
)

// BatchQueue is the batch-scoped queue name.
func BatchQueue(batchID string) string { return fmt.Sprintf(batchQueueFormat, batchID) }

// BatchKey is the routing key for one batch's barrier messages.
func BatchKey(batchID string) string { return fmt.Sprintf(batchKeyFormat, batchID) }

// ForBatchQueue returns the consumer settings for one batch's barrier run.
// Prefetch one forces contended, serialized delivery across the competing
// subscribers.
func ForBatchQueue(batchID string) rabbit.ConsumerSettings {
	return rabbit.ConsumerSettings{
		ClientSettings: rabbit.ClientSettings{
			ExchangeName: rabbit.MiscExchange,
			ExchangeType: rabbit.ExchangeTopic,
			TimeToLive:   10 * time.Minute,
		},
		QueueName:     BatchQueue(batchID),
		RouteKey:      BatchKey(batchID),
		PrefetchCount: 1,
	}
}

// ForProgress returns the publishing settings for the progress fanout.
func ForProgress() rabbit.ClientSettings {
	return rabbit.ClientSettings{
		ExchangeName: ProgressExchange,
		ExchangeType: rabbit.ExchangeFanout,
		TimeToLive:   10 * time.Minute,
	}
}

// ForProgressConsumer returns consumer settings for a progress listener. The
// fanout exchange gives every listener its own queue.
func ForProgressConsumer() rabbit.ConsumerSettings {
	return rabbit.ConsumerSettings{
		ClientSettings: ForProgress(),
		QueueName:      "queue-batch-progress",
		RouteKey:       ProgressKey,
		PrefetchCount:  5,
	}
}

// Config tunes a barrier run.
type Config struct {
	// AppName identifies this instance in subscriber identities.
	AppName string
	// SubscriberCount is how many competing subscribers join each run.
	SubscriberCount int
	// PollInterval is how often the last-message holder re-reads the counter.
	PollInterval time.Duration
	// Timeout bounds the barrier wait.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AppName == "" {
		c.AppName = "batchstream"
	}
	if c.SubscriberCount <= 0 {
		c.SubscriberCount = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

// Processor runs the barrier protocol for ad-hoc batches entirely in memory.
// A run announces the expected count with a first message, lets one racing
// subscriber fan out the item set, counts items in the store, and holds the
// last message until the counter catches up, reporting progress on the
// fanout exchange as it waits.
type Processor struct {
	logger zerolog.Logger
	source rabbit.ConnectionSource
	store  *CounterStore
	config Config
}

// NewProcessor creates a barrier processor around an injectable counter
// store.
func NewProcessor(source rabbit.ConnectionSource, logger zerolog.Logger, store *CounterStore, config Config) *Processor {
	return &Processor{
		logger: logger,
		source: source,
		store:  store,
		config: config.withDefaults(),
	}
}

// run holds the completion rendezvous of one Process call.
type run struct {
	batchID string
	done    chan struct{}
	once    sync.Once
	err     error
}

func (r *run) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Process executes one barrier run to completion: registers the counter,
// joins the configured number of subscribers, publishes the first message
// and blocks until the barrier resolves or times out. Subscribers and the
// counter are cleaned up on every exit path.
func (p *Processor) Process(ctx context.Context, batchID string, expectedCount int) error {
	if expectedCount <= 0 {
		return fmt.Errorf("expected count must be positive, got %d", expectedCount)
	}
	if err := p.store.Register(batchID, expectedCount); err != nil {
		return err
	}
	defer p.store.Delete(batchID)

	r := &run{batchID: batchID, done: make(chan struct{})}

	subscribers := make([]*rabbit.QueueSubscriber[models.QueueMessage[models.BatchMessage]], 0, p.config.SubscriberCount)
	defer func() {
		for _, s := range subscribers {
			s.Close()
		}
	}()
	for i := 0; i < p.config.SubscriberCount; i++ {
		subscriber, err := rabbit.NewQueueSubscriber[models.QueueMessage[models.BatchMessage]](
			p.source, p.logger, ForBatchQueue(batchID), p.config.AppName, fmt.Sprintf("barrier%d", i+1))
		if err != nil {
			return fmt.Errorf("failed to join barrier run for %s: %w", batchID, err)
		}
		subscribers = append(subscribers, subscriber)
		if err := subscriber.Subscribe(p.handler(r)); err != nil {
			return err
		}
		<-subscriber.Ready()
	}

	if err := p.publishFirst(ctx, batchID, expectedCount); err != nil {
		return err
	}

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) handler(r *run) rabbit.Handler[models.QueueMessage[models.BatchMessage]] {
	return func(ctx context.Context, msg models.QueueMessage[models.BatchMessage], subscriberID string, _ amqp.Table) (bool, error) {
		switch {
		case msg.Body.IsFirst:
			return p.handleFirst(ctx, r, msg.Body.ExpectedCount, subscriberID)
		case msg.Body.IsLast:
			return p.handleLast(ctx, r, subscriberID)
		default:
			count, err := p.store.Increment(r.batchID)
			if err != nil {
				return false, err
			}
			p.logger.Debug().Str("batchId", r.batchID).Int("count", count).Msg("Barrier item counted")
			return true, nil
		}
	}
}

// handleFirst fans the item set out. Every subscriber may receive a first
// message on redelivery; the publish claim guarantees the set goes out at
// most once.
func (p *Processor) handleFirst(ctx context.Context, r *run, expectedCount int, subscriberID string) (bool, error) {
	won, err := p.store.ClaimPublish(r.batchID)
	if err != nil {
		return false, err
	}
	if !won {
		p.logger.Debug().Str("batchId", r.batchID).Msg("Item set already published, skipping")
		return true, nil
	}

	p.logger.Info().Str("batchId", r.batchID).Int("expected", expectedCount).
		Str("subscriber", subscriberID).Msg("Publishing barrier item set")

	publisher, err := rabbit.NewQueuePublisher(p.source, p.logger, ForBatchQueue(r.batchID).ClientSettings)
	if err != nil {
		return false, err
	}
	defer publisher.Close()

	messages := make([]any, 0, expectedCount+1)
	for i := 1; i <= expectedCount; i++ {
		messages = append(messages, models.QueueMessage[models.BatchMessage]{
			ID:       uuid.NewString(),
			LinkedID: r.batchID,
			BodyType: models.BodyTypeBatchMessage,
			Body: models.BatchMessage{
				Reference: &models.Reference{ID: uuid.NewString(), Name: fmt.Sprintf("%s-%d", r.batchID, i)},
			},
		})
	}
	messages = append(messages, models.QueueMessage[models.BatchMessage]{
		ID:       uuid.NewString(),
		LinkedID: r.batchID,
		BodyType: models.BodyTypeBatchMessage,
		Body:     models.BatchMessage{IsLast: true, ExpectedCount: expectedCount},
	})
	if err := publisher.PublishAll(ctx, messages, BatchKey(r.batchID), nil, 0); err != nil {
		return false, err
	}
	return true, nil
}

// handleLast polls the counter until it reaches the expected count,
// publishing a progress report on every tick. Success and timeout both
// resolve the run's rendezvous.
func (p *Processor) handleLast(ctx context.Context, r *run, subscriberID string) (bool, error) {
	p.logger.Info().Str("batchId", r.batchID).Str("subscriber", subscriberID).
		Msg("Last barrier message received, waiting for counter")

	progress, err := rabbit.NewQueuePublisher(p.source, p.logger, ForProgress())
	if err != nil {
		r.finish(err)
		return false, err
	}
	defer progress.Close()

	deadline := time.Now().Add(p.config.Timeout)
	for {
		processed, expected, err := p.store.Progress(r.batchID)
		if err != nil {
			r.finish(err)
			return false, err
		}
		p.publishProgress(ctx, progress, r.batchID, processed, expected)
		if processed >= expected {
			p.logger.Info().Str("batchId", r.batchID).Int("processed", processed).Msg("Barrier resolved")
			r.finish(nil)
			return true, nil
		}
		if time.Now().After(deadline) {
			err := fmt.Errorf("barrier for batch %s stalled at %d of %d items after %s",
				r.batchID, processed, expected, p.config.Timeout)
			r.finish(err)
			return false, err
		}
		select {
		case <-ctx.Done():
			r.finish(ctx.Err())
			return false, nil
		case <-time.After(p.config.PollInterval):
		}
	}
}

func (p *Processor) publishFirst(ctx context.Context, batchID string, expectedCount int) error {
	publisher, err := rabbit.NewQueuePublisher(p.source, p.logger, ForBatchQueue(batchID).ClientSettings)
	if err != nil {
		return fmt.Errorf("failed to open barrier publisher for %s: %w", batchID, err)
	}
	defer publisher.Close()

	message := models.QueueMessage[models.BatchMessage]{
		ID:       uuid.NewString(),
		LinkedID: batchID,
		BodyType: models.BodyTypeBatchMessage,
		Body:     models.BatchMessage{IsFirst: true, ExpectedCount: expectedCount},
	}
	return publisher.Publish(ctx, message, BatchKey(batchID), nil, 0)
}

func (p *Processor) publishProgress(ctx context.Context, publisher *rabbit.QueuePublisher, batchID string, processed, expected int) {
	message := models.QueueMessage[string]{
		ID:       uuid.NewString(),
		LinkedID: batchID,
		BodyType: models.BodyTypeString,
		Body:     fmt.Sprintf("%d/%d", processed, expected),
	}
	if err := publisher.Publish(ctx, message, ProgressKey, nil, 0); err != nil {
		p.logger.Warn().Err(err).Str("batchId", batchID).Msg("Failed to publish barrier progress")
	}
}
