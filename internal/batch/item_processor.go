package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/mkvarda/batchstream/internal/models"
	"github.com/mkvarda/batchstream/internal/rabbit"
	"github.com/mkvarda/batchstream/internal/repository"
)

// Worker defaults. The barrier timeout bounds how long the worker that drew
// the last message waits for the rest of the stage to drain.
const (
	DefaultWorkDelay      = 100 * time.Millisecond
	DefaultPollInterval   = time.Second
	DefaultBarrierTimeout = 5 * time.Minute
	DefaultPrefetch       = 5
)

// ProcessorConfig tunes one stage worker. Zero values fall back to the
// package defaults.
type ProcessorConfig struct {
	// WorkDelay simulates the per-item processing cost.
	WorkDelay time.Duration
	// PollInterval is how often the barrier holder re-reads the batch.
	PollInterval time.Duration
	// BarrierTimeout bounds the barrier wait before failing the stage.
	BarrierTimeout time.Duration
	// Prefetch is the consumer's unacknowledged-message allowance.
	Prefetch int
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.WorkDelay <= 0 {
		c.WorkDelay = DefaultWorkDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BarrierTimeout <= 0 {
		c.BarrierTimeout = DefaultBarrierTimeout
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	return c
}

// ItemProcessor is one stage worker for a single batch. Workers on the same
// batch share the batch's queue and compete for item messages; whichever
// worker draws the stage's barrier message polls the batch until the stage
// counter reaches the item count, then emits the completed action.
type ItemProcessor struct {
	logger  zerolog.Logger
	batches repository.BatchRepository
	items   repository.BatchItemRepository
	sender  Sender
	batchID string
	config  ProcessorConfig

	subscriber *rabbit.QueueSubscriber[models.QueueMessage[json.RawMessage]]

	mu         sync.Mutex
	stageOrder []models.Stage
}

// NewItemProcessor declares the batch's processing topology, subscribes and
// starts consuming. The processor is live once its Ready channel closes.
func NewItemProcessor(
	source rabbit.ConnectionSource,
	logger zerolog.Logger,
	batches repository.BatchRepository,
	items repository.BatchItemRepository,
	sender Sender,
	batchID, appName, tag string,
	config ProcessorConfig,
) (*ItemProcessor, error) {
	config = config.withDefaults()

	subscriber, err := rabbit.NewQueueSubscriber[models.QueueMessage[json.RawMessage]](
		source, logger, rabbit.ForBatchProcessingConsumer(batchID, config.Prefetch), appName, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage worker for batch %s: %w", batchID, err)
	}

	p := &ItemProcessor{
		logger:     logger.With().Str("batchId", batchID).Str("worker", subscriber.SubscriberID()).Logger(),
		batches:    batches,
		items:      items,
		sender:     sender,
		batchID:    batchID,
		config:     config,
		subscriber: subscriber,
	}
	if err := subscriber.Subscribe(p.handle); err != nil {
		subscriber.Close()
		return nil, err
	}
	return p, nil
}

// Ready is closed once the worker's consumer is registered with the broker.
func (p *ItemProcessor) Ready() <-chan struct{} { return p.subscriber.Ready() }

// SubscriberID returns the worker's unique consumer identity.
func (p *ItemProcessor) SubscriberID() string { return p.subscriber.SubscriberID() }

// Close stops consuming and releases any unacknowledged messages.
func (p *ItemProcessor) Close() error { return p.subscriber.Close() }

func (p *ItemProcessor) handle(ctx context.Context, msg models.QueueMessage[json.RawMessage], _ string, _ amqp.Table) (bool, error) {
	body, err := models.DecodeBody[models.BatchMessage](msg.Body)
	if err != nil {
		return false, err
	}

	stage, err := p.stageForOrdinal(ctx, body.ItemStage)
	if err != nil {
		return false, err
	}

	if body.IsLast {
		return p.holdBarrier(ctx, stage)
	}
	return p.processItem(ctx, msg.ID, stage)
}

// processItem does the per-item work: a simulated processing delay, the
// processed flag on the item, and one stage counter increment.
func (p *ItemProcessor) processItem(ctx context.Context, itemID string, stage models.Stage) (bool, error) {
	select {
	case <-ctx.Done():
		// Shutting down: requeue so another worker picks the item up.
		return false, nil
	case <-time.After(p.config.WorkDelay):
	}

	if err := p.items.MarkProcessed(ctx, itemID); err != nil {
		return false, fmt.Errorf("failed to mark item %s processed: %w", itemID, err)
	}
	if err := p.batches.IncrementStage(ctx, p.batchID, stage, 1); err != nil {
		return false, fmt.Errorf("failed to count item %s for stage %s: %w", itemID, stage, err)
	}
	p.logger.Debug().Str("itemId", itemID).Str("stage", string(stage)).Msg("Item processed")
	return true, nil
}

// holdBarrier polls the batch until the stage counter reaches the item count,
// then reports the stage as completed. Items may still be in flight on other
// workers when the barrier message arrives; the poll absorbs that.
func (p *ItemProcessor) holdBarrier(ctx context.Context, stage models.Stage) (bool, error) {
	p.logger.Info().Str("stage", string(stage)).Msg("Last message received, waiting for stage to drain")

	deadline := time.Now().Add(p.config.BarrierTimeout)
	var processed, expected int
	for {
		batch, err := p.batches.FindByID(ctx, p.batchID)
		if err != nil {
			return false, fmt.Errorf("failed to read batch at barrier: %w", err)
		}
		processed, expected = batch.Stages[stage], batch.ItemCount
		if processed >= expected {
			break
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("stage %s of batch %s stalled at %d of %d items after %s",
				stage, p.batchID, processed, expected, p.config.BarrierTimeout)
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(p.config.PollInterval):
		}
	}

	p.logger.Info().Str("stage", string(stage)).Int("processed", processed).Msg("Stage completed")
	if err := p.sender.SendBatchActionMessage(ctx, p.batchID, rabbit.CompletedActionKey); err != nil {
		return false, fmt.Errorf("failed to report stage %s completed: %w", stage, err)
	}
	return true, nil
}

// stageForOrdinal resolves a wire-level stage ordinal against the batch's
// stage order, cached after the first successful read since the order is
// immutable.
func (p *ItemProcessor) stageForOrdinal(ctx context.Context, ordinal int) (models.Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stageOrder == nil {
		batch, err := p.batches.FindByID(ctx, p.batchID)
		if err != nil {
			return "", fmt.Errorf("failed to read batch %s: %w", p.batchID, err)
		}
		p.stageOrder = batch.StageOrder
	}
	if ordinal < 0 || ordinal >= len(p.stageOrder) {
		return "", fmt.Errorf("batch %s has no stage with ordinal %d", p.batchID, ordinal)
	}
	return p.stageOrder[ordinal], nil
}
