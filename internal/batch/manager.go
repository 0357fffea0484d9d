package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/mkvarda/batchstream/internal/models"
	"github.com/mkvarda/batchstream/internal/rabbit"
	"github.com/mkvarda/batchstream/internal/repository"
)

var (
	// ErrUnsupportedAction is returned for action messages the manager does
	// not understand; they are dead-lettered rather than retried.
	ErrUnsupportedAction = errors.New("unsupported batch action")

	// ErrBatchAlreadyRegistered is returned when a start action arrives for a
	// batch that already has live workers.
	ErrBatchAlreadyRegistered = errors.New("batch workers already registered")

	// ErrInvalidBatch is returned when batch creation input fails validation.
	ErrInvalidBatch = errors.New("invalid batch")
)

// ManagerConfig tunes the saga controller.
type ManagerConfig struct {
	// AppName identifies this application instance in subscriber identities.
	AppName string
	// WorkerCount is the number of competing stage workers per batch.
	WorkerCount int
	// ReadyTimeout bounds the wait for worker readiness before the first
	// stage messages are published.
	ReadyTimeout time.Duration
	// Worker is the per-worker configuration.
	Worker ProcessorConfig
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.AppName == "" {
		c.AppName = "batchstream"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	return c
}

// Manager drives the batch saga. It creates batches, reacts to start and
// completed actions, registers and deregisters per-batch stage workers, and
// publishes each stage's item messages. All state transitions flow through
// action messages so every application instance observes them.
type Manager struct {
	logger  zerolog.Logger
	source  rabbit.ConnectionSource
	batches repository.BatchRepository
	items   repository.BatchItemRepository
	sender  Sender
	config  ManagerConfig

	mu      sync.Mutex
	workers map[string][]*ItemProcessor
}

// NewManager creates a saga controller. Workers publish and consume on the
// given connection source.
func NewManager(
	source rabbit.ConnectionSource,
	logger zerolog.Logger,
	batches repository.BatchRepository,
	items repository.BatchItemRepository,
	sender Sender,
	config ManagerConfig,
) *Manager {
	return &Manager{
		logger:  logger,
		source:  source,
		batches: batches,
		items:   items,
		sender:  sender,
		config:  config.withDefaults(),
		workers: make(map[string][]*ItemProcessor),
	}
}

// CreateBatch validates the input, persists the batch and its items, and
// publishes the start action that kicks off processing.
func (m *Manager) CreateBatch(ctx context.Context, input models.NewBatch) (*models.Batch, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	batch := models.NewBatchRecord(uuid.NewString(), input.Name, input.ItemCount, input.Stages)
	if err := m.batches.InsertOne(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to store batch: %w", err)
	}

	items := make([]models.BatchItem, 0, batch.ItemCount)
	for i := 1; i <= batch.ItemCount; i++ {
		items = append(items, models.BatchItem{
			ID:     uuid.NewString(),
			Batch:  models.Reference{ID: batch.ID, Name: batch.Name},
			Name:   fmt.Sprintf("%s-%d", batch.Name, i),
			ItemNo: i,
		})
	}
	if err := m.items.InsertMany(ctx, items); err != nil {
		return nil, fmt.Errorf("failed to store batch items: %w", err)
	}

	m.logger.Info().Str("batchId", batch.ID).Str("name", batch.Name).Int("items", batch.ItemCount).
		Msg("Batch created, requesting start")
	if err := m.sender.SendBatchActionMessage(ctx, batch.ID, rabbit.StartActionKey); err != nil {
		return nil, fmt.Errorf("failed to publish start action: %w", err)
	}
	return batch, nil
}

// HandleAction is the handler for the batch actions queue. Start registers
// the batch's workers and publishes the first stage; completed advances to
// the next stage or tears the workers down once every stage has drained.
func (m *Manager) HandleAction(ctx context.Context, msg models.QueueMessage[string], subscriberID string, _ amqp.Table) (bool, error) {
	logger := m.logger.With().Str("batchId", msg.ID).Str("action", msg.Body).Logger()

	switch msg.Body {
	case rabbit.StartActionKey:
		if err := m.startBatch(ctx, msg.ID); err != nil {
			return false, err
		}
		return true, nil

	case rabbit.CompletedActionKey:
		if err := m.advanceBatch(ctx, msg.ID); err != nil {
			return false, err
		}
		return true, nil

	default:
		logger.Error().Str("subscriber", subscriberID).Msg("Unsupported action received")
		return false, fmt.Errorf("action %q for batch %s: %w", msg.Body, msg.ID, ErrUnsupportedAction)
	}
}

// startBatch registers the batch's stage workers, waits for each to signal
// readiness, and publishes the first pending stage. Publishing before the
// workers are live would race message delivery against queue binding.
func (m *Manager) startBatch(ctx context.Context, batchID string) error {
	batch, err := m.batches.FindByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to read batch to start: %w", err)
	}

	workers, err := m.registerWorkers(batchID)
	if err != nil {
		return err
	}
	if err := m.awaitReady(ctx, workers); err != nil {
		m.deregisterWorkers(batchID)
		return err
	}

	stage, err := batch.NextStage()
	if err != nil {
		return fmt.Errorf("failed to pick first stage: %w", err)
	}
	return m.publishStage(ctx, batch, stage)
}

// advanceBatch re-reads the batch after a stage completed and either
// publishes the next pending stage or, when every counter has reached the
// item count, deregisters the workers.
func (m *Manager) advanceBatch(ctx context.Context, batchID string) error {
	batch, err := m.batches.FindByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to read batch to advance: %w", err)
	}

	completed, err := batch.IsCompleted()
	if err != nil {
		return fmt.Errorf("batch %s is inconsistent: %w", batchID, err)
	}
	if completed {
		m.logger.Info().Str("batchId", batchID).Msg("Batch completed, releasing workers")
		m.deregisterWorkers(batchID)
		return nil
	}

	stage, err := batch.NextStage()
	if err != nil {
		return fmt.Errorf("failed to pick next stage: %w", err)
	}
	return m.publishStage(ctx, batch, stage)
}

// publishStage sends every item message for one stage plus the single
// barrier message, all in one broker transaction.
func (m *Manager) publishStage(ctx context.Context, batch *models.Batch, stage models.Stage) error {
	ordinal, err := batch.Ordinal(stage)
	if err != nil {
		return err
	}
	items, err := m.items.ListByBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to list items of batch %s: %w", batch.ID, err)
	}
	if len(items) != batch.ItemCount {
		return fmt.Errorf("batch %s has %d items stored, expected %d", batch.ID, len(items), batch.ItemCount)
	}

	messages := make([]models.QueueMessage[models.BatchMessage], 0, len(items)+1)
	for _, item := range items {
		messages = append(messages, models.QueueMessage[models.BatchMessage]{
			ID:       item.ID,
			LinkedID: batch.ID,
			BodyType: models.BodyTypeBatchMessage,
			Body: models.BatchMessage{
				ItemStage: ordinal,
				Reference: &models.Reference{ID: item.ID, Name: item.Name},
			},
		})
	}
	messages = append(messages, models.QueueMessage[models.BatchMessage]{
		ID:       uuid.NewString(),
		LinkedID: batch.ID,
		BodyType: models.BodyTypeBatchMessage,
		Body: models.BatchMessage{
			IsLast:        true,
			ItemStage:     ordinal,
			ExpectedCount: batch.ItemCount,
		},
	})

	m.logger.Info().Str("batchId", batch.ID).Str("stage", string(stage)).Msg("Publishing stage")
	return m.sender.SendBatchItemMessages(ctx, messages, batch.ID, stage)
}

func (m *Manager) registerWorkers(batchID string) ([]*ItemProcessor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[batchID]; ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchAlreadyRegistered)
	}

	workers := make([]*ItemProcessor, 0, m.config.WorkerCount)
	for i := 0; i < m.config.WorkerCount; i++ {
		worker, err := NewItemProcessor(m.source, m.logger, m.batches, m.items, m.sender,
			batchID, m.config.AppName, fmt.Sprintf("worker%d", i+1), m.config.Worker)
		if err != nil {
			for _, w := range workers {
				w.Close()
			}
			return nil, fmt.Errorf("failed to start worker %d for batch %s: %w", i+1, batchID, err)
		}
		workers = append(workers, worker)
	}
	m.workers[batchID] = workers
	return workers, nil
}

// awaitReady blocks until every worker's consumer is registered with the
// broker, bounded by the configured readiness timeout.
func (m *Manager) awaitReady(ctx context.Context, workers []*ItemProcessor) error {
	timeout := time.After(m.config.ReadyTimeout)
	for _, worker := range workers {
		select {
		case <-worker.Ready():
		case <-timeout:
			return fmt.Errorf("worker %s not ready after %s", worker.SubscriberID(), m.config.ReadyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// deregisterWorkers closes and forgets a batch's workers. Absent batches are
// a no-op so repeated completed actions stay idempotent.
func (m *Manager) deregisterWorkers(batchID string) {
	m.mu.Lock()
	workers := m.workers[batchID]
	delete(m.workers, batchID)
	m.mu.Unlock()

	for _, worker := range workers {
		if err := worker.Close(); err != nil {
			m.logger.Warn().Err(err).Str("batchId", batchID).Msg("Failed to close stage worker")
		}
	}
}

// Close tears down every registered worker.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := m.workers
	m.workers = make(map[string][]*ItemProcessor)
	m.mu.Unlock()

	var err error
	for _, workers := range all {
		for _, worker := range workers {
			if cErr := worker.Close(); cErr != nil && err == nil {
				err = cErr
			}
		}
	}
	return err
}

// ActionListener subscribes the manager to the batch actions exchange. The
// exchange fans out, so every application instance sees every action.
type ActionListener struct {
	subscriber *rabbit.QueueSubscriber[models.QueueMessage[string]]
}

// StartActionListener subscribes and starts dispatching actions to the
// manager.
func StartActionListener(source rabbit.ConnectionSource, logger zerolog.Logger, manager *Manager, appName string) (*ActionListener, error) {
	subscriber, err := rabbit.NewQueueSubscriber[models.QueueMessage[string]](
		source, logger, rabbit.ForBatchActionsConsumer(), appName, "actions")
	if err != nil {
		return nil, fmt.Errorf("failed to create action listener: %w", err)
	}
	if err := subscriber.Subscribe(manager.HandleAction); err != nil {
		subscriber.Close()
		return nil, err
	}
	return &ActionListener{subscriber: subscriber}, nil
}

// Ready is closed once the listener consumes from the actions queue.
func (l *ActionListener) Ready() <-chan struct{} { return l.subscriber.Ready() }

// Close stops the listener.
func (l *ActionListener) Close() error { return l.subscriber.Close() }
